package coordinator

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"path/filepath"
	"slices"
	"strings"
)

// RunConfig is the part of the processing configuration that identifies a
// run. Workers started with equivalent RunConfigs converge on the same run.
type RunConfig struct {
	Name       string   `json:"name"`
	Sources    []string `json:"sources"`
	Extensions []string `json:"extensions"`
}

// Normalize returns a canonical copy: cleaned, sorted, de-duplicated source
// paths and lower-cased extensions with a leading dot.
func (c RunConfig) Normalize() RunConfig {
	out := RunConfig{Name: strings.TrimSpace(c.Name)}
	for _, s := range c.Sources {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		out.Sources = append(out.Sources, filepath.Clean(s))
	}
	for _, e := range c.Extensions {
		e = strings.ToLower(strings.TrimSpace(e))
		if e == "" {
			continue
		}
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		out.Extensions = append(out.Extensions, e)
	}
	slices.Sort(out.Sources)
	out.Sources = slices.Compact(out.Sources)
	slices.Sort(out.Extensions)
	out.Extensions = slices.Compact(out.Extensions)
	return out
}

// JSON is the canonical encoding stored alongside the run.
func (c RunConfig) JSON() string {
	b, _ := json.Marshal(c.Normalize())
	return string(b)
}

// RunID derives the run identity from the normalized configuration.
func RunID(c RunConfig) string {
	sum := sha256.Sum256([]byte(c.JSON()))
	return "run-" + hex.EncodeToString(sum[:])[:16]
}
