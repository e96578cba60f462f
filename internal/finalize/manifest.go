// Package finalize holds the run's output side: per-document text written
// by workers and the manifest written once when the run goes quiescent.
package finalize

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"
)

// ManifestDoc is the manifest written on quiescence.
type ManifestDoc struct {
	RunID       string    `json:"run_id"`
	Epoch       int64     `json:"epoch"`
	CompletedAt time.Time `json:"completed_at"`
	Count       int       `json:"count"`
	Documents   []string  `json:"documents"`
}

// Manifest writes <dir>/<run>/manifest-<epoch>.json with the completed
// document ids. Re-running an epoch overwrites the same file.
type Manifest struct {
	dir string
	now func() time.Time
}

func NewManifest(dir string) *Manifest {
	return &Manifest{dir: dir, now: time.Now}
}

// Path returns where the manifest of runID's epoch is written.
func (m *Manifest) Path(runID string, epoch int64) string {
	return filepath.Join(m.dir, runID, fmt.Sprintf("manifest-%d.json", epoch))
}

func (m *Manifest) OnRunQuiescent(ctx context.Context, runID string, epoch int64, ids []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if ids == nil {
		ids = []string{}
	}
	doc := ManifestDoc{RunID: runID, Epoch: epoch, CompletedAt: m.now().UTC(), Count: len(ids), Documents: ids}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshalling manifest: %w", err)
	}
	return writeAtomic(m.Path(runID, epoch), data)
}

// Read loads a manifest written by OnRunQuiescent.
func (m *Manifest) Read(runID string, epoch int64) (ManifestDoc, error) {
	data, err := os.ReadFile(m.Path(runID, epoch))
	if err != nil {
		return ManifestDoc{}, err
	}
	var doc ManifestDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return ManifestDoc{}, fmt.Errorf("parsing manifest: %w", err)
	}
	return doc, nil
}

// TextSink stores extracted text under <dir>/<run>/docs/. Writes are
// idempotent so a reclaimed document processed twice leaves one file.
type TextSink struct {
	dir string
}

func NewTextSink(dir string) *TextSink {
	return &TextSink{dir: dir}
}

// Path returns the file documentID's text is stored in.
func (s *TextSink) Path(runID, documentID string) string {
	return filepath.Join(s.dir, runID, "docs", url.PathEscape(documentID)+".txt")
}

func (s *TextSink) Store(ctx context.Context, runID, documentID, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return writeAtomic(s.Path(runID, documentID), []byte(text))
}

func writeAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", filepath.Dir(path), err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("renaming into %s: %w", path, err)
	}
	return nil
}
