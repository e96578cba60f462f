package config

import (
	"errors"
	"fmt"
)

// KeyInfo describes a config key for display purposes.
type KeyInfo struct {
	Key    string
	EnvVar string
	Value  string
}

// ShowAll returns all non-secret config key/value pairs from the current config.
func ShowAll(cfg Config) []KeyInfo {
	var result []KeyInfo
	for _, s := range specs {
		if s.secret {
			continue
		}
		result = append(result, KeyInfo{
			Key:    s.key,
			EnvVar: s.env,
			Value:  fmt.Sprintf("%v", s.extract(cfg)),
		})
	}
	return result
}

// SetKey writes a config key to the YAML file at path (DefaultPath() when
// empty). The value must parse as the key's type, and the resulting file must
// still produce a valid config.
func SetKey(path, key, value string) error {
	if path == "" {
		path = DefaultPath()
	}
	for _, s := range specs {
		if s.key != key {
			continue
		}
		if s.secret {
			return fmt.Errorf("cannot set secret %q via config; use environment variable %s", key, s.env)
		}
		if _, err := s.parse(value); err != nil {
			return fmt.Errorf("invalid value for %s: %w", key, err)
		}
		b, err := openFileBackend(path, false)
		if err != nil {
			return err
		}
		return setKeyIn(b, key, value)
	}

	return fmt.Errorf("unknown config key: %q", key)
}

// setKeyIn writes key to b and restores the previous state if the result no
// longer loads. A failed restore is reported alongside the validation error.
func setKeyIn(b ConfigBackend, key, value string) error {
	prev, hadPrev, _ := b.GetString(key)
	if err := b.SetString(key, value); err != nil {
		return err
	}
	if _, err := loadWith(b); err != nil {
		var rollback error
		if hadPrev {
			rollback = b.SetString(key, prev)
		} else {
			rollback = b.Delete(key)
		}
		if rollback != nil {
			return errors.Join(err, fmt.Errorf("restoring previous value of %s: %w", key, rollback))
		}
		return err
	}
	return nil
}

// ValidKeys returns the list of valid non-secret config key names.
func ValidKeys() []string {
	var keys []string
	for _, s := range specs {
		if !s.secret {
			keys = append(keys, s.key)
		}
	}
	return keys
}
