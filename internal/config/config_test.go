package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

// TestDefaults verifies all default values are applied when loading an empty config file.
func TestDefaults(t *testing.T) {
	t.Setenv("XDG_DATA_HOME", "/data")
	path := writeTempConfig(t, `# empty config`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Store.Driver != "sqlite" {
		t.Errorf("Store.Driver = %q, want sqlite", cfg.Store.Driver)
	}
	if cfg.Store.DataDir != filepath.Join("/data", "runq") {
		t.Errorf("Store.DataDir = %q, want /data/runq", cfg.Store.DataDir)
	}
	if cfg.Run.OutputDir != filepath.Join("/data", "runq", "output") {
		t.Errorf("Run.OutputDir = %q, want /data/runq/output", cfg.Run.OutputDir)
	}
	if cfg.Queue.ClaimTimeout != 60*time.Second {
		t.Errorf("Queue.ClaimTimeout = %v, want 60s", cfg.Queue.ClaimTimeout)
	}
	if cfg.Queue.HeartbeatInterval != 15*time.Second {
		t.Errorf("Queue.HeartbeatInterval = %v, want 15s", cfg.Queue.HeartbeatInterval)
	}
	if cfg.Queue.MaxRetries != 3 {
		t.Errorf("Queue.MaxRetries = %d, want 3", cfg.Queue.MaxRetries)
	}
	if cfg.Queue.StaleThreshold != 30*time.Minute {
		t.Errorf("Queue.StaleThreshold = %v, want 30m", cfg.Queue.StaleThreshold)
	}
	if cfg.Leader.LeaseDuration != 30*time.Second || cfg.Leader.RenewInterval != 10*time.Second {
		t.Errorf("Leader = %+v, want 30s lease / 10s renew", cfg.Leader)
	}
	if cfg.Finalize.ReconcileAfter != 0 {
		t.Errorf("Finalize.ReconcileAfter = %v, want disabled", cfg.Finalize.ReconcileAfter)
	}
	if cfg.Log.Level != "info" || cfg.Log.Format != "text" {
		t.Errorf("Log = %+v, want info/text", cfg.Log)
	}
}

// TestYAMLParsing verifies that nested sections, durations and lists are read from the file.
func TestYAMLParsing(t *testing.T) {
	content := `
store:
  driver: postgres
  dsn: postgres://runq@localhost/runq
run:
  name: corpus
  sources:
    - /srv/docs
    - /srv/more
  extensions: [.md, .pdf]
  output_dir: /tmp/runq-out
queue:
  claim_timeout: 2m
  heartbeat_interval: 20s
  max_retries: 5
  stale_threshold: 1h
  concurrency: 4
leader:
  lease_duration: 45s
  renew_interval: 15s
  enqueue_batch: 500
finalize:
  reconcile_after: 10m
log:
  level: debug
  format: json
`
	cfg, err := Load(writeTempConfig(t, content))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Store.Driver != "postgres" || cfg.Store.DSN != "postgres://runq@localhost/runq" {
		t.Errorf("Store = %+v", cfg.Store)
	}
	if got := strings.Join(cfg.Run.Sources, ","); got != "/srv/docs,/srv/more" {
		t.Errorf("Run.Sources = %q", got)
	}
	if got := strings.Join(cfg.Run.Extensions, ","); got != ".md,.pdf" {
		t.Errorf("Run.Extensions = %q", got)
	}
	if cfg.Queue.ClaimTimeout != 2*time.Minute {
		t.Errorf("Queue.ClaimTimeout = %v, want 2m", cfg.Queue.ClaimTimeout)
	}
	if cfg.Queue.MaxRetries != 5 {
		t.Errorf("Queue.MaxRetries = %d, want 5", cfg.Queue.MaxRetries)
	}
	if cfg.Queue.Concurrency != 4 {
		t.Errorf("Queue.Concurrency = %d, want 4", cfg.Queue.Concurrency)
	}
	if cfg.Leader.EnqueueBatch != 500 {
		t.Errorf("Leader.EnqueueBatch = %d, want 500", cfg.Leader.EnqueueBatch)
	}
	if cfg.Finalize.ReconcileAfter != 10*time.Minute {
		t.Errorf("Finalize.ReconcileAfter = %v, want 10m", cfg.Finalize.ReconcileAfter)
	}
	if cfg.Log.Format != "json" {
		t.Errorf("Log.Format = %q, want json", cfg.Log.Format)
	}
}

// TestEnvOverride verifies that environment variables override config file values.
func TestEnvOverride(t *testing.T) {
	path := writeTempConfig(t, "queue:\n  max_retries: 2\n")

	t.Setenv("RUNQ_QUEUE_MAX_RETRIES", "7")
	t.Setenv("RUNQ_RUN_SOURCES", "/a, /b")
	t.Setenv("RUNQ_SERVER_TOKEN", "s3cret")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Queue.MaxRetries != 7 {
		t.Errorf("Queue.MaxRetries = %d, want 7", cfg.Queue.MaxRetries)
	}
	if got := strings.Join(cfg.Run.Sources, ","); got != "/a,/b" {
		t.Errorf("Run.Sources = %q, want /a,/b", got)
	}
	if cfg.Server.Token != "s3cret" {
		t.Errorf("Server.Token = %q, want s3cret", cfg.Server.Token)
	}
}

// TestEnvOverrideUnparseable keeps the file value when the env var is garbage.
func TestEnvOverrideUnparseable(t *testing.T) {
	path := writeTempConfig(t, "queue:\n  claim_timeout: 90s\n")
	t.Setenv("RUNQ_QUEUE_CLAIM_TIMEOUT", "soon")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Queue.ClaimTimeout != 90*time.Second {
		t.Errorf("Queue.ClaimTimeout = %v, want 90s", cfg.Queue.ClaimTimeout)
	}
}

func TestInvalidFileValue(t *testing.T) {
	_, err := Load(writeTempConfig(t, "queue:\n  claim_timeout: forever\n"))
	if err == nil {
		t.Fatal("expected error for unparseable duration, got nil")
	}
	if !strings.Contains(err.Error(), "queue.claim_timeout") {
		t.Errorf("error = %q, want it to name queue.claim_timeout", err)
	}
}

func TestMissingExplicitFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing explicit config file, got nil")
	}
}

func TestMissingDefaultFileUsesDefaults(t *testing.T) {
	t.Setenv("RUNQ_CONFIG", "")
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Queue.MaxRetries != 3 {
		t.Errorf("Queue.MaxRetries = %d, want default 3", cfg.Queue.MaxRetries)
	}
}

func TestValidationTimingRelations(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{
			name:    "heartbeat not inside claim timeout",
			content: "queue:\n  claim_timeout: 10s\n  heartbeat_interval: 10s\n",
			want:    "queue.heartbeat_interval",
		},
		{
			name:    "renew not inside lease",
			content: "leader:\n  lease_duration: 10s\n  renew_interval: 20s\n",
			want:    "leader.renew_interval",
		},
		{
			name:    "watchdog shorter than claim timeout",
			content: "queue:\n  claim_timeout: 5m\n  stale_threshold: 1m\n",
			want:    "queue.stale_threshold",
		},
		{
			name:    "unknown driver",
			content: "store:\n  driver: mysql\n",
			want:    "store.driver",
		},
		{
			name:    "postgres without dsn",
			content: "store:\n  driver: postgres\n",
			want:    "store.dsn is required",
		},
		{
			name:    "bad log level",
			content: "log:\n  level: loud\n",
			want:    "log.level",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeTempConfig(t, tt.content))
			if err == nil {
				t.Fatal("expected validation error, got nil")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %q, want it to contain %q", err, tt.want)
			}
		})
	}
}

func TestStaleThresholdZeroDisablesWatchdog(t *testing.T) {
	cfg, err := Load(writeTempConfig(t, "queue:\n  stale_threshold: 0s\n"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Queue.StaleThreshold != 0 {
		t.Errorf("Queue.StaleThreshold = %v, want 0", cfg.Queue.StaleThreshold)
	}
}

func TestSetKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runq", "config.yaml")

	if err := SetKey(path, "queue.max_retries", "9"); err != nil {
		t.Fatalf("SetKey: %v", err)
	}
	if err := SetKey(path, "run.sources", "/x,/y"); err != nil {
		t.Fatalf("SetKey: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Queue.MaxRetries != 9 {
		t.Errorf("Queue.MaxRetries = %d, want 9", cfg.Queue.MaxRetries)
	}
	if len(cfg.Run.Sources) != 2 {
		t.Errorf("Run.Sources = %v, want 2 entries", cfg.Run.Sources)
	}

	if err := SetKey(path, "queue.heartbeat_interval", "5m"); err == nil {
		t.Error("expected SetKey to reject a heartbeat longer than the claim timeout")
	}
	cfg, err = Load(path)
	if err != nil {
		t.Fatalf("Load after rejected SetKey: %v", err)
	}
	if cfg.Queue.HeartbeatInterval != 15*time.Second {
		t.Errorf("Queue.HeartbeatInterval = %v, want unchanged 15s", cfg.Queue.HeartbeatInterval)
	}

	if err := SetKey(path, "server.token", "x"); err == nil {
		t.Error("expected SetKey to refuse secrets")
	}
	if err := SetKey(path, "no.such.key", "x"); err == nil {
		t.Error("expected SetKey to reject unknown keys")
	}
	if err := SetKey(path, "queue.max_retries", "many"); err == nil {
		t.Error("expected SetKey to reject a non-integer")
	}
}

// readOnlyAfterFirstWrite is a backend whose disk goes away after the first
// write, so restoring a rejected value fails.
type readOnlyAfterFirstWrite struct {
	data   map[string]string
	writes int
}

var errDiskGone = errors.New("disk gone")

func (b *readOnlyAfterFirstWrite) GetString(key string) (string, bool, error) {
	v, ok := b.data[key]
	return v, ok, nil
}

func (b *readOnlyAfterFirstWrite) SetString(key, val string) error {
	b.writes++
	if b.writes > 1 {
		return errDiskGone
	}
	b.data[key] = val
	return nil
}

func (b *readOnlyAfterFirstWrite) Delete(key string) error {
	return errDiskGone
}

func TestSetKeyReportsFailedRestore(t *testing.T) {
	tests := []struct {
		name string
		data map[string]string
	}{
		{"previous value", map[string]string{"queue.heartbeat_interval": "15s"}},
		{"no previous value", map[string]string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := &readOnlyAfterFirstWrite{data: tt.data}
			err := setKeyIn(b, "queue.heartbeat_interval", "5m")
			if err == nil {
				t.Fatal("expected the invalid value to be rejected")
			}
			if !strings.Contains(err.Error(), "must be less than queue.claim_timeout") {
				t.Errorf("error = %v, want the validation failure", err)
			}
			if !errors.Is(err, errDiskGone) {
				t.Errorf("error = %v, want the failed restore included", err)
			}
		})
	}
}

func TestShowAllHidesSecrets(t *testing.T) {
	cfg := defaults()
	cfg.Server.Token = "hidden"
	cfg.Store.DSN = "postgres://secret"

	for _, ki := range ShowAll(cfg) {
		if ki.Key == "server.token" || ki.Key == "store.dsn" {
			t.Errorf("ShowAll exposed secret key %s", ki.Key)
		}
		if ki.Key == "queue.claim_timeout" && ki.Value != "1m0s" {
			t.Errorf("queue.claim_timeout = %q, want 1m0s", ki.Value)
		}
	}
	if len(ValidKeys()) != len(ShowAll(cfg)) {
		t.Errorf("ValidKeys() and ShowAll() disagree: %d vs %d", len(ValidKeys()), len(ShowAll(cfg)))
	}
}
