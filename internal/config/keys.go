package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kDuration
	kList
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "store.driver", typ: kString, env: "RUNQ_STORE_DRIVER",
		apply:   func(cfg *Config, v any) { cfg.Store.Driver = v.(string) },
		extract: func(cfg Config) any { return cfg.Store.Driver },
	},
	{
		key: "store.dsn", typ: kString, env: "RUNQ_STORE_DSN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Store.DSN = v.(string) },
		extract: func(cfg Config) any { return cfg.Store.DSN },
	},
	{
		key: "store.data_dir", typ: kString, env: "RUNQ_STORE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Store.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Store.DataDir },
	},
	{
		key: "run.name", typ: kString, env: "RUNQ_RUN_NAME",
		apply:   func(cfg *Config, v any) { cfg.Run.Name = v.(string) },
		extract: func(cfg Config) any { return cfg.Run.Name },
	},
	{
		key: "run.sources", typ: kList, env: "RUNQ_RUN_SOURCES",
		apply:   func(cfg *Config, v any) { cfg.Run.Sources = v.([]string) },
		extract: func(cfg Config) any { return strings.Join(cfg.Run.Sources, ",") },
	},
	{
		key: "run.extensions", typ: kList, env: "RUNQ_RUN_EXTENSIONS",
		apply:   func(cfg *Config, v any) { cfg.Run.Extensions = v.([]string) },
		extract: func(cfg Config) any { return strings.Join(cfg.Run.Extensions, ",") },
	},
	{
		key: "run.output_dir", typ: kString, env: "RUNQ_RUN_OUTPUT_DIR",
		apply:   func(cfg *Config, v any) { cfg.Run.OutputDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Run.OutputDir },
	},
	{
		key: "run.max_document_bytes", typ: kInt, env: "RUNQ_RUN_MAX_DOCUMENT_BYTES",
		apply:   func(cfg *Config, v any) { cfg.Run.MaxDocumentBytes = int64(v.(int)) },
		extract: func(cfg Config) any { return cfg.Run.MaxDocumentBytes },
	},
	{
		key: "queue.claim_timeout", typ: kDuration, env: "RUNQ_QUEUE_CLAIM_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Queue.ClaimTimeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Queue.ClaimTimeout },
	},
	{
		key: "queue.heartbeat_interval", typ: kDuration, env: "RUNQ_QUEUE_HEARTBEAT_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Queue.HeartbeatInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Queue.HeartbeatInterval },
	},
	{
		key: "queue.max_retries", typ: kInt, env: "RUNQ_QUEUE_MAX_RETRIES",
		apply:   func(cfg *Config, v any) { cfg.Queue.MaxRetries = v.(int) },
		extract: func(cfg Config) any { return cfg.Queue.MaxRetries },
	},
	{
		key: "queue.retry_backoff", typ: kDuration, env: "RUNQ_QUEUE_RETRY_BACKOFF",
		apply:   func(cfg *Config, v any) { cfg.Queue.RetryBackoff = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Queue.RetryBackoff },
	},
	{
		key: "queue.stale_threshold", typ: kDuration, env: "RUNQ_QUEUE_STALE_THRESHOLD",
		apply:   func(cfg *Config, v any) { cfg.Queue.StaleThreshold = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Queue.StaleThreshold },
	},
	{
		key: "queue.poll_interval", typ: kDuration, env: "RUNQ_QUEUE_POLL_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Queue.PollInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Queue.PollInterval },
	},
	{
		key: "queue.concurrency", typ: kInt, env: "RUNQ_QUEUE_CONCURRENCY",
		apply:   func(cfg *Config, v any) { cfg.Queue.Concurrency = v.(int) },
		extract: func(cfg Config) any { return cfg.Queue.Concurrency },
	},
	{
		key: "queue.sweep_interval", typ: kDuration, env: "RUNQ_QUEUE_SWEEP_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Queue.SweepInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Queue.SweepInterval },
	},
	{
		key: "leader.lease_duration", typ: kDuration, env: "RUNQ_LEADER_LEASE_DURATION",
		apply:   func(cfg *Config, v any) { cfg.Leader.LeaseDuration = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Leader.LeaseDuration },
	},
	{
		key: "leader.renew_interval", typ: kDuration, env: "RUNQ_LEADER_RENEW_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Leader.RenewInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Leader.RenewInterval },
	},
	{
		key: "leader.enqueue_batch", typ: kInt, env: "RUNQ_LEADER_ENQUEUE_BATCH",
		apply:   func(cfg *Config, v any) { cfg.Leader.EnqueueBatch = v.(int) },
		extract: func(cfg Config) any { return cfg.Leader.EnqueueBatch },
	},
	{
		key: "finalize.reconcile_after", typ: kDuration, env: "RUNQ_FINALIZE_RECONCILE_AFTER",
		apply:   func(cfg *Config, v any) { cfg.Finalize.ReconcileAfter = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Finalize.ReconcileAfter },
	},
	{
		key: "finalize.store_text", typ: kBool, env: "RUNQ_FINALIZE_STORE_TEXT",
		apply:   func(cfg *Config, v any) { cfg.Finalize.StoreText = v.(bool) },
		extract: func(cfg Config) any { return cfg.Finalize.StoreText },
	},
	{
		key: "server.addr", typ: kString, env: "RUNQ_SERVER_ADDR",
		apply:   func(cfg *Config, v any) { cfg.Server.Addr = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.Addr },
	},
	{
		key: "server.token", typ: kString, env: "RUNQ_SERVER_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Server.Token = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.Token },
	},
	{
		key: "log.level", typ: kString, env: "RUNQ_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "log.format", typ: kString, env: "RUNQ_LOG_FORMAT",
		apply:   func(cfg *Config, v any) { cfg.Log.Format = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Format },
	},
}

// parse converts a raw string into the key's value type.
func (s keySpec) parse(raw string) (any, error) {
	switch s.typ {
	case kInt:
		return strconv.Atoi(raw)
	case kBool:
		return strconv.ParseBool(raw)
	case kDuration:
		return time.ParseDuration(raw)
	case kList:
		var out []string
		for _, p := range strings.Split(raw, ",") {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		return out, nil
	default:
		return raw, nil
	}
}

// applyBackend reads every key from the file backend. Secrets are accepted
// from the file too, since runq has no keychain to fall back on.
func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		raw, ok, err := b.GetString(s.key)
		if err != nil {
			return fmt.Errorf("reading %s: %w", s.key, err)
		}
		if !ok {
			continue
		}
		v, err := s.parse(raw)
		if err != nil {
			return fmt.Errorf("invalid value for %s: %w", s.key, err)
		}
		s.apply(cfg, v)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		v, err := s.parse(raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse env var %s=%q: %v. Using configured value.\n", s.env, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
}
