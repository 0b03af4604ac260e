package es

import "time"

// SnapshotConfig tunes both snapshot tiers.
type SnapshotConfig struct {
	// Interval is the number of commits between durable snapshot writes. It
	// also scales the eviction priority of in-memory snapshots.
	Interval int `mapstructure:"interval"`
	// TTL of in-memory snapshots.
	TTL time.Duration `mapstructure:"ttl"`
	// MaxCost bounds the in-memory tier by serialized bytes.
	MaxCost int64 `mapstructure:"max_cost"`
	// MigrationRate limits stale snapshot rewrites per second.
	MigrationRate float64 `mapstructure:"migration_rate"`
	// ErrorBackoff is the pause of the durable worker after a failed step.
	ErrorBackoff time.Duration `mapstructure:"error_backoff"`
	// WriteBatch is the number of queued writes persisted per step.
	WriteBatch int `mapstructure:"write_batch"`
}

func DefaultSnapshotConfig() SnapshotConfig {
	return SnapshotConfig{
		Interval:      100,
		TTL:           30 * time.Minute,
		MaxCost:       256 << 20,
		MigrationRate: 50,
		ErrorBackoff:  5 * time.Second,
		WriteBatch:    64,
	}
}

func (c SnapshotConfig) withDefaults() SnapshotConfig {
	d := DefaultSnapshotConfig()
	if c.Interval <= 0 {
		c.Interval = d.Interval
	}
	if c.TTL <= 0 {
		c.TTL = d.TTL
	}
	if c.MaxCost <= 0 {
		c.MaxCost = d.MaxCost
	}
	if c.MigrationRate <= 0 {
		c.MigrationRate = d.MigrationRate
	}
	if c.ErrorBackoff <= 0 {
		c.ErrorBackoff = d.ErrorBackoff
	}
	if c.WriteBatch <= 0 {
		c.WriteBatch = d.WriteBatch
	}
	return c
}
