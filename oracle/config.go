package oracle

import (
	"errors"
	"time"

	"github.com/credixa/oracletx"
)

// Config carries everything the service needs at construction. Signer and
// oracle addresses come in explicitly; the service never reads ambient
// process state.
type Config struct {
	SignerAddress string
	OracleAddress string

	MaxRetries         int
	RetryDelay         time.Duration
	ExponentialBackoff bool
	MaxBackoff         time.Duration
	UpdateTimeout      time.Duration
	Isolation          oracletx.IsolationLevel

	// BatchWorkers bounds the batch pool; BatchRatePerSecond paces
	// submissions across the whole batch (0 disables pacing).
	BatchWorkers       int
	BatchRatePerSecond int

	SnapshotCacheSize int
}

func (c Config) validate() error {
	if c.SignerAddress == "" {
		return errors.New("oracle: signer address is required")
	}
	if c.OracleAddress == "" {
		return errors.New("oracle: oracle address is required")
	}
	return nil
}

func (c Config) withDefaults() Config {
	if c.RetryDelay <= 0 {
		c.RetryDelay = 100 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 5 * time.Second
	}
	if c.UpdateTimeout <= 0 {
		c.UpdateTimeout = 30 * time.Second
	}
	if c.Isolation == oracletx.IsolationDefault {
		c.Isolation = oracletx.IsolationReadCommitted
	}
	if c.BatchWorkers <= 0 {
		c.BatchWorkers = 4
	}
	if c.SnapshotCacheSize <= 0 {
		c.SnapshotCacheSize = 512
	}
	return c
}
