// Package nodeconfig holds the internal runtime tunables this core needs —
// quorum size, authority fan-out, countersigning timeouts, retry backoff —
// loaded from YAML. This is deliberately NOT the admin conductor's TOML
// config (§1 explicit non-goal): it is a small, internal knob set, loaded
// the way the teacher loads its YAML regional profiles
// (pkg/config/profile_loader.go), adapted from "per-jurisdiction compliance
// profile" to "per-deployment runtime tuning."
package nodeconfig

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full set of tunables a node needs beyond its (out of scope)
// conductor-level setup.
type Config struct {
	// Quorum is R, the number of distinct valid validation receipts an op
	// needs before it's considered durably validated by the network (§4.8).
	Quorum int `yaml:"quorum"`
	// AuthoritiesToQuery is how many counted GetAgentActivity responses
	// countersigning resolution collects per participant
	// (countersign.Workflow.AuthoritiesToQuery, §6).
	AuthoritiesToQuery int `yaml:"authorities_to_query"`
	// CountersigningTimeout is a countersigning session timeout (§4.7). It is
	// loaded and defaulted but nothing reads it; a session's deadline is its
	// preflight request's own Expires.
	CountersigningTimeout time.Duration `yaml:"countersigning_timeout"`
	// RetryBackoff is a backoff window for ops whose MissingDhtDepError keeps
	// recurring (§4.5, §5). Validate checks it but no loop reads it: the
	// integration loop retries a deferred op on its next fire, without backoff.
	RetryBackoff BackoffConfig `yaml:"retry_backoff"`
	// IntegrationBatchSize bounds how many ops ScanByStage pulls per pass
	// (§4.3).
	IntegrationBatchSize int `yaml:"integration_batch_size"`
}

// BackoffConfig is an exponential backoff window, min/max.
type BackoffConfig struct {
	Min time.Duration `yaml:"min"`
	Max time.Duration `yaml:"max"`
}

// Default returns the tunables this core ships with absent an override
// file — chosen to match the values described in spec §4 prose (quorum of
// 3, eight authorities queried per activity request).
func Default() Config {
	return Config{
		Quorum:                3,
		AuthoritiesToQuery:    8,
		CountersigningTimeout: 2 * time.Minute,
		RetryBackoff:          BackoffConfig{Min: 200 * time.Millisecond, Max: 30 * time.Second},
		IntegrationBatchSize:  100,
	}
}

// Load reads a YAML config file at path, starting from Default() so a
// partial override file only needs to name the fields it changes.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("nodeconfig: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("nodeconfig: parse %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the tunables are internally consistent.
func (c Config) Validate() error {
	if c.Quorum < 1 {
		return fmt.Errorf("nodeconfig: quorum must be >= 1, got %d", c.Quorum)
	}
	if c.AuthoritiesToQuery < 1 {
		return fmt.Errorf("nodeconfig: authorities_to_query must be >= 1, got %d", c.AuthoritiesToQuery)
	}
	if c.RetryBackoff.Min <= 0 || c.RetryBackoff.Max < c.RetryBackoff.Min {
		return fmt.Errorf("nodeconfig: retry_backoff must have 0 < min <= max")
	}
	return nil
}
