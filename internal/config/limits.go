// Package config provides loading for per-tenant rate limit overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration parses YAML values like "1m" or "30s" into a time.Duration.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("duration must be a string like 30s or 1m: %w", err)
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(dur)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// BucketLimit overrides one token bucket. Burst 0 means "equal to limit".
type BucketLimit struct {
	Limit  int      `yaml:"limit"`
	Window Duration `yaml:"window"`
	Burst  int      `yaml:"burst"`
}

// RateOverrides is the parsed overrides file:
//
//	defaults:
//	  job_submission: {limit: 120, window: 1m}
//	tenants:
//	  t_bigcorp:
//	    job_submission: {limit: 600, window: 1m, burst: 900}
type RateOverrides struct {
	Defaults map[string]BucketLimit            `yaml:"defaults"`
	Tenants  map[string]map[string]BucketLimit `yaml:"tenants"`
}

// LoadRateOverrides reads the overrides YAML. An empty path yields an empty
// set, so deployments without a file run on env defaults alone.
func LoadRateOverrides(path string) (*RateOverrides, error) {
	if path == "" {
		return &RateOverrides{}, nil
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("op=config.LoadRateOverrides: %w", err)
	}
	// #nosec G304 -- Configuration files are expected to be safe
	content, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("op=config.LoadRateOverrides: %w", err)
	}
	var out RateOverrides
	if err := yaml.Unmarshal(content, &out); err != nil {
		return nil, fmt.Errorf("op=config.LoadRateOverrides: %w", err)
	}
	for resource, b := range out.Defaults {
		if b.Limit <= 0 || b.Window.Std() <= 0 {
			return nil, fmt.Errorf("op=config.LoadRateOverrides: default for %q needs positive limit and window", resource)
		}
	}
	for tenant, buckets := range out.Tenants {
		for resource, b := range buckets {
			if b.Limit <= 0 || b.Window.Std() <= 0 {
				return nil, fmt.Errorf("op=config.LoadRateOverrides: override %s/%s needs positive limit and window", tenant, resource)
			}
		}
	}
	return &out, nil
}

// Lookup returns the most specific bucket for (tenant, resource): a tenant
// override first, then a resource default.
func (o *RateOverrides) Lookup(tenant, resource string) (BucketLimit, bool) {
	if o == nil {
		return BucketLimit{}, false
	}
	if buckets, ok := o.Tenants[tenant]; ok {
		if b, ok := buckets[resource]; ok {
			return b, true
		}
	}
	if b, ok := o.Defaults[resource]; ok {
		return b, true
	}
	return BucketLimit{}, false
}
