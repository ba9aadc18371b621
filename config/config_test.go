// config/config_test.go
package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfigValid(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config must validate: %v", err)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown scheme", func(c *Config) { c.Commitment.Scheme = "plonk" }},
		{"zero retained heights", func(c *Config) { c.Commitment.RetainedHeights = 0 }},
		{"segment size not power of two", func(c *Config) { c.Commitment.KZGSegmentSize = 100 }},
		{"grace window above cap", func(c *Config) { c.Witness.GraceWindowBlocks = MaxGraceWindowBlocks + 1 }},
		{"grace window above history", func(c *Config) {
			c.Commitment.RetainedHeights = 16
			c.Witness.GraceWindowBlocks = 16
		}},
		{"zero workers", func(c *Config) { c.Witness.VerifyWorkers = 0 }},
		{"cold below hot", func(c *Config) {
			c.Tier.HotInactivityBlocks = 100
			c.Tier.ColdInactivityBlocks = 100
		}},
		{"zero horizon", func(c *Config) { c.Expiry.HorizonBlocks = 0 }},
		{"zero sweep interval", func(c *Config) { c.Expiry.SweepIntervalBlocks = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatalf("expected validation error for %s", tc.name)
			}
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	body := `{
		"commitment": {"scheme": "verkle"},
		"witness": {"graceWindowBlocks": 8},
		"tier": {"hotInactivityBlocks": 10, "coldInactivityBlocks": 20}
	}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write temp config: %v", err)
	}

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile() error = %v", err)
	}
	if cfg.Commitment.Scheme != "verkle" {
		t.Fatalf("scheme not overridden: %s", cfg.Commitment.Scheme)
	}
	if cfg.Witness.GraceWindowBlocks != 8 {
		t.Fatalf("grace window not overridden: %d", cfg.Witness.GraceWindowBlocks)
	}
	// 未覆盖字段保持默认
	if cfg.Expiry.HorizonBlocks != DefaultConfig().Expiry.HorizonBlocks {
		t.Fatal("unset fields must keep defaults")
	}
}

func TestLoadFromFileMissing(t *testing.T) {
	if _, err := LoadFromFile(filepath.Join(t.TempDir(), "absent.json")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
