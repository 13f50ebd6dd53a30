package config

import (
	"os"
	"testing"
)

func TestDefaultSettings_Validates(t *testing.T) {
	s := DefaultSettings()
	if err := s.Validate(); err != nil {
		t.Fatalf("default settings must validate, got: %v", err)
	}
}

func TestValidate_RejectsEmptyRedisAddresses(t *testing.T) {
	s := DefaultSettings()
	s.Redis.Addresses = nil
	if err := s.Validate(); err == nil {
		t.Fatal("expected an error for empty redis.addresses")
	}
}

func TestValidate_RejectsZeroShardCount(t *testing.T) {
	s := DefaultSettings()
	s.Processor.DeliveryShardCount = 0
	if err := s.Validate(); err == nil {
		t.Fatal("expected an error for a zero delivery shard count")
	}
}

func TestValidate_RejectsChainMissingWSURL(t *testing.T) {
	s := DefaultSettings()
	s.Chains = []ChainSettings{{ChainID: 1, DisplayName: "mainnet"}}
	if err := s.Validate(); err == nil {
		t.Fatal("expected an error for a chain missing ws_url")
	}
}

func TestLoader_MergesLayeredYAML(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir+"/config.base.yaml", "environment: base\nredis:\n  addresses:\n    - base-host:6379\n")
	writeFile(t, dir+"/config.test.yaml", "redis:\n  db: 2\n")

	loader := NewLoader(dir)
	if err := loader.LoadEnvironment("test"); err != nil {
		t.Fatalf("LoadEnvironment failed: %v", err)
	}

	settings := DefaultSettings()
	if err := loader.Unmarshal(settings); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}

	if len(settings.Redis.Addresses) != 1 || settings.Redis.Addresses[0] != "base-host:6379" {
		t.Fatalf("expected base config's redis address to survive merge, got %v", settings.Redis.Addresses)
	}
	if settings.Redis.DB != 2 {
		t.Fatalf("expected environment overlay's redis.db=2, got %d", settings.Redis.DB)
	}
}

func writeFile(t *testing.T, path, contents string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("writing %s: %v", path, err)
	}
}
