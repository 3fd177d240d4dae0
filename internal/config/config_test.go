package config

import "testing"

func TestDefaultHasSaneValues(t *testing.T) {
	cfg := Default()
	if cfg.BucketSize != 20 {
		t.Errorf("expected default bucket size 20, got %d", cfg.BucketSize)
	}
	if cfg.ReplicationMode != ReplicateViaCloseGroup {
		t.Errorf("expected default replication mode %q, got %q", ReplicateViaCloseGroup, cfg.ReplicationMode)
	}
	if cfg.VerificationAttempts <= 0 {
		t.Errorf("expected a positive VerificationAttempts, got %d", cfg.VerificationAttempts)
	}
	if len(cfg.ListenAddrs) == 0 {
		t.Errorf("expected at least one default listen address")
	}
}

func TestLoadWithNoConfigFileReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.NetworkID != Default().NetworkID {
		t.Errorf("expected default network id with no overrides, got %q", cfg.NetworkID)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("ANTSWARM_FIRST_NODE", "true")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !cfg.FirstNode {
		t.Errorf("expected FirstNode to be overridden by ANTSWARM_FIRST_NODE=true")
	}
}

func TestLoadEnvOverrideReplicationMode(t *testing.T) {
	t.Setenv("ANTSWARM_REPLICATION_MODE", string(ReplicateToAllPayees))
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ReplicationMode != ReplicateToAllPayees {
		t.Errorf("expected replication mode override to take effect, got %q", cfg.ReplicationMode)
	}
}
