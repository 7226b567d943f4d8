package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/punchamoorthee/settlehub/internal/domain"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DB_SOURCE", "postgres://localhost/settlehub")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != "8080" || cfg.Env != "development" {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if cfg.TransferTimeout != 30*time.Second || cfg.RecoveryMinAge != 2*time.Minute {
		t.Fatalf("unexpected durations %s %s", cfg.TransferTimeout, cfg.RecoveryMinAge)
	}
	if cfg.Topic("ethereum:1") != "settlement.ethereum-1" {
		t.Fatalf("unexpected topic %s", cfg.Topic("ethereum:1"))
	}
	if len(cfg.KafkaBrokers) != 0 {
		t.Fatalf("expected no brokers, got %v", cfg.KafkaBrokers)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("DB_SOURCE", "postgres://localhost/settlehub")
	t.Setenv("KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("TRANSFER_EXECUTION_TIMEOUT", "5s")
	t.Setenv("RECOVERY_MIN_AGE", "10s")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.KafkaBrokers) != 2 || cfg.KafkaBrokers[1] != "k2:9092" {
		t.Fatalf("unexpected brokers %v", cfg.KafkaBrokers)
	}
	if cfg.TransferTimeout != 5*time.Second {
		t.Fatalf("unexpected timeout %s", cfg.TransferTimeout)
	}
}

func TestLoadRequiresDBSource(t *testing.T) {
	t.Setenv("DB_SOURCE", "")
	os.Unsetenv("DB_SOURCE")
	if _, err := Load(); err == nil {
		t.Fatal("expected error without DB_SOURCE")
	}
}

func TestLoadRejectsRecoveryRacingExecution(t *testing.T) {
	t.Setenv("DB_SOURCE", "postgres://localhost/settlehub")
	t.Setenv("TRANSFER_EXECUTION_TIMEOUT", "5m")
	if _, err := Load(); err == nil {
		t.Fatal("expected error when recovery can overlap execution")
	}
}

func TestLoadNetworks(t *testing.T) {
	path := filepath.Join(t.TempDir(), "networks.yaml")
	data := []byte(`
networks:
  - id: ethereum:1
    kind: blockchain
    grace_window: 10m
  - id: ethereum:5
    kind: blockchain
    required_confirmations: 0
  - id: lightning
    kind: channel
    node: node-1
  - id: internal
    kind: internal
`)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	nets, err := LoadNetworks(path)
	if err != nil {
		t.Fatalf("load networks: %v", err)
	}
	if len(nets) != 4 {
		t.Fatalf("expected four networks, got %d", len(nets))
	}
	if nets[0].RequiredConfirmations != DefaultBlockchainConfirmations || nets[0].GraceWindow != 10*time.Minute {
		t.Fatalf("unexpected ethereum:1 %+v", nets[0])
	}
	if nets[1].RequiredConfirmations != 0 {
		t.Fatalf("expected explicit zero kept, got %d", nets[1].RequiredConfirmations)
	}
	if nets[2].Kind != domain.NetworkChannel || nets[2].Node != "node-1" {
		t.Fatalf("unexpected lightning %+v", nets[2])
	}
}

func TestParseNetworksRejectsBadEntries(t *testing.T) {
	for name, data := range map[string]string{
		"empty":        `networks: []`,
		"unknown kind": "networks:\n  - id: tron\n    kind: sidechain\n",
		"missing id":   "networks:\n  - kind: internal\n",
		"not yaml":     "networks: [",
	} {
		t.Run(name, func(t *testing.T) {
			if _, err := ParseNetworks([]byte(data)); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}
