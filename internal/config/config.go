package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/punchamoorthee/settlehub/internal/domain"
	"gopkg.in/yaml.v3"
)

type Config struct {
	DBSource string `env:"DB_SOURCE,required"`
	Port     string `env:"SERVER_PORT" envDefault:"8080"`
	Env      string `env:"ENVIRONMENT" envDefault:"development"`

	KafkaBrokers     []string `env:"KAFKA_BROKERS" envSeparator:","`
	KafkaGroupID     string   `env:"KAFKA_GROUP_ID" envDefault:"settlehub"`
	KafkaTopicPrefix string   `env:"KAFKA_TOPIC_PREFIX" envDefault:"settlement."`

	RedisURL           string `env:"REDIS_URL"`
	RedisChannelPrefix string `env:"REDIS_CHANNEL_PREFIX" envDefault:"settlehub."`

	NetworksFile string `env:"NETWORKS_FILE" envDefault:"networks.yaml"`

	TransferTimeout  time.Duration `env:"TRANSFER_EXECUTION_TIMEOUT" envDefault:"30s"`
	RecoveryInterval time.Duration `env:"RECOVERY_INTERVAL" envDefault:"1m"`
	RecoveryMinAge   time.Duration `env:"RECOVERY_MIN_AGE" envDefault:"2m"`
	ExpiryInterval   time.Duration `env:"EXPIRY_INTERVAL" envDefault:"30s"`
	ShutdownTimeout  time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
}

func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if cfg.RecoveryMinAge < cfg.TransferTimeout {
		return nil, fmt.Errorf("RECOVERY_MIN_AGE (%s) must not be shorter than TRANSFER_EXECUTION_TIMEOUT (%s)", cfg.RecoveryMinAge, cfg.TransferTimeout)
	}
	return &cfg, nil
}

// Topic is the Kafka topic carrying notifications of network. Characters
// Kafka does not allow in topic names become dashes.
func (c *Config) Topic(network string) string {
	return c.KafkaTopicPrefix + topicName.Replace(network)
}

var topicName = strings.NewReplacer(":", "-", "/", "-", " ", "-")

// DefaultBlockchainConfirmations applies to blockchain networks that do
// not set required_confirmations.
const DefaultBlockchainConfirmations = 10

// NetworkEntry is one network of the registry file.
type NetworkEntry struct {
	domain.Network
	// Node names the channel node that issues payment identifiers.
	Node string
}

type networkFile struct {
	Networks []struct {
		ID                    string             `yaml:"id"`
		Kind                  domain.NetworkKind `yaml:"kind"`
		RequiredConfirmations *int64             `yaml:"required_confirmations"`
		GraceWindow           time.Duration      `yaml:"grace_window"`
		Node                  string             `yaml:"node"`
	} `yaml:"networks"`
}

// LoadNetworks reads the network registry file.
func LoadNetworks(path string) ([]NetworkEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read networks file: %w", err)
	}
	return ParseNetworks(data)
}

func ParseNetworks(data []byte) ([]NetworkEntry, error) {
	var file networkFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse networks file: %w", err)
	}
	if len(file.Networks) == 0 {
		return nil, fmt.Errorf("networks file lists no networks")
	}
	out := make([]NetworkEntry, 0, len(file.Networks))
	for _, raw := range file.Networks {
		n := domain.Network{ID: raw.ID, Kind: raw.Kind, GraceWindow: raw.GraceWindow}
		switch {
		case raw.RequiredConfirmations != nil:
			n.RequiredConfirmations = *raw.RequiredConfirmations
		case raw.Kind == domain.NetworkBlockchain:
			n.RequiredConfirmations = DefaultBlockchainConfirmations
		}
		if err := n.Validate(); err != nil {
			return nil, fmt.Errorf("network %q: %w", raw.ID, err)
		}
		out = append(out, NetworkEntry{Network: n, Node: raw.Node})
	}
	return out, nil
}
