// Package config defines the engine's runtime configuration: where
// data lives, how to reach the replication service and the
// device-sync archive endpoint, and which stream filters the consumer
// wants applied. cmd/xmtpd starts from Default, loads an optional YAML
// file over it, and then applies every flag whose value is non-empty
// (or true) on top of that.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/xmtp/mlsengine/pkg/types"
	"gopkg.in/yaml.v3"
)

// Config is the full set of options one xmtpd process needs: where its
// data lives, how it reaches the replication service and the
// device-sync archive endpoint, and which stream filters the consumer
// wants applied.
type Config struct {
	// DataDir is the BoltStore path (pkg/storage.NewBoltStore).
	DataDir string `yaml:"data_dir"`

	// ReplicationAddr is the gRPC address of the replication service.
	// Empty means run against an in-process memory client instead
	// (tests, local development).
	ReplicationAddr string `yaml:"replication_addr"`
	InsecureGRPC    bool   `yaml:"insecure_grpc"`

	// InboxID and InstallationID identify this client to the
	// replication service and to other installations via sync.
	InboxID        string `yaml:"inbox_id"`
	InstallationID string `yaml:"installation_id"` // hex-encoded

	// ServerURL is the device-sync archive upload/download endpoint.
	// If absent, device-sync runs local-only.
	ServerURL string `yaml:"server_url"`

	// ConversationTypeFilter restricts the all-messages/conversation
	// streams to one conversation type. Empty means no filtering.
	ConversationTypeFilter types.ConversationType `yaml:"conversation_type_filter"`

	// ConsentStates restricts streams to groups whose derived consent
	// is in this set. Empty means no filtering.
	ConsentStates []types.ConsentState `yaml:"consent_states"`

	// IncludeDuplicateDMs disables the DM-duplicate suppression rule.
	// Default false.
	IncludeDuplicateDMs bool `yaml:"include_duplicate_dms"`

	// WelcomeSenderFreqMS / WelcomeSenderJitterMS are benchmark-only
	// knobs; they have no effect outside the streaming benchmark
	// command.
	WelcomeSenderFreqMS   int `yaml:"welcome_sender_freq_ms"`
	WelcomeSenderJitterMS int `yaml:"welcome_sender_jitter_ms"`

	LogLevel string `yaml:"log_level"`
	LogJSON  bool   `yaml:"log_json"`

	MetricsAddr string `yaml:"metrics_addr"`

	CommitLogPublishInterval time.Duration `yaml:"commit_log_publish_interval"`
	CommitLogDownloadInterval time.Duration `yaml:"commit_log_download_interval"`
}

// Default returns a Config with the same defaults cmd/xmtpd's cobra
// flags declare, so a Config built programmatically (tests, embedding)
// behaves like the CLI's out-of-the-box settings.
func Default() Config {
	return Config{
		DataDir:                   "./xmtpd-data",
		InsecureGRPC:              true,
		LogLevel:                  "info",
		MetricsAddr:               "127.0.0.1:9090",
		CommitLogPublishInterval:  30 * time.Second,
		CommitLogDownloadInterval: 30 * time.Second,
	}
}

// LoadYAML overlays fields present in the YAML file at path onto cfg.
// A missing or unreadable file is an error; cmd/xmtpd only calls this
// when --config is set.
func LoadYAML(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

// Validate checks the fields cmd/xmtpd cannot safely default.
func (c Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("config: data_dir is required")
	}
	if c.InboxID == "" {
		return fmt.Errorf("config: inbox_id is required")
	}
	switch c.ConversationTypeFilter {
	case "", types.ConversationDM, types.ConversationGroup, types.ConversationSync, types.ConversationOneshot:
	default:
		return fmt.Errorf("config: unknown conversation_type_filter %q", c.ConversationTypeFilter)
	}
	for _, s := range c.ConsentStates {
		switch s {
		case types.ConsentAllowed, types.ConsentDenied, types.ConsentUnknown:
		default:
			return fmt.Errorf("config: unknown consent state %q", s)
		}
	}
	return nil
}
