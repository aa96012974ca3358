// Package config loads the options enumerated in spec.md §6: the master
// key the smart card is provisioned with, which SmartCardPort backend to
// drive, and whether to force the portable AES-CTR back-end.
package config

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Backend names a SmartCardPort implementation selectable via
// smart_card_backend, per spec.md §6.
type Backend string

const (
	// BackendPCSC drives a real reader through github.com/ebfe/scard.
	BackendPCSC Backend = "pcsc"
	// BackendReplay drives a recorded-trace replay, for tests and
	// offline development without a reader attached.
	BackendReplay Backend = "replay"
)

// Config is the decoded, validated contents of a dantto4k config file.
type Config struct {
	MasterKeyHex     string  `yaml:"master_key"`
	SmartCardBackend Backend `yaml:"smart_card_backend"`
	ForcePortableAES *bool   `yaml:"force_portable_aes"`
	ReaderIndex      *int    `yaml:"reader_index"`
	ReplayTraceFile  string  `yaml:"replay_trace_file"`
}

// Load reads and validates a YAML config file at path.
func Load(path string) (*Config, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(content))
	dec.KnownFields(true)

	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the fields spec.md §6 marks required and rejects
// anything with the wrong shape before it reaches AcasCard or the
// SmartCardPort constructors.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.MasterKeyHex) == "" {
		return fmt.Errorf("config.master_key is required")
	}
	if _, err := c.MasterKey(); err != nil {
		return fmt.Errorf("config.master_key: %w", err)
	}

	switch c.SmartCardBackend {
	case "":
		return fmt.Errorf("config.smart_card_backend is required")
	case BackendPCSC:
		if c.ReaderIndex == nil {
			return fmt.Errorf("config.reader_index is required for smart_card_backend: pcsc")
		}
		if *c.ReaderIndex < 0 {
			return fmt.Errorf("config.reader_index must be >= 0")
		}
	case BackendReplay:
		if strings.TrimSpace(c.ReplayTraceFile) == "" {
			return fmt.Errorf("config.replay_trace_file is required for smart_card_backend: replay")
		}
	default:
		return fmt.Errorf("config.smart_card_backend: unknown backend %q", c.SmartCardBackend)
	}
	return nil
}

// MasterKey decodes the configured master key into the fixed 32-byte
// array acas.NewAcasCard takes.
func (c *Config) MasterKey() ([32]byte, error) {
	var out [32]byte
	raw, err := hex.DecodeString(strings.TrimSpace(c.MasterKeyHex))
	if err != nil {
		return out, fmt.Errorf("invalid hex: %w", err)
	}
	if len(raw) != len(out) {
		return out, fmt.Errorf("must decode to %d bytes, got %d", len(out), len(raw))
	}
	copy(out[:], raw)
	return out, nil
}

// ForcePortable reports the force_portable_aes setting, defaulting to
// false when unset.
func (c *Config) ForcePortable() bool {
	return c.ForcePortableAES != nil && *c.ForcePortableAES
}
