package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadValidPCSCConfig(t *testing.T) {
	path := writeConfig(t, `
master_key: "`+strings.Repeat("aa", 32)+`"
smart_card_backend: pcsc
reader_index: 0
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.SmartCardBackend != BackendPCSC {
		t.Fatalf("expected pcsc backend, got %q", cfg.SmartCardBackend)
	}
	mk, err := cfg.MasterKey()
	if err != nil {
		t.Fatalf("MasterKey: %v", err)
	}
	for _, b := range mk {
		if b != 0xAA {
			t.Fatalf("expected all-0xAA master key, got %x", mk)
		}
	}
}

func TestLoadReplayConfigRequiresTraceFile(t *testing.T) {
	path := writeConfig(t, `
master_key: "`+strings.Repeat("aa", 32)+`"
smart_card_backend: replay
`)

	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for missing replay_trace_file")
	}
}

func TestLoadRejectsShortMasterKey(t *testing.T) {
	path := writeConfig(t, `
master_key: "aabbcc"
smart_card_backend: pcsc
reader_index: 0
`)

	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for short master_key")
	}
}

func TestLoadRejectsUnknownBackend(t *testing.T) {
	path := writeConfig(t, `
master_key: "`+strings.Repeat("aa", 32)+`"
smart_card_backend: carrier-pigeon
reader_index: 0
`)

	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for unknown smart_card_backend")
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	path := writeConfig(t, `
master_key: "`+strings.Repeat("aa", 32)+`"
smart_card_backend: pcsc
reader_index: 0
bogus_field: true
`)

	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for unknown field")
	}
}

func TestForcePortableDefaultsFalse(t *testing.T) {
	path := writeConfig(t, `
master_key: "`+strings.Repeat("aa", 32)+`"
smart_card_backend: pcsc
reader_index: 0
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ForcePortable() {
		t.Fatalf("expected force_portable_aes to default to false")
	}
}
