package config

import (
	"errors"
	"flag"
	"os"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv(dataRootEnv, "/tmp/monisens-test-data")

	cfg, err := Load(nil, os.Stderr)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.DSN != defaultDSN {
		t.Errorf("DSN = %q, want default %q", cfg.DSN, defaultDSN)
	}
	if cfg.Host != defaultHost {
		t.Errorf("Host = %q, want default %q", cfg.Host, defaultHost)
	}
	if cfg.DataRoot != "/tmp/monisens-test-data" {
		t.Errorf("DataRoot = %q, want env override", cfg.DataRoot)
	}
	if cfg.DevMode {
		t.Error("DevMode = true, want false by default")
	}
	if cfg.Logger == nil {
		t.Error("Logger = nil, want non-nil")
	}
}

func TestLoadOverridesFromFlags(t *testing.T) {
	t.Setenv(dataRootEnv, "/tmp/monisens-test-data")

	cfg, err := Load([]string{"--db=postgres://u:p@h:5432/d", "--host=0.0.0.0:9999"}, os.Stderr)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.DSN != "postgres://u:p@h:5432/d" {
		t.Errorf("DSN = %q, want flag override", cfg.DSN)
	}
	if cfg.Host != "0.0.0.0:9999" {
		t.Errorf("Host = %q, want flag override", cfg.Host)
	}
}

func TestLoadDevModeFlag(t *testing.T) {
	t.Setenv(dataRootEnv, "/tmp/monisens-test-data")

	cfg, err := Load([]string{"--dev"}, os.Stderr)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !cfg.DevMode {
		t.Error("DevMode = false, want true with --dev")
	}
}

func TestLoadHelpReturnsFlagErrHelp(t *testing.T) {
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	_, err = Load([]string{"--help"}, w)
	w.Close()
	if !errors.Is(err, flag.ErrHelp) {
		t.Fatalf("Load() error = %v, want flag.ErrHelp", err)
	}
}
