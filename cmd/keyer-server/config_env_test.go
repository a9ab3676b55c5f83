package main

import (
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestApplyEnvOverrides_Basic(t *testing.T) {
	base := defaultConfig()
	t.Setenv("SPIDER_KEYER_BAUD", "9600")
	t.Setenv("SPIDER_KEYER_MDNS_ENABLE", "true")
	t.Setenv("SPIDER_KEYER_SERIAL_READ_TIMEOUT", "100ms")
	t.Setenv("SPIDER_KEYER_LOG_METRICS_INTERVAL", "5s")
	t.Setenv("SPIDER_KEYER_INITIAL_WPM", "28")
	t.Setenv("SPIDER_KEYER_HUB_POLICY", "kick")
	t.Setenv("SPIDER_KEYER_LISTEN", "  ")
	if err := applyEnvOverrides(base, map[string]struct{}{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if base.baud != 9600 {
		t.Fatalf("expected baud override, got %d", base.baud)
	}
	if !base.mdnsEnable {
		t.Fatalf("expected mdnsEnable true")
	}
	if base.serialReadTO != 100*time.Millisecond {
		t.Fatalf("expected serialReadTO 100ms got %v", base.serialReadTO)
	}
	if base.logMetricsEvery != 5*time.Second {
		t.Fatalf("expected logMetricsEvery 5s got %v", base.logMetricsEvery)
	}
	if base.initialWPM != 28 || base.hubPolicy != "kick" {
		t.Fatalf("initialWPM=%d hubPolicy=%s", base.initialWPM, base.hubPolicy)
	}
	if base.listenAddr != ":7373" {
		t.Fatalf("blank variable must be ignored, listen=%q", base.listenAddr)
	}
}

func TestApplyEnvOverrides_FlagPrecedence(t *testing.T) {
	base := &appConfig{baud: 57600}
	t.Setenv("SPIDER_KEYER_BAUD", "9600")
	// Simulate user passed -baud flag (so env should be ignored)
	if err := applyEnvOverrides(base, map[string]struct{}{"baud": {}}); err != nil {
		t.Fatalf("err: %v", err)
	}
	if base.baud != 57600 {
		t.Fatalf("expected baud unchanged 57600 got %d", base.baud)
	}
}

func TestApplyEnvOverrides_BadValues(t *testing.T) {
	for name, val := range map[string]string{
		"SPIDER_KEYER_HUB_BUFFER":       "notint",
		"SPIDER_KEYER_MDNS_ENABLE":      "maybe",
		"SPIDER_KEYER_IDENTIFY_TIMEOUT": "-1s",
	} {
		t.Run(name, func(t *testing.T) {
			base := defaultConfig()
			t.Setenv(name, val)
			if err := applyEnvOverrides(base, map[string]struct{}{}); err == nil {
				t.Fatalf("expected error for %s=%s", name, val)
			}
		})
	}
}

func TestParseArgs_EnvFile(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, "keyer.env")
	if err := os.WriteFile(envPath, []byte("SPIDER_KEYER_SERIAL=/dev/ttyACM3\nSPIDER_KEYER_MAX_CLIENTS=4\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		os.Unsetenv("SPIDER_KEYER_SERIAL")
		os.Unsetenv("SPIDER_KEYER_MAX_CLIENTS")
	})
	cfg, _, err := parseArgs([]string{"-env-file", envPath, "-max-clients", "2"}, io.Discard)
	if err != nil {
		t.Fatalf("parseArgs: %v", err)
	}
	if cfg.serialDev != "/dev/ttyACM3" {
		t.Fatalf("serial from env file not applied: %s", cfg.serialDev)
	}
	if cfg.maxClients != 2 {
		t.Fatalf("flag must win over env file, got %d", cfg.maxClients)
	}
}

func TestParseArgs_MissingEnvFileIgnored(t *testing.T) {
	cfg, _, err := parseArgs([]string{"-env-file", filepath.Join(t.TempDir(), "absent.env")}, io.Discard)
	if err != nil {
		t.Fatalf("parseArgs: %v", err)
	}
	if cfg.listenAddr != ":7373" {
		t.Fatalf("listen=%s", cfg.listenAddr)
	}
}

func TestParseArgs_Version(t *testing.T) {
	_, showVersion, err := parseArgs([]string{"-version"}, io.Discard)
	if err != nil || !showVersion {
		t.Fatalf("showVersion=%v err=%v", showVersion, err)
	}
}

func TestParseArgs_InvalidFlag(t *testing.T) {
	if _, _, err := parseArgs([]string{"-hub-policy", "block"}, io.Discard); err == nil {
		t.Fatalf("expected validation error")
	}
	if _, _, err := parseArgs([]string{"-no-such-flag"}, io.Discard); err == nil {
		t.Fatalf("expected flag parse error")
	}
}
