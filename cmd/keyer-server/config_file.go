package main

import (
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"
)

// fileConfig mirrors the flags. Durations are Go duration strings ("1500ms").
type fileConfig struct {
	Serial             string `toml:"serial"`
	Baud               int    `toml:"baud"`
	SerialReadTimeout  string `toml:"serial-read-timeout"`
	Listen             string `toml:"listen"`
	ReusePort          bool   `toml:"reuse-port"`
	MaxClients         int    `toml:"max-clients"`
	HandshakeTimeout   string `toml:"handshake-timeout"`
	ClientReadTimeout  string `toml:"client-read-timeout"`
	IdentifyDelay      string `toml:"identify-delay"`
	IdentifyTimeout    string `toml:"identify-timeout"`
	InitialWPM         int    `toml:"initial-wpm"`
	HubBuffer          int    `toml:"hub-buffer"`
	HubPolicy          string `toml:"hub-policy"`
	LogFormat          string `toml:"log-format"`
	LogLevel           string `toml:"log-level"`
	LogMetricsInterval string `toml:"log-metrics-interval"`
	MetricsAddr        string `toml:"metrics-addr"`
	MDNSEnable         bool   `toml:"mdns-enable"`
	MDNSName           string `toml:"mdns-name"`
}

// applyConfigFile loads path and applies every key present in the file, except
// keys whose flag was set explicitly.
func applyConfigFile(c *appConfig, path string, set map[string]struct{}) error {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return fmt.Errorf("load config %s: %w", path, err)
	}
	if undec := meta.Undecoded(); len(undec) > 0 {
		return fmt.Errorf("config %s: unknown key %q", path, undec[0].String())
	}
	defined := func(key string) bool {
		if _, ok := set[key]; ok {
			return false
		}
		return meta.IsDefined(key)
	}
	// Scalar strings and durations share the env parsers so both sources accept
	// the same syntax.
	text := map[string]string{
		"serial":               raw.Serial,
		"serial-read-timeout":  raw.SerialReadTimeout,
		"listen":               raw.Listen,
		"handshake-timeout":    raw.HandshakeTimeout,
		"client-read-timeout":  raw.ClientReadTimeout,
		"identify-delay":       raw.IdentifyDelay,
		"identify-timeout":     raw.IdentifyTimeout,
		"hub-policy":           raw.HubPolicy,
		"log-format":           raw.LogFormat,
		"log-level":            raw.LogLevel,
		"log-metrics-interval": raw.LogMetricsInterval,
		"metrics-addr":         raw.MetricsAddr,
		"mdns-name":            raw.MDNSName,
	}
	for _, b := range envBindings {
		v, ok := text[b.flag]
		if !ok || !defined(b.flag) {
			continue
		}
		if err := b.apply(c, strings.TrimSpace(v)); err != nil {
			return fmt.Errorf("config %s: %s: %w", path, b.flag, err)
		}
	}
	if defined("baud") {
		c.baud = raw.Baud
	}
	if defined("reuse-port") {
		c.reusePort = raw.ReusePort
	}
	if defined("max-clients") {
		c.maxClients = raw.MaxClients
	}
	if defined("initial-wpm") {
		c.initialWPM = raw.InitialWPM
	}
	if defined("hub-buffer") {
		c.hubBuffer = raw.HubBuffer
	}
	if defined("mdns-enable") {
		c.mdnsEnable = raw.MDNSEnable
	}
	return nil
}
