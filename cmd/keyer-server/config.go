package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/kstaniek/spider-keyer-server/internal/keyer"
)

const envPrefix = "SPIDER_KEYER_"

type appConfig struct {
	serialDev       string
	baud            int
	serialReadTO    time.Duration
	listenAddr      string
	reusePort       bool
	maxClients      int
	handshakeTO     time.Duration
	clientReadTO    time.Duration
	identifyDelay   time.Duration
	identifyTO      time.Duration
	initialWPM      int
	hubBuffer       int
	hubPolicy       string
	logFormat       string
	logLevel        string
	logMetricsEvery time.Duration
	metricsAddr     string
	mdnsEnable      bool
	mdnsName        string
}

func defaultConfig() *appConfig {
	return &appConfig{
		serialDev:     "/dev/ttyUSB0",
		baud:          57600,
		serialReadTO:  50 * time.Millisecond,
		listenAddr:    ":7373",
		handshakeTO:   3 * time.Second,
		clientReadTO:  60 * time.Second,
		identifyDelay: 1500 * time.Millisecond,
		identifyTO:    3 * time.Second,
		hubBuffer:     256,
		hubPolicy:     "drop",
		logFormat:     "text",
		logLevel:      "info",
	}
}

func parseFlags() (*appConfig, bool) {
	cfg, showVersion, err := parseArgs(os.Args[1:], os.Stderr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return nil, showVersion
	}
	return cfg, showVersion
}

// parseArgs resolves the configuration: defaults, then the TOML file, then
// SPIDER_KEYER_* variables (optionally loaded from a dotenv file), then flags
// that were set explicitly.
func parseArgs(args []string, out io.Writer) (*appConfig, bool, error) {
	def := defaultConfig()
	cfg := &appConfig{}
	fs := flag.NewFlagSet("keyer-server", flag.ContinueOnError)
	fs.SetOutput(out)
	fs.StringVar(&cfg.serialDev, "serial", def.serialDev, "Serial device path")
	fs.IntVar(&cfg.baud, "baud", def.baud, "Serial baud rate")
	fs.DurationVar(&cfg.serialReadTO, "serial-read-timeout", def.serialReadTO, "Serial read timeout")
	fs.StringVar(&cfg.listenAddr, "listen", def.listenAddr, "TCP control listen address")
	fs.BoolVar(&cfg.reusePort, "reuse-port", false, "Bind the control port with SO_REUSEPORT")
	fs.IntVar(&cfg.maxClients, "max-clients", 0, "Maximum simultaneous control clients (0 = unlimited)")
	fs.DurationVar(&cfg.handshakeTO, "handshake-timeout", def.handshakeTO, "Client hello timeout")
	fs.DurationVar(&cfg.clientReadTO, "client-read-timeout", def.clientReadTO, "Per-connection read deadline")
	fs.DurationVar(&cfg.identifyDelay, "identify-delay", def.identifyDelay, "Wait after opening the port before the identity query")
	fs.DurationVar(&cfg.identifyTO, "identify-timeout", def.identifyTO, "How long to wait for the identity reply")
	fs.IntVar(&cfg.initialWPM, "initial-wpm", 0, "Speed pushed once the keyer is confirmed (0 = keep keyer setting)")
	fs.IntVar(&cfg.hubBuffer, "hub-buffer", def.hubBuffer, "Per-client event buffer")
	fs.StringVar(&cfg.hubPolicy, "hub-policy", def.hubPolicy, "Backpressure policy: drop|kick")
	fs.StringVar(&cfg.logFormat, "log-format", def.logFormat, "Log format: text|json")
	fs.StringVar(&cfg.logLevel, "log-level", def.logLevel, "Log level: debug|info|warn|error")
	fs.DurationVar(&cfg.logMetricsEvery, "log-metrics-interval", 0, "If >0, periodically log metrics counters")
	fs.StringVar(&cfg.metricsAddr, "metrics-addr", "", "Metrics HTTP listen address (e.g., :9100); empty disables")
	fs.BoolVar(&cfg.mdnsEnable, "mdns-enable", false, "Enable mDNS advertisement")
	fs.StringVar(&cfg.mdnsName, "mdns-name", "", "mDNS instance name (default spider-keyer-<hostname>)")
	configFile := fs.String("config", "", "Optional TOML config file")
	envFile := fs.String("env-file", ".env.local", "Optional dotenv file loaded before reading SPIDER_KEYER_* variables")
	showVersion := fs.Bool("version", false, "Print version and exit")
	if err := fs.Parse(args); err != nil {
		return nil, false, err
	}
	if *showVersion {
		return cfg, true, nil
	}

	// Explicit flags win over every other source.
	setFlags := map[string]struct{}{}
	fs.Visit(func(f *flag.Flag) { setFlags[f.Name] = struct{}{} })

	if *configFile != "" {
		if err := applyConfigFile(cfg, *configFile, setFlags); err != nil {
			return nil, false, err
		}
	}
	if err := loadEnvFile(*envFile); err != nil {
		return nil, false, err
	}
	if err := applyEnvOverrides(cfg, setFlags); err != nil {
		return nil, false, fmt.Errorf("environment override error: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, false, err
	}
	return cfg, false, nil
}

// loadEnvFile pre-loads path into the process environment. Variables already
// set are kept; a missing file is not an error.
func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// validate performs basic semantic validation of the parsed configuration.
// It does not attempt to open devices or listeners.
func (c *appConfig) validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	switch c.logFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log-format: %s", c.logFormat)
	}
	switch c.logLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log-level: %s", c.logLevel)
	}
	switch c.hubPolicy {
	case "drop", "kick":
	default:
		return fmt.Errorf("invalid hub-policy: %s", c.hubPolicy)
	}
	if c.serialDev == "" {
		return errors.New("serial device must be set")
	}
	if c.hubBuffer <= 0 {
		return fmt.Errorf("hub-buffer must be > 0 (got %d)", c.hubBuffer)
	}
	if c.baud <= 0 {
		return fmt.Errorf("baud must be > 0 (got %d)", c.baud)
	}
	if c.serialReadTO <= 0 {
		return fmt.Errorf("serial-read-timeout must be > 0")
	}
	if c.handshakeTO <= 0 {
		return fmt.Errorf("handshake-timeout must be > 0")
	}
	if c.clientReadTO <= 0 {
		return fmt.Errorf("client-read-timeout must be > 0")
	}
	if c.identifyDelay < 0 {
		return fmt.Errorf("identify-delay must be >= 0")
	}
	if c.identifyTO <= 0 {
		return fmt.Errorf("identify-timeout must be > 0")
	}
	if c.maxClients < 0 {
		return fmt.Errorf("max-clients must be >= 0")
	}
	if c.initialWPM != 0 && (c.initialWPM < keyer.MinWPM || c.initialWPM > keyer.MaxWPM) {
		return fmt.Errorf("initial-wpm must be 0 or %d..%d (got %d)", keyer.MinWPM, keyer.MaxWPM, c.initialWPM)
	}
	if c.logMetricsEvery < 0 {
		return fmt.Errorf("log-metrics-interval must be >= 0")
	}
	return nil
}

// envBinding maps one flag to its SPIDER_KEYER_* variable.
type envBinding struct {
	flag  string
	apply func(c *appConfig, v string) error
}

func envName(flagName string) string {
	return envPrefix + strings.ToUpper(strings.ReplaceAll(flagName, "-", "_"))
}

func parseBool(v string) (bool, error) {
	switch strings.ToLower(v) {
	case "1", "true", "yes", "on":
		return true, nil
	case "0", "false", "no", "off":
		return false, nil
	}
	return false, fmt.Errorf("invalid bool %q", v)
}

func stringVar(get func(*appConfig) *string) func(*appConfig, string) error {
	return func(c *appConfig, v string) error { *get(c) = v; return nil }
}

func intVar(get func(*appConfig) *int, min int) func(*appConfig, string) error {
	return func(c *appConfig, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		if n < min {
			return fmt.Errorf("%d below %d", n, min)
		}
		*get(c) = n
		return nil
	}
}

func durationVar(get func(*appConfig) *time.Duration) func(*appConfig, string) error {
	return func(c *appConfig, v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		if d < 0 {
			return fmt.Errorf("negative duration %s", d)
		}
		*get(c) = d
		return nil
	}
}

func boolVar(get func(*appConfig) *bool) func(*appConfig, string) error {
	return func(c *appConfig, v string) error {
		b, err := parseBool(v)
		if err != nil {
			return err
		}
		*get(c) = b
		return nil
	}
}

var envBindings = []envBinding{
	{"serial", stringVar(func(c *appConfig) *string { return &c.serialDev })},
	{"baud", intVar(func(c *appConfig) *int { return &c.baud }, 1)},
	{"serial-read-timeout", durationVar(func(c *appConfig) *time.Duration { return &c.serialReadTO })},
	{"listen", stringVar(func(c *appConfig) *string { return &c.listenAddr })},
	{"reuse-port", boolVar(func(c *appConfig) *bool { return &c.reusePort })},
	{"max-clients", intVar(func(c *appConfig) *int { return &c.maxClients }, 0)},
	{"handshake-timeout", durationVar(func(c *appConfig) *time.Duration { return &c.handshakeTO })},
	{"client-read-timeout", durationVar(func(c *appConfig) *time.Duration { return &c.clientReadTO })},
	{"identify-delay", durationVar(func(c *appConfig) *time.Duration { return &c.identifyDelay })},
	{"identify-timeout", durationVar(func(c *appConfig) *time.Duration { return &c.identifyTO })},
	{"initial-wpm", intVar(func(c *appConfig) *int { return &c.initialWPM }, 0)},
	{"hub-buffer", intVar(func(c *appConfig) *int { return &c.hubBuffer }, 1)},
	{"hub-policy", stringVar(func(c *appConfig) *string { return &c.hubPolicy })},
	{"log-format", stringVar(func(c *appConfig) *string { return &c.logFormat })},
	{"log-level", stringVar(func(c *appConfig) *string { return &c.logLevel })},
	{"log-metrics-interval", durationVar(func(c *appConfig) *time.Duration { return &c.logMetricsEvery })},
	{"metrics-addr", stringVar(func(c *appConfig) *string { return &c.metricsAddr })},
	{"mdns-enable", boolVar(func(c *appConfig) *bool { return &c.mdnsEnable })},
	{"mdns-name", stringVar(func(c *appConfig) *string { return &c.mdnsName })},
}

// applyEnvOverrides maps SPIDER_KEYER_* variables to config fields unless the
// corresponding flag was explicitly set. Empty values are ignored. The first
// parse error is returned after all other variables were applied.
func applyEnvOverrides(c *appConfig, set map[string]struct{}) error {
	var firstErr error
	for _, b := range envBindings {
		if _, ok := set[b.flag]; ok {
			continue
		}
		name := envName(b.flag)
		v, ok := os.LookupEnv(name)
		v = strings.TrimSpace(v)
		if !ok || v == "" {
			continue
		}
		if err := b.apply(c, v); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("invalid %s: %w", name, err)
		}
	}
	return firstErr
}
