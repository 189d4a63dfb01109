package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"recognizer": {"speechgw", "mock"},
	"embeddings": {"openai", "mock"},
}

// Load reads the YAML configuration file at path, applies environment
// overrides, and returns a validated [Config]. It is a convenience wrapper
// around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies environment
// overrides, and validates the result. Useful in tests where configs are
// constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	applyEnv(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// envOverrides maps environment variables to config fields. The unprefixed
// BACKEND_* names are the ones the lecture backend has historically used;
// the LECTERN_* forms take precedence when both are set.
var envOverrides = []struct {
	keys  []string
	apply func(cfg *Config, value string) error
}{
	{[]string{"LECTERN_LISTEN_ADDR"}, func(c *Config, v string) error {
		c.Server.ListenAddr = v
		return nil
	}},
	{[]string{"LECTERN_LOG_LEVEL"}, func(c *Config, v string) error {
		c.Server.LogLevel = LogLevel(v)
		return nil
	}},
	{[]string{"LECTERN_BACKEND_BASE_URL", "BACKEND_BASE_URL"}, func(c *Config, v string) error {
		c.Backend.BaseURL = v
		return nil
	}},
	{[]string{"LECTERN_BACKEND_CALLBACK_TIMEOUT", "BACKEND_CALLBACK_TIMEOUT"}, func(c *Config, v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("parse duration %q: %w", v, err)
		}
		c.Backend.CallbackTimeout = Duration(d)
		return nil
	}},
	{[]string{"LECTERN_BACKEND_SERVICE_TOKEN", "BACKEND_SERVICE_TOKEN"}, func(c *Config, v string) error {
		c.Backend.ServiceToken = v
		return nil
	}},
	{[]string{"LECTERN_RECOGNIZER_ENDPOINT"}, func(c *Config, v string) error {
		c.Recognizer.Endpoint = v
		return nil
	}},
	{[]string{"LECTERN_RECOGNIZER_TOKEN"}, func(c *Config, v string) error {
		c.Recognizer.Token = v
		return nil
	}},
	{[]string{"LECTERN_CREDENTIALS_PATH"}, func(c *Config, v string) error {
		c.Recognizer.CredentialsPath = v
		return nil
	}},
	{[]string{"LECTERN_PROJECT_ID"}, func(c *Config, v string) error {
		c.Recognizer.ProjectID = v
		return nil
	}},
	{[]string{"LECTERN_LANGUAGE_CODE"}, func(c *Config, v string) error {
		c.Recognizer.LanguageCode = v
		return nil
	}},
	{[]string{"LECTERN_MODEL"}, func(c *Config, v string) error {
		c.Recognizer.Model = v
		return nil
	}},
	{[]string{"LECTERN_EMBEDDINGS_API_KEY", "OPENAI_API_KEY"}, func(c *Config, v string) error {
		c.Embeddings.APIKey = v
		return nil
	}},
	{[]string{"LECTERN_POSTGRES_DSN"}, func(c *Config, v string) error {
		c.Index.PostgresDSN = v
		return nil
	}},
}

// applyEnv overlays environment variables onto cfg. Malformed values are
// logged and skipped; unknown environment keys are ignored entirely.
func applyEnv(cfg *Config) {
	for _, ov := range envOverrides {
		for _, key := range ov.keys {
			v, ok := os.LookupEnv(key)
			if !ok || v == "" {
				continue
			}
			if err := ov.apply(cfg, v); err != nil {
				slog.Warn("ignoring malformed environment override", "key", key, "error", err)
				continue
			}
			break
		}
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	validateProviderName("recognizer", cfg.Recognizer.Provider)
	validateProviderName("embeddings", cfg.Embeddings.Provider)

	if cfg.Recognizer.Provider == "speechgw" && cfg.Recognizer.Endpoint == "" {
		errs = append(errs, errors.New("recognizer.endpoint is required for the speechgw provider"))
	}
	if cfg.Embeddings.Provider == "openai" && cfg.Embeddings.APIKey == "" {
		errs = append(errs, errors.New("embeddings.api_key is required for the openai provider"))
	}

	if cfg.Index.PostgresDSN == "" && cfg.Index.JSONDir == "" {
		slog.Warn("no slide index source configured; sessions run without slide matching")
	}
	if cfg.Index.PostgresDSN != "" && cfg.Index.JSONDir != "" {
		slog.Warn("both index sources configured; postgres_dsn takes precedence over json_dir")
	}

	if cfg.Backend.BaseURL == "" && cfg.Backend.ServiceToken != "" {
		slog.Warn("backend.service_token is set but backend.base_url is empty; webhook delivery is disabled")
	}

	errs = append(errs, validateAlerts(cfg.Alerts)...)

	return errors.Join(errs...)
}

func validateAlerts(a AlertsConfig) []error {
	var errs []error
	for _, r := range []struct {
		name  string
		value float64
	}{
		{"alerts.error_rate_warn", a.ErrorRateWarn},
		{"alerts.error_rate_critical", a.ErrorRateCritical},
		{"alerts.confidence_warn", a.ConfidenceWarn},
		{"alerts.confidence_critical", a.ConfidenceCritical},
	} {
		if r.value < 0 || r.value > 1 {
			errs = append(errs, fmt.Errorf("%s %.2f is out of range [0, 1]", r.name, r.value))
		}
	}
	if a.LatencyP95Warn > 0 && a.LatencyP95Critical > 0 && a.LatencyP95Critical < a.LatencyP95Warn {
		errs = append(errs, errors.New("alerts.latency_p95_critical is below alerts.latency_p95_warn"))
	}
	if a.ErrorRateWarn > 0 && a.ErrorRateCritical > 0 && a.ErrorRateCritical < a.ErrorRateWarn {
		errs = append(errs, errors.New("alerts.error_rate_critical is below alerts.error_rate_warn"))
	}
	return errs
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name — may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
