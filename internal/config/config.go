// Package config loads and validates providers.yaml, the gateway's sole
// configuration file (spec §6). It keeps the teacher's load→validate
// two-phase shape (spf13/viper + subosito/gotenv for .env support) but
// restructures the source of truth from the teacher's one-field-per-
// provider env vars into the spec's `providers: {name: ProviderConfig}`
// YAML map, with `${VAR}` placeholders resolved from the environment
// before the YAML is parsed.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"

	"github.com/nulpointcorp/llm-gateway/internal/classify"
	"github.com/nulpointcorp/llm-gateway/internal/gwtypes"
	"github.com/nulpointcorp/llm-gateway/internal/repository"
)

// Config is the top-level configuration container, built from
// providers.yaml plus environment overrides.
type Config struct {
	LogLevel string

	Gateway GatewayConfig
	Worker  WorkerConfig

	Providers map[string]gwtypes.ProviderConfig

	DB repository.Config

	// RedisAddr, when set, backs the Key Cache's optional cross-process
	// MarkBad lock (internal/keycache.DistLock) for multi-instance gateway
	// deployments sharing one Repository. Empty disables it.
	RedisAddr string
}

// GatewayConfig is the `gateway` YAML block (spec §6).
type GatewayConfig struct {
	StreamingMode gwtypes.StreamingMode
	DebugMode     gwtypes.DebugMode
	Listen        string // host:port
	AuthToken     string
	CORSOrigins   []string
	MaxAttempts   int
}

// WorkerConfig is the `worker` YAML block (spec §6).
type WorkerConfig struct {
	IntervalSec          int
	Concurrency          int
	VerificationAttempts int
	VerificationDelaySec int
	HealthPolicy         gwtypes.WorkerHealthPolicy
}

// rawProvider mirrors one entry of the YAML `providers` map before
// validation/defaulting turns it into a gwtypes.ProviderConfig.
type rawProvider struct {
	Kind            string                `mapstructure:"kind"`
	BaseURL         string                `mapstructure:"base_url"`
	ProxyURL        string                `mapstructure:"proxy_url"`
	Models          []string              `mapstructure:"models"`
	SharedKeyStatus bool                  `mapstructure:"shared_key_status"`
	Gateway         rawGatewayPolicy      `mapstructure:"gateway_policy"`
	WorkerHealth    rawWorkerHealthPolicy `mapstructure:"worker_health_policy"`
}

type rawGatewayPolicy struct {
	StreamingMode string        `mapstructure:"streaming_mode"`
	DebugMode     string        `mapstructure:"debug_mode"`
	ErrorParsing  rawErrParsing `mapstructure:"error_parsing"`
}

type rawErrParsing struct {
	Enabled bool      `mapstructure:"enabled"`
	Rules   []rawRule `mapstructure:"rules"`
}

type rawRule struct {
	StatusCode   int    `mapstructure:"status_code"`
	ErrorPath    string `mapstructure:"error_path"`
	MatchPattern string `mapstructure:"match_pattern"`
	MapTo        string `mapstructure:"map_to"`
	Priority     int    `mapstructure:"priority"`
	Description  string `mapstructure:"description"`
}

type rawWorkerHealthPolicy struct {
	OnInvalidKeyDays     int `mapstructure:"on_invalid_key_days"`
	OnNoAccessDays       int `mapstructure:"on_no_access_days"`
	OnNoQuotaHours       int `mapstructure:"on_no_quota_hr"`
	OnRateLimitHours     int `mapstructure:"on_rate_limit_hr"`
	OnServerErrorMins    int `mapstructure:"on_server_error_min"`
	OnOverloadMins       int `mapstructure:"on_overload_min"`
	OnOtherErrorHours    int `mapstructure:"on_other_error_hr"`
	VerificationAttempts int `mapstructure:"verification_attempts"`
	VerificationDelaySec int `mapstructure:"verification_delay_sec"`
}

// Load reads providers.yaml from the given path (or "providers.yaml" in
// the working directory when path is empty), expands ${VAR} placeholders
// from the environment, merges DB_* / LOG_LEVEL env vars, and validates
// the result. A .env file in the working directory is loaded first, same
// as the teacher's loadDotEnv.
func Load(path string) (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	if path == "" {
		path = "providers.yaml"
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	expanded := os.Expand(string(raw), envLookup)

	v := viper.New()
	v.SetConfigType("yaml")
	if err := v.ReadConfig(strings.NewReader(expanded)); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("gateway.listen", ":8080")
	v.SetDefault("gateway.streaming_mode", "auto")
	v.SetDefault("gateway.debug_mode", "disabled")
	v.SetDefault("gateway.max_attempts", 3)
	v.SetDefault("worker.interval_sec", 300)
	v.SetDefault("worker.concurrency", 8)

	cfg := &Config{
		LogLevel: strings.ToLower(v.GetString("LOG_LEVEL")),
		Gateway: GatewayConfig{
			StreamingMode: gwtypes.StreamingMode(v.GetString("gateway.streaming_mode")),
			DebugMode:     gwtypes.DebugMode(v.GetString("gateway.debug_mode")),
			Listen:        v.GetString("gateway.listen"),
			AuthToken:     v.GetString("gateway.auth_token"),
			CORSOrigins:   v.GetStringSlice("gateway.cors_origins"),
			MaxAttempts:   v.GetInt("gateway.max_attempts"),
		},
		Worker: WorkerConfig{
			IntervalSec:          v.GetInt("worker.interval_sec"),
			Concurrency:          v.GetInt("worker.concurrency"),
			VerificationAttempts: v.GetInt("worker.verification_attempts"),
			VerificationDelaySec: v.GetInt("worker.verification_delay_sec"),
		},
	}

	var rawWorkerPolicy rawWorkerHealthPolicy
	if err := v.UnmarshalKey("worker.health_policy", &rawWorkerPolicy); err != nil {
		return nil, fmt.Errorf("config: decode worker.health_policy: %w", err)
	}
	cfg.Worker.HealthPolicy = toHealthPolicy(rawWorkerPolicy)
	if cfg.Worker.HealthPolicy.VerificationAttempts == 0 {
		cfg.Worker.HealthPolicy.VerificationAttempts = cfg.Worker.VerificationAttempts
	}
	if cfg.Worker.HealthPolicy.VerificationDelaySec == 0 {
		cfg.Worker.HealthPolicy.VerificationDelaySec = cfg.Worker.VerificationDelaySec
	}

	cfg.DB = repository.Config{
		Host:     envOr("DB_HOST", v.GetString("db.host")),
		Port:     intOr(v.GetInt("DB_PORT"), v.GetInt("db.port")),
		User:     envOr("DB_USER", v.GetString("db.user")),
		Password: envOr("DB_PASSWORD", v.GetString("db.password")),
		Database: envOr("DB_NAME", v.GetString("db.name")),
	}
	cfg.RedisAddr = envOr("REDIS_ADDR", v.GetString("redis.addr"))

	var rawProviders map[string]rawProvider
	if err := v.UnmarshalKey("providers", &rawProviders); err != nil {
		return nil, fmt.Errorf("config: decode providers: %w", err)
	}

	cfg.Providers = make(map[string]gwtypes.ProviderConfig, len(rawProviders))
	var problems []error
	for name, rp := range rawProviders {
		pc, errs := toProviderConfig(name, rp)
		problems = append(problems, errs...)
		pc.WorkerHealth = mergeHealthPolicy(pc.WorkerHealth, cfg.Worker.HealthPolicy)
		cfg.Providers[name] = pc
	}

	if errs := cfg.validate(); len(errs) > 0 {
		problems = append(problems, errs...)
	}

	if len(problems) > 0 {
		return nil, fmt.Errorf("config: invalid configuration:\n%w", errors.Join(problems...))
	}

	return cfg, nil
}

// toProviderConfig converts and compiles one provider's rule set,
// collecting (rather than stopping on) validation problems so Load can
// report one accumulated report (spec §6).
func toProviderConfig(name string, rp rawProvider) (gwtypes.ProviderConfig, []error) {
	var problems []error

	kind := gwtypes.ProviderKind(rp.Kind)
	if kind != gwtypes.KindOpenAILike && kind != gwtypes.KindGemini {
		problems = append(problems, fmt.Errorf("provider %s: invalid kind %q (must be openai_like or gemini)", name, rp.Kind))
	}

	rules := make([]gwtypes.ErrorParsingRule, 0, len(rp.Gateway.ErrorParsing.Rules))
	for _, rr := range rp.Gateway.ErrorParsing.Rules {
		rules = append(rules, gwtypes.ErrorParsingRule{
			StatusCode:   rr.StatusCode,
			ErrorPath:    rr.ErrorPath,
			MatchPattern: rr.MatchPattern,
			MapTo:        gwtypes.ErrorReason(rr.MapTo),
			Priority:     rr.Priority,
			Description:  rr.Description,
		})
	}
	if err := classify.CompileRules(rules); err != nil {
		problems = append(problems, fmt.Errorf("provider %s: %w", name, err))
	}

	streamingMode := gwtypes.StreamingMode(rp.Gateway.StreamingMode)
	if streamingMode == "" {
		streamingMode = gwtypes.StreamingAuto
	}
	debugMode := gwtypes.DebugMode(rp.Gateway.DebugMode)
	if debugMode == "" {
		debugMode = gwtypes.DebugDisabled
	}

	pc := gwtypes.ProviderConfig{
		Name:            name,
		Kind:            kind,
		BaseURL:         rp.BaseURL,
		ProxyURL:        rp.ProxyURL,
		Models:          rp.Models,
		SharedKeyStatus: rp.SharedKeyStatus,
		Gateway: gwtypes.GatewayPolicy{
			StreamingMode: streamingMode,
			DebugMode:     debugMode,
			ErrorParsing: gwtypes.ErrorParsing{
				Enabled: rp.Gateway.ErrorParsing.Enabled,
				Rules:   rules,
			},
		},
		WorkerHealth: toHealthPolicy(rp.WorkerHealth),
	}
	if rp.BaseURL == "" {
		problems = append(problems, fmt.Errorf("provider %s: base_url is required", name))
	}
	if rp.ProxyURL != "" {
		if _, err := url.Parse(rp.ProxyURL); err != nil {
			problems = append(problems, fmt.Errorf("provider %s: invalid proxy_url %q: %w", name, rp.ProxyURL, err))
		}
	}
	return pc, problems
}

func toHealthPolicy(raw rawWorkerHealthPolicy) gwtypes.WorkerHealthPolicy {
	return gwtypes.WorkerHealthPolicy{
		OnInvalidKeyDays:     raw.OnInvalidKeyDays,
		OnNoAccessDays:       raw.OnNoAccessDays,
		OnNoQuotaHours:       raw.OnNoQuotaHours,
		OnRateLimitHours:     raw.OnRateLimitHours,
		OnServerErrorMins:    raw.OnServerErrorMins,
		OnOverloadMins:       raw.OnOverloadMins,
		OnOtherErrorHours:    raw.OnOtherErrorHours,
		VerificationAttempts: raw.VerificationAttempts,
		VerificationDelaySec: raw.VerificationDelaySec,
	}
}

// mergeHealthPolicy fills zero-valued fields of a provider's
// worker_health_policy from the worker-level health_policy block, so the
// global block acts as the default and per-provider entries override it.
// internal/penalty then backstops anything still zero with the documented
// defaults.
func mergeHealthPolicy(p, global gwtypes.WorkerHealthPolicy) gwtypes.WorkerHealthPolicy {
	fill := func(dst *int, src int) {
		if *dst == 0 {
			*dst = src
		}
	}
	fill(&p.OnInvalidKeyDays, global.OnInvalidKeyDays)
	fill(&p.OnNoAccessDays, global.OnNoAccessDays)
	fill(&p.OnNoQuotaHours, global.OnNoQuotaHours)
	fill(&p.OnRateLimitHours, global.OnRateLimitHours)
	fill(&p.OnServerErrorMins, global.OnServerErrorMins)
	fill(&p.OnOverloadMins, global.OnOverloadMins)
	fill(&p.OnOtherErrorHours, global.OnOtherErrorHours)
	fill(&p.VerificationAttempts, global.VerificationAttempts)
	fill(&p.VerificationDelaySec, global.VerificationDelaySec)
	return p
}

// validate accumulates semantic errors across the whole config, following
// the teacher's single validate() entrypoint idiom but collecting rather
// than short-circuiting (spec §6: "Validation errors are accumulated and
// reported as one report").
func (c *Config) validate() []error {
	var problems []error

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		problems = append(problems, fmt.Errorf("config: invalid log level %q", c.LogLevel))
	}

	if len(c.Providers) == 0 {
		problems = append(problems, errors.New("config: at least one provider must be configured"))
	}

	if c.Gateway.AuthToken == "" {
		problems = append(problems, errors.New("config: gateway.auth_token is required"))
	}

	if c.DB.Host == "" {
		problems = append(problems, errors.New("config: DB_HOST is required"))
	}

	return problems
}

func loadDotEnv(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: %s is a directory, expected a file", path)
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("config: failed to load %s: %w", path, err)
	}
	return nil
}

func envLookup(name string) string { return os.Getenv(name) }

func envOr(envVar, fallback string) string {
	if v := os.Getenv(envVar); v != "" {
		return v
	}
	return fallback
}

func intOr(envVal, fallback int) int {
	if envVal != 0 {
		return envVal
	}
	return fallback
}
