package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// EnvPrefix is prepended to every recognized environment variable.
const EnvPrefix = "CONDUCTOR_"

type loadOptions struct {
	filePath  string
	envLookup func(string) (string, bool)
	readFile  func(string) ([]byte, error)
	overrides []func(*RuntimeConfig)
}

// Option customizes a Load call.
type Option func(*loadOptions)

// WithFile loads the YAML config file at path. A missing file is an error
// when the path was given explicitly.
func WithFile(path string) Option {
	return func(o *loadOptions) { o.filePath = path }
}

// WithEnvLookup replaces the environment lookup, for tests.
func WithEnvLookup(lookup func(string) (string, bool)) Option {
	return func(o *loadOptions) { o.envLookup = lookup }
}

// WithOverride applies fn after file and environment values, winning over
// both. Used by the CLI to push flag values in.
func WithOverride(fn func(*RuntimeConfig)) Option {
	return func(o *loadOptions) { o.overrides = append(o.overrides, fn) }
}

// Default returns the built-in configuration.
func Default() RuntimeConfig {
	return RuntimeConfig{
		ListenAddr:               DefaultListenAddr,
		LLMBaseURL:               DefaultLLMBaseURL,
		PlannerModel:             DefaultPlannerModel,
		ExecutorModel:            DefaultExecutorModel,
		Temperature:              DefaultTemperature,
		MaxTokens:                DefaultMaxTokens,
		LLMTimeoutSeconds:        int(DefaultLLMTimeout.Seconds()),
		RemoteCallTimeoutSeconds: int(DefaultRemoteCallTimeout.Seconds()),
		RemoteExecTimeoutSeconds: int(DefaultRemoteExecTimeout.Seconds()),
		MaxConsecutiveErrors:     DefaultMaxConsecutiveErrors,
		MaxSteps:                 DefaultMaxSteps,
		OutboundQueueSize:        DefaultOutboundQueueSize,
		HistoryWindow:            DefaultHistoryWindow,
		HistoryTokenBudget:       DefaultHistoryTokenBudget,
		ToolResultLimit:          DefaultToolResultLimit,
		CheckerCommand:           DefaultCheckerCommand,
		Profiles:                 BuiltinProfiles(),
	}
}

// Load builds the runtime configuration by layering, in order of
// increasing precedence: defaults, the YAML file, CONDUCTOR_* environment
// variables, and caller overrides.
func Load(opts ...Option) (RuntimeConfig, error) {
	options := loadOptions{
		envLookup: os.LookupEnv,
		readFile:  os.ReadFile,
	}
	for _, opt := range opts {
		opt(&options)
	}

	cfg := Default()

	if options.filePath != "" {
		data, err := options.readFile(options.filePath)
		if err != nil {
			return RuntimeConfig{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return RuntimeConfig{}, fmt.Errorf("parse config file %s: %w", options.filePath, err)
		}
	}

	if err := applyEnv(&cfg, options.envLookup); err != nil {
		return RuntimeConfig{}, err
	}

	for _, fn := range options.overrides {
		fn(&cfg)
	}

	normalize(&cfg)
	return cfg, nil
}

func applyEnv(cfg *RuntimeConfig, lookup func(string) (string, bool)) error {
	stringVars := map[string]*string{
		"LISTEN_ADDR":     &cfg.ListenAddr,
		"LLM_BASE_URL":    &cfg.LLMBaseURL,
		"PLANNER_MODEL":   &cfg.PlannerModel,
		"EXECUTOR_MODEL":  &cfg.ExecutorModel,
		"CHECKER_COMMAND": &cfg.CheckerCommand,
	}
	for key, dst := range stringVars {
		if v, ok := lookup(EnvPrefix + key); ok && v != "" {
			*dst = v
		}
	}

	intVars := map[string]*int{
		"MAX_TOKENS":                  &cfg.MaxTokens,
		"LLM_TIMEOUT_SECONDS":         &cfg.LLMTimeoutSeconds,
		"REMOTE_CALL_TIMEOUT_SECONDS": &cfg.RemoteCallTimeoutSeconds,
		"REMOTE_EXEC_TIMEOUT_SECONDS": &cfg.RemoteExecTimeoutSeconds,
		"MAX_CONSECUTIVE_ERRORS":      &cfg.MaxConsecutiveErrors,
		"MAX_STEPS":                   &cfg.MaxSteps,
		"OUTBOUND_QUEUE_SIZE":         &cfg.OutboundQueueSize,
		"HISTORY_WINDOW":              &cfg.HistoryWindow,
		"HISTORY_TOKEN_BUDGET":        &cfg.HistoryTokenBudget,
		"TOOL_RESULT_LIMIT":           &cfg.ToolResultLimit,
	}
	for key, dst := range intVars {
		v, ok := lookup(EnvPrefix + key)
		if !ok || v == "" {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("invalid %s%s: %w", EnvPrefix, key, err)
		}
		*dst = n
	}

	if v, ok := lookup(EnvPrefix + "TEMPERATURE"); ok && v != "" {
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return fmt.Errorf("invalid %sTEMPERATURE: %w", EnvPrefix, err)
		}
		cfg.Temperature = f
	}
	if v, ok := lookup(EnvPrefix + "VERBOSE"); ok && v != "" {
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("invalid %sVERBOSE: %w", EnvPrefix, err)
		}
		cfg.Verbose = b
	}
	return nil
}

// normalize fills gaps a sparse config file may leave and guarantees the
// built-in profiles stay available unless explicitly redefined.
func normalize(cfg *RuntimeConfig) {
	if cfg.OutboundQueueSize < 1 {
		cfg.OutboundQueueSize = DefaultOutboundQueueSize
	}
	if cfg.MaxSteps < 1 {
		cfg.MaxSteps = DefaultMaxSteps
	}
	if cfg.MaxConsecutiveErrors < 1 {
		cfg.MaxConsecutiveErrors = DefaultMaxConsecutiveErrors
	}
	if cfg.Profiles == nil {
		cfg.Profiles = BuiltinProfiles()
		return
	}
	for kind, profile := range BuiltinProfiles() {
		if _, ok := cfg.Profiles[kind]; !ok {
			cfg.Profiles[kind] = profile
		}
	}
}
