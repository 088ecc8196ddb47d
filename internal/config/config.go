// Package config loads and holds all service configuration.
//
// Values are layered: built-in defaults, then a config file (YAML or JSON),
// then HANDSHAKE_* environment variables. Without an explicit path the file
// is looked up as handshake.{yaml,json} in the working directory and in the
// XDG config directory. Go's net/http respects HTTP_PROXY / HTTPS_PROXY, so
// an egress proxy in front of the remote service needs no extra settings.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/spf13/viper"
)

// AppName names the config and data directories.
const AppName = "handshake"

// EnvPrefix prefixes every environment override, e.g. HANDSHAKE_API_PORT.
const EnvPrefix = "HANDSHAKE"

// Remote service kinds.
const (
	RemoteHTTP   = "http"
	RemoteOpenAI = "openai"
	RemoteEcho   = "echo"
)

// Config holds the full service configuration.
type Config struct {
	BindAddress     string `mapstructure:"bind_address"`
	APIPort         int    `mapstructure:"api_port"`
	ManagementPort  int    `mapstructure:"management_port"`
	ManagementToken string `mapstructure:"management_token"`
	LogLevel        string `mapstructure:"log_level"`
	DataDir         string `mapstructure:"data_dir"`

	// TLS for the document API, from a CA kept in the data dir
	APITLS    bool   `mapstructure:"api_tls"`
	TLSCACert string `mapstructure:"tls_ca_cert"`
	TLSCAKey  string `mapstructure:"tls_ca_key"`

	// Detection
	RuleFiles           []string      `mapstructure:"rule_files"`
	DetectBudget        time.Duration `mapstructure:"detect_budget"`
	PropagationMinLen   int           `mapstructure:"propagation_min_len"`
	LeakCheckMinLen     int           `mapstructure:"leak_check_min_len"`
	NEREndpoint         string        `mapstructure:"ner_endpoint"`
	NERMinScore         float64       `mapstructure:"ner_min_score"`
	UseAIDetection      bool          `mapstructure:"use_ai_detection"`
	OllamaEndpoint      string        `mapstructure:"ollama_endpoint"`
	OllamaModel         string        `mapstructure:"ollama_model"`
	AIConfidence        float64       `mapstructure:"ai_confidence_threshold"`
	OllamaMaxConcurrent int64         `mapstructure:"ollama_max_concurrent"`

	// Remote text service
	RemoteKind      string `mapstructure:"remote_kind"`
	RemoteEndpoint  string `mapstructure:"remote_endpoint"`
	RemoteAPIKey    string `mapstructure:"remote_api_key"`
	RemoteModel     string `mapstructure:"remote_model"`
	RemoteMaxTokens int    `mapstructure:"remote_max_tokens"`

	// Handshake
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	AttemptTimeout time.Duration `mapstructure:"attempt_timeout"`
	RetryBackoff   time.Duration `mapstructure:"retry_backoff"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	MaxTextBytes   int           `mapstructure:"max_text_bytes"`

	// Ledger
	LedgerPath     string `mapstructure:"ledger_path"`
	LedgerCapacity int    `mapstructure:"ledger_capacity"`

	// Firms
	Firms     []string `mapstructure:"firms"`
	FirmsFile string   `mapstructure:"firms_file"`
	FirmRate  float64  `mapstructure:"firm_rate"`
	FirmBurst int      `mapstructure:"firm_burst"`

	// Learning signals
	SignalsDB        string        `mapstructure:"signals_db"`
	SignalsEndpoint  string        `mapstructure:"signals_endpoint"`
	SignalsToken     string        `mapstructure:"signals_token"`
	SignalsInterval  time.Duration `mapstructure:"signals_interval"`
	SignalsBatch     int           `mapstructure:"signals_batch"`
	SignalsRetention time.Duration `mapstructure:"signals_retention"`
	SignalsKey       string        `mapstructure:"signals_pseudonym_key"`

	// File is the config file that was read, empty when none was found.
	File string `mapstructure:"-"`
}

func defaults() *Config {
	data := DataDir()
	return &Config{
		BindAddress:    "127.0.0.1",
		APIPort:        8480,
		ManagementPort: 8481,
		LogLevel:       "info",
		DataDir:        data,
		TLSCACert:      filepath.Join(data, "tls", "ca-cert.pem"),
		TLSCAKey:       filepath.Join(data, "tls", "ca-key.pem"),

		DetectBudget:        5 * time.Second,
		PropagationMinLen:   3,
		LeakCheckMinLen:     3,
		NERMinScore:         0.5,
		UseAIDetection:      false,
		OllamaEndpoint:      "http://localhost:11434/v1",
		OllamaModel:         "qwen2.5:3b",
		AIConfidence:        0.7,
		OllamaMaxConcurrent: 1,

		RemoteKind:      RemoteHTTP,
		RemoteModel:     "gpt-4o-mini",
		RemoteMaxTokens: 2048,

		RequestTimeout: 2 * time.Minute,
		AttemptTimeout: 45 * time.Second,
		RetryBackoff:   500 * time.Millisecond,
		MaxAttempts:    2,
		MaxTextBytes:   1 << 20,

		LedgerPath:     filepath.Join(data, "ledger.db"),
		LedgerCapacity: 10000,

		FirmsFile: filepath.Join(data, "firms.json"),
		FirmRate:  2,
		FirmBurst: 5,

		SignalsDB:        filepath.Join(data, "signals.db"),
		SignalsInterval:  30 * time.Second,
		SignalsBatch:     100,
		SignalsRetention: 7 * 24 * time.Hour,
	}
}

// DataDir returns the XDG data directory for the service.
func DataDir() string {
	return filepath.Join(xdg.DataHome, AppName)
}

// ConfigDir returns the XDG config directory for the service.
func ConfigDir() string {
	return filepath.Join(xdg.ConfigHome, AppName)
}

// Load returns defaults overridden by the config file and the environment.
// path may be empty; a missing discovered file is not an error, a missing
// explicit one is.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v, defaults())

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(AppName)
		v.AddConfigPath(".")
		v.AddConfigPath(ConfigDir())
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.File = v.ConfigFileUsed()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setDefaults registers every key so AutomaticEnv can override it.
func setDefaults(v *viper.Viper, d *Config) {
	for k, val := range map[string]any{
		"bind_address":            d.BindAddress,
		"api_port":                d.APIPort,
		"management_port":         d.ManagementPort,
		"management_token":        d.ManagementToken,
		"log_level":               d.LogLevel,
		"data_dir":                d.DataDir,
		"api_tls":                 d.APITLS,
		"tls_ca_cert":             d.TLSCACert,
		"tls_ca_key":              d.TLSCAKey,
		"rule_files":              d.RuleFiles,
		"detect_budget":           d.DetectBudget,
		"propagation_min_len":     d.PropagationMinLen,
		"leak_check_min_len":      d.LeakCheckMinLen,
		"ner_endpoint":            d.NEREndpoint,
		"ner_min_score":           d.NERMinScore,
		"use_ai_detection":        d.UseAIDetection,
		"ollama_endpoint":         d.OllamaEndpoint,
		"ollama_model":            d.OllamaModel,
		"ai_confidence_threshold": d.AIConfidence,
		"ollama_max_concurrent":   d.OllamaMaxConcurrent,
		"remote_kind":             d.RemoteKind,
		"remote_endpoint":         d.RemoteEndpoint,
		"remote_api_key":          d.RemoteAPIKey,
		"remote_model":            d.RemoteModel,
		"remote_max_tokens":       d.RemoteMaxTokens,
		"request_timeout":         d.RequestTimeout,
		"attempt_timeout":         d.AttemptTimeout,
		"retry_backoff":           d.RetryBackoff,
		"max_attempts":            d.MaxAttempts,
		"max_text_bytes":          d.MaxTextBytes,
		"ledger_path":             d.LedgerPath,
		"ledger_capacity":         d.LedgerCapacity,
		"firms":                   d.Firms,
		"firms_file":              d.FirmsFile,
		"firm_rate":               d.FirmRate,
		"firm_burst":              d.FirmBurst,
		"signals_db":              d.SignalsDB,
		"signals_endpoint":        d.SignalsEndpoint,
		"signals_token":           d.SignalsToken,
		"signals_interval":        d.SignalsInterval,
		"signals_batch":           d.SignalsBatch,
		"signals_retention":       d.SignalsRetention,
		"signals_pseudonym_key":   d.SignalsKey,
	} {
		v.SetDefault(k, val)
	}
}

// Validate checks the configuration and returns the first problem found.
func (c *Config) Validate() error {
	if c.APIPort <= 0 || c.APIPort > 65535 {
		return fmt.Errorf("invalid api_port %d", c.APIPort)
	}
	if c.ManagementPort <= 0 || c.ManagementPort > 65535 {
		return fmt.Errorf("invalid management_port %d", c.ManagementPort)
	}
	if c.APIPort == c.ManagementPort {
		return errors.New("api_port and management_port must differ")
	}
	switch c.RemoteKind {
	case RemoteHTTP, RemoteOpenAI:
		if c.RemoteEndpoint == "" && c.RemoteKind == RemoteHTTP {
			return errors.New("remote_endpoint is required for remote_kind http")
		}
	case RemoteEcho:
	default:
		return fmt.Errorf("unknown remote_kind %q (want http, openai or echo)", c.RemoteKind)
	}
	if c.MaxAttempts < 1 || c.MaxAttempts > 2 {
		return fmt.Errorf("max_attempts must be 1 or 2 (one retry at most), got %d", c.MaxAttempts)
	}
	if c.AttemptTimeout <= 0 || c.RequestTimeout <= 0 {
		return errors.New("request_timeout and attempt_timeout must be positive")
	}
	if c.AIConfidence < 0 || c.AIConfidence > 1 {
		return fmt.Errorf("ai_confidence_threshold %v outside [0,1]", c.AIConfidence)
	}
	if c.APITLS && (c.TLSCACert == "" || c.TLSCAKey == "") {
		return errors.New("api_tls needs tls_ca_cert and tls_ca_key")
	}
	if len(c.SignalsKey) > 64 {
		return errors.New("signals_pseudonym_key longer than 64 bytes")
	}
	return nil
}
