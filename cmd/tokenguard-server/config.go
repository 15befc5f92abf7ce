package main

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	tokenGuard "github.com/MrEthical07/tokenGuard"
	"github.com/MrEthical07/tokenGuard/pow"
	"github.com/MrEthical07/tokenGuard/totp"
)

// serverConfig is read from .env (if present) and the environment.
type serverConfig struct {
	HTTPAddr          string `mapstructure:"HTTP_ADDR"`
	Store             string `mapstructure:"TOKEN_STORE"`
	RedisAddr         string `mapstructure:"REDIS_ADDR"`
	RedisPassword     string `mapstructure:"REDIS_PASSWORD"`
	RedisDB           int    `mapstructure:"REDIS_DB"`
	DatabaseURL       string `mapstructure:"DATABASE_URL"`
	PrincipalsFile    string `mapstructure:"PRINCIPALS_FILE"`
	TrustForwardedFor bool   `mapstructure:"TRUST_FORWARDED_FOR"`
	LogLevel          string `mapstructure:"LOG_LEVEL"`

	SigningMethod string `mapstructure:"TOKEN_SIGNING_METHOD"`
	PrivateKey    string `mapstructure:"TOKEN_PRIVATE_KEY"`
	PublicKey     string `mapstructure:"TOKEN_PUBLIC_KEY"`
	KeyID         string `mapstructure:"TOKEN_KEY_ID"`
	Issuer        string `mapstructure:"TOKEN_ISSUER"`
	Audience      string `mapstructure:"TOKEN_AUDIENCE"`
	AccessTTL     string `mapstructure:"ACCESS_TTL"`
	RefreshTTL    string `mapstructure:"REFRESH_TTL"`
	SessionTTL    string `mapstructure:"SESSION_LIFETIME"`
	HashKey       string `mapstructure:"HASH_KEY"`

	RateLimitBackend string `mapstructure:"RATE_LIMIT_BACKEND"`
	MaxLoginAttempts int    `mapstructure:"MAX_LOGIN_ATTEMPTS"`
	RateLimitWindow  string `mapstructure:"RATE_LIMIT_WINDOW"`

	RiskIPScore    int `mapstructure:"RISK_IP_CHANGE_SCORE"`
	RiskUAScore    int `mapstructure:"RISK_UA_CHANGE_SCORE"`
	RiskSuspicious int `mapstructure:"RISK_SUSPICIOUS_THRESHOLD"`
	RiskHigh       int `mapstructure:"RISK_HIGH_THRESHOLD"`
	RiskCritical   int `mapstructure:"RISK_CRITICAL_THRESHOLD"`

	PoWRequired     bool   `mapstructure:"POW_REQUIRED"`
	PoWDifficulty   int    `mapstructure:"POW_DIFFICULTY"`
	PoWChallengeTTL string `mapstructure:"POW_CHALLENGE_TTL"`

	TOTPDigits int `mapstructure:"TOTP_DIGITS"`
	TOTPSkew   int `mapstructure:"TOTP_SKEW"`

	KafkaBrokers string `mapstructure:"KAFKA_BROKERS"`
	NotifyTopic  string `mapstructure:"NOTIFY_TOPIC"`

	AuditEnabled     bool    `mapstructure:"AUDIT_ENABLED"`
	TraceSampleRatio float64 `mapstructure:"TRACE_SAMPLE_RATIO"`
}

func loadConfig() (*serverConfig, error) {
	v := viper.New()

	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig()

	v.AutomaticEnv()

	defaults := tokenGuard.DefaultConfig()
	v.SetDefault("HTTP_ADDR", ":8080")
	v.SetDefault("TOKEN_STORE", "redis")
	v.SetDefault("REDIS_ADDR", "localhost:6379")
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("PRINCIPALS_FILE", "")
	v.SetDefault("TRUST_FORWARDED_FOR", false)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("TOKEN_SIGNING_METHOD", defaults.Token.SigningMethod)
	v.SetDefault("TOKEN_PRIVATE_KEY", "")
	v.SetDefault("TOKEN_PUBLIC_KEY", "")
	v.SetDefault("TOKEN_KEY_ID", "")
	v.SetDefault("TOKEN_ISSUER", defaults.Token.Issuer)
	v.SetDefault("TOKEN_AUDIENCE", "")
	v.SetDefault("ACCESS_TTL", defaults.Token.AccessTTL.String())
	v.SetDefault("REFRESH_TTL", defaults.Token.RefreshTTL.String())
	v.SetDefault("SESSION_LIFETIME", defaults.Session.Lifetime.String())
	v.SetDefault("HASH_KEY", "")
	v.SetDefault("RATE_LIMIT_BACKEND", defaults.RateLimit.Backend)
	v.SetDefault("MAX_LOGIN_ATTEMPTS", defaults.RateLimit.MaxLoginAttempts)
	v.SetDefault("RATE_LIMIT_WINDOW", defaults.RateLimit.Window.String())
	v.SetDefault("RISK_IP_CHANGE_SCORE", defaults.Risk.IPChangeScore)
	v.SetDefault("RISK_UA_CHANGE_SCORE", defaults.Risk.UserAgentChangeScore)
	v.SetDefault("RISK_SUSPICIOUS_THRESHOLD", defaults.Risk.SuspiciousThreshold)
	v.SetDefault("RISK_HIGH_THRESHOLD", defaults.Risk.HighThreshold)
	v.SetDefault("RISK_CRITICAL_THRESHOLD", defaults.Risk.CriticalThreshold)
	powDefaults, totpDefaults := pow.DefaultConfig(), totp.DefaultConfig()
	v.SetDefault("POW_REQUIRED", defaults.PoW.Required)
	v.SetDefault("POW_DIFFICULTY", powDefaults.Difficulty)
	v.SetDefault("POW_CHALLENGE_TTL", powDefaults.TTL.String())
	v.SetDefault("TOTP_DIGITS", totpDefaults.Digits)
	v.SetDefault("TOTP_SKEW", totpDefaults.Skew)
	v.SetDefault("KAFKA_BROKERS", "")
	v.SetDefault("NOTIFY_TOPIC", "tokenguard-logins")
	v.SetDefault("AUDIT_ENABLED", true)
	v.SetDefault("TRACE_SAMPLE_RATIO", 0.0)

	var cfg serverConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if cfg.HTTPAddr == "" {
		return nil, errors.New("config: HTTP_ADDR must be set")
	}
	switch cfg.Store {
	case "redis":
	case "postgres":
		if cfg.DatabaseURL == "" {
			return nil, errors.New("config: TOKEN_STORE=postgres requires DATABASE_URL")
		}
	default:
		return nil, fmt.Errorf("config: TOKEN_STORE must be redis or postgres, got %q", cfg.Store)
	}
	if cfg.TraceSampleRatio < 0 || cfg.TraceSampleRatio > 1 {
		return nil, errors.New("config: TRACE_SAMPLE_RATIO must be between 0 and 1")
	}
	return &cfg, nil
}

// engineConfig maps the environment onto the library configuration. Key
// material is PEM text, a path to a PEM file, or base64.
func (c *serverConfig) engineConfig() (tokenGuard.Config, error) {
	cfg := tokenGuard.DefaultConfig()

	var err error
	if cfg.Token.AccessTTL, err = parseDuration("ACCESS_TTL", c.AccessTTL); err != nil {
		return cfg, err
	}
	if cfg.Token.RefreshTTL, err = parseDuration("REFRESH_TTL", c.RefreshTTL); err != nil {
		return cfg, err
	}
	if cfg.Session.Lifetime, err = parseDuration("SESSION_LIFETIME", c.SessionTTL); err != nil {
		return cfg, err
	}
	if cfg.RateLimit.Window, err = parseDuration("RATE_LIMIT_WINDOW", c.RateLimitWindow); err != nil {
		return cfg, err
	}

	cfg.Token.SigningMethod = strings.ToLower(c.SigningMethod)
	if cfg.Token.PrivateKey, err = loadKey("TOKEN_PRIVATE_KEY", c.PrivateKey); err != nil {
		return cfg, err
	}
	if cfg.Token.PublicKey, err = loadKey("TOKEN_PUBLIC_KEY", c.PublicKey); err != nil {
		return cfg, err
	}
	if cfg.Secrets.HashKey, err = loadKey("HASH_KEY", c.HashKey); err != nil {
		return cfg, err
	}
	cfg.Token.KeyID = c.KeyID
	cfg.Token.Issuer = c.Issuer
	cfg.Token.Audience = c.Audience

	cfg.RateLimit.Backend = c.RateLimitBackend
	cfg.RateLimit.MaxLoginAttempts = c.MaxLoginAttempts

	cfg.Risk.IPChangeScore = c.RiskIPScore
	cfg.Risk.UserAgentChangeScore = c.RiskUAScore
	cfg.Risk.SuspiciousThreshold = c.RiskSuspicious
	cfg.Risk.HighThreshold = c.RiskHigh
	cfg.Risk.CriticalThreshold = c.RiskCritical

	cfg.PoW.Required = c.PoWRequired
	cfg.Audit.Enabled = c.AuditEnabled
	cfg.Metrics = tokenGuard.MetricsConfig{Enabled: true, EnableLatencyHistograms: true}

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// powConfig describes the challenge service behind POST /v1/pow/challenge.
// Challenges share the session key prefix.
func (c *serverConfig) powConfig(prefix string) (pow.Config, error) {
	ttl, err := parseDuration("POW_CHALLENGE_TTL", c.PoWChallengeTTL)
	if err != nil {
		return pow.Config{}, err
	}
	cfg := pow.Config{Difficulty: c.PoWDifficulty, TTL: ttl, Prefix: prefix}
	if err := cfg.Validate(); err != nil {
		return pow.Config{}, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

func (c *serverConfig) totpConfig(prefix string) (totp.Config, error) {
	cfg := totp.DefaultConfig()
	cfg.Digits = c.TOTPDigits
	cfg.Skew = c.TOTPSkew
	cfg.ReplayPrefix = prefix
	if err := cfg.Validate(); err != nil {
		return totp.Config{}, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

func (c *serverConfig) kafkaBrokers() []string {
	if c == nil || c.KafkaBrokers == "" {
		return nil
	}
	parts := strings.Split(c.KafkaBrokers, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func parseDuration(name, value string) (time.Duration, error) {
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("config: %s must be a positive duration, got %q", name, value)
	}
	return d, nil
}

func loadKey(name, value string) ([]byte, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, nil
	}
	if strings.HasPrefix(value, "-----BEGIN") {
		return []byte(value), nil
	}
	if info, err := os.Stat(value); err == nil && !info.IsDir() {
		data, err := os.ReadFile(value)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", name, err)
		}
		return data, nil
	}
	data, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		return nil, fmt.Errorf("config: %s is neither PEM, a file nor base64", name)
	}
	return data, nil
}
