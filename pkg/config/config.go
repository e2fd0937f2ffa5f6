package config

import (
	"context"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Not-Diamond/go-ptufallback/pkg/clients/azure"
	"github.com/Not-Diamond/go-ptufallback/pkg/model"
	"github.com/Not-Diamond/go-ptufallback/pkg/redis"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Environment variables read by Load. They override the YAML file.
const (
	EnvPTUAPIBase        = "AZURE_PTU_API_BASE"
	EnvPTUAPIKey         = "AZURE_PTU_API_KEY"
	EnvPTUAPIVersion     = "AZURE_PTU_API_VERSION"
	EnvPaygoAPIBase      = "AZURE_PAYGO_API_BASE"
	EnvPaygoAPIKey       = "AZURE_PAYGO_API_KEY"
	EnvPaygoAPIVersion   = "AZURE_PAYGO_API_VERSION"
	EnvPTUMaxWaitMs      = "PTU_MAX_WAIT_MS"
	EnvMaxOpenAIRetries  = "MAX_OPENAI_RETRIES"
	EnvOpenAITimeout     = "OPENAI_TIMEOUT"
	EnvRequestsPerMinute = "REQUESTS_PER_MINUTE"
	EnvRedisAddr         = "REDIS_ADDR"
	EnvRedisPassword     = "REDIS_PASSWORD"
	EnvRedisDB           = "REDIS_DB"
	EnvRedisRetention    = "REDIS_RETENTION"
	EnvLogLevel          = "LOG_LEVEL"
	EnvAzureTenantID     = "AZURE_TENANT_ID"
	EnvAzureClientID     = "AZURE_CLIENT_ID"
	EnvAzureClientSecret = "AZURE_CLIENT_SECRET"

	defaultEnvFile  = ".env"
	defaultLogLevel = "info"
)

type redisFile struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	Retention string `yaml:"retention"`
}

type azureADFile struct {
	TenantID     string `yaml:"tenant_id"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
}

type fileConfig struct {
	PTU               model.Connection `yaml:"ptu"`
	Paygo             model.Connection `yaml:"paygo"`
	PTUMaxWaitMs      *int             `yaml:"ptu_max_wait_ms"`
	MaxOpenAIRetries  *int             `yaml:"max_openai_retries"`
	Timeout           string           `yaml:"openai_timeout"`
	RequestsPerMinute int              `yaml:"requests_per_minute"`
	Redis             *redisFile       `yaml:"redis"`
	LogLevel          string           `yaml:"log_level"`
	AzureAD           azureADFile      `yaml:"azure_ad"`
}

// Load builds a config from an optional YAML file at path, then applies the
// environment. envFiles are loaded into the environment first; when none are
// given a ".env" file in the working directory is used if it exists.
// The result is not validated.
func Load(path string, envFiles ...string) (model.Config, error) {
	cfg := model.Config{
		PTUMaxWait: model.DefaultPTUMaxWait,
		Timeout:    model.DefaultTimeout,
		LogLevel:   defaultLogLevel,
	}

	if err := loadEnvFiles(envFiles); err != nil {
		return model.Config{}, err
	}

	var file fileConfig
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return model.Config{}, errors.Wrapf(err, "failed to read config file %s", path)
		}
		if err := yaml.Unmarshal(data, &file); err != nil {
			return model.Config{}, errors.Wrapf(err, "failed to parse config file %s", path)
		}
	}

	if err := applyFile(&cfg, file); err != nil {
		return model.Config{}, err
	}
	if err := applyEnv(&cfg, &file.AzureAD); err != nil {
		return model.Config{}, err
	}
	if err := applyAzureAD(&cfg, file.AzureAD); err != nil {
		return model.Config{}, err
	}
	return cfg, nil
}

func loadEnvFiles(envFiles []string) error {
	if len(envFiles) > 0 {
		return errors.Wrap(godotenv.Load(envFiles...), "failed to load env file")
	}
	if _, err := os.Stat(defaultEnvFile); err != nil {
		return nil
	}
	return errors.Wrap(godotenv.Load(defaultEnvFile), "failed to load env file")
}

func applyFile(cfg *model.Config, file fileConfig) error {
	cfg.Primary = file.PTU
	cfg.Secondary = file.Paygo
	if file.PTUMaxWaitMs != nil {
		cfg.PTUMaxWait = budgetFromMs(*file.PTUMaxWaitMs)
	}
	if file.MaxOpenAIRetries != nil {
		cfg.MaxOpenAIRetries = *file.MaxOpenAIRetries
	}
	if file.Timeout != "" {
		d, err := parseTimeout(file.Timeout)
		if err != nil {
			return errors.Wrap(err, "invalid openai_timeout")
		}
		cfg.Timeout = d
	}
	cfg.RequestsPerMinute = file.RequestsPerMinute
	if file.Redis != nil && file.Redis.Addr != "" {
		cfg.RedisConfig = &redis.Config{Addr: file.Redis.Addr, Password: file.Redis.Password, DB: file.Redis.DB}
		if file.Redis.Retention != "" {
			d, err := parseTimeout(file.Redis.Retention)
			if err != nil {
				return errors.Wrap(err, "invalid redis.retention")
			}
			cfg.RedisConfig.Retention = d
		}
	}
	if file.LogLevel != "" {
		cfg.LogLevel = file.LogLevel
	}
	return nil
}

func applyEnv(cfg *model.Config, aad *azureADFile) error {
	setString(&cfg.Primary.APIBase, EnvPTUAPIBase)
	setString(&cfg.Primary.APIKey, EnvPTUAPIKey)
	setString(&cfg.Primary.APIVersion, EnvPTUAPIVersion)
	setString(&cfg.Secondary.APIBase, EnvPaygoAPIBase)
	setString(&cfg.Secondary.APIKey, EnvPaygoAPIKey)
	setString(&cfg.Secondary.APIVersion, EnvPaygoAPIVersion)
	setString(&cfg.LogLevel, EnvLogLevel)
	setString(&aad.TenantID, EnvAzureTenantID)
	setString(&aad.ClientID, EnvAzureClientID)
	setString(&aad.ClientSecret, EnvAzureClientSecret)

	if v, ok := lookup(EnvPTUMaxWaitMs); ok {
		ms, err := strconv.Atoi(v)
		if err != nil {
			return errors.Wrapf(err, "invalid %s", EnvPTUMaxWaitMs)
		}
		cfg.PTUMaxWait = budgetFromMs(ms)
	}
	if v, ok := lookup(EnvMaxOpenAIRetries); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return errors.Wrapf(err, "invalid %s", EnvMaxOpenAIRetries)
		}
		cfg.MaxOpenAIRetries = n
	}
	if v, ok := lookup(EnvOpenAITimeout); ok {
		d, err := parseTimeout(v)
		if err != nil {
			return errors.Wrapf(err, "invalid %s", EnvOpenAITimeout)
		}
		cfg.Timeout = d
	}
	if v, ok := lookup(EnvRequestsPerMinute); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return errors.Wrapf(err, "invalid %s", EnvRequestsPerMinute)
		}
		cfg.RequestsPerMinute = n
	}

	if addr, ok := lookup(EnvRedisAddr); ok {
		if cfg.RedisConfig == nil {
			cfg.RedisConfig = &redis.Config{}
		}
		cfg.RedisConfig.Addr = addr
	}
	if cfg.RedisConfig != nil {
		setString(&cfg.RedisConfig.Password, EnvRedisPassword)
		if v, ok := lookup(EnvRedisDB); ok {
			db, err := strconv.Atoi(v)
			if err != nil {
				return errors.Wrapf(err, "invalid %s", EnvRedisDB)
			}
			cfg.RedisConfig.DB = db
		}
		if v, ok := lookup(EnvRedisRetention); ok {
			d, err := parseTimeout(v)
			if err != nil {
				return errors.Wrapf(err, "invalid %s", EnvRedisRetention)
			}
			cfg.RedisConfig.Retention = d
		}
	}
	return nil
}

// applyAzureAD attaches a shared Azure AD token source to every connection
// that has no api key.
func applyAzureAD(cfg *model.Config, aad azureADFile) error {
	if aad.TenantID == "" && aad.ClientID == "" && aad.ClientSecret == "" {
		return nil
	}
	ts, err := azure.NewTokenSource(context.Background(), aad.TenantID, aad.ClientID, aad.ClientSecret)
	if err != nil {
		return errors.Wrap(err, "invalid Azure AD settings")
	}
	if cfg.Primary.APIKey == "" {
		cfg.Primary.TokenSource = ts
	}
	if cfg.Secondary.APIKey == "" {
		cfg.Secondary.TokenSource = ts
	}
	return nil
}

// parseTimeout accepts a number of seconds or a Go duration string.
// Retention windows use the same format.
func parseTimeout(v string) (time.Duration, error) {
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		return time.Duration(secs * float64(time.Second)), nil
	}
	return time.ParseDuration(v)
}

func lookup(key string) (string, bool) {
	v, ok := os.LookupEnv(key)
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}

func setString(dst *string, key string) {
	if v, ok := lookup(key); ok {
		*dst = v
	}
}

// budgetFromMs keeps an explicit 0 distinct from "unset".
func budgetFromMs(ms int) time.Duration {
	if ms == 0 {
		return model.NoPTUWait
	}
	return time.Duration(ms) * time.Millisecond
}
