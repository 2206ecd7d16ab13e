package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides, e.g. VIZCHAT_LLM_MODEL.
const EnvPrefix = "VIZCHAT"

type Config struct {
	DataDir       string `json:"data_dir" mapstructure:"data_dir"`
	LogLevel      string `json:"log_level" mapstructure:"log_level"`
	LogFormat     string `json:"log_format" mapstructure:"log_format"`
	MaxConcurrent int    `json:"max_concurrent" mapstructure:"max_concurrent"`
	HTTP          struct {
		Listen         string  `json:"listen" mapstructure:"listen"`
		RateLimitRPS   float64 `json:"rate_limit_rps" mapstructure:"rate_limit_rps"`
		RateLimitBurst int     `json:"rate_limit_burst" mapstructure:"rate_limit_burst"`
	} `json:"http" mapstructure:"http"`
	LLM struct {
		Provider         string  `json:"provider" mapstructure:"provider"`
		BaseURL          string  `json:"base_url" mapstructure:"base_url"`
		APIKey           string  `json:"api_key" mapstructure:"api_key"`
		Model            string  `json:"model" mapstructure:"model"`
		MaxTokens        int     `json:"max_tokens" mapstructure:"max_tokens"`
		Temperature      float32 `json:"temperature" mapstructure:"temperature"`
		MaxContextTokens int     `json:"max_context_tokens" mapstructure:"max_context_tokens"`
		OutputReserve    int     `json:"output_reserve" mapstructure:"output_reserve"`
		Stream           bool    `json:"stream" mapstructure:"stream"`
		TimeoutSeconds   int     `json:"timeout_seconds" mapstructure:"timeout_seconds"`
	} `json:"llm" mapstructure:"llm"`
	Generation struct {
		MaxDurationSeconds int    `json:"max_duration_seconds" mapstructure:"max_duration_seconds"`
		SweepSchedule      string `json:"sweep_schedule" mapstructure:"sweep_schedule"`
	} `json:"generation" mapstructure:"generation"`
	Documents struct {
		FlushSchedule    string `json:"flush_schedule" mapstructure:"flush_schedule"`
		EvictSchedule    string `json:"evict_schedule" mapstructure:"evict_schedule"`
		IdleEvictMinutes int    `json:"idle_evict_minutes" mapstructure:"idle_evict_minutes"`
	} `json:"documents" mapstructure:"documents"`
	Redis struct {
		Addr          string `json:"addr" mapstructure:"addr"`
		Password      string `json:"password" mapstructure:"password"`
		DB            int    `json:"db" mapstructure:"db"`
		ChannelPrefix string `json:"channel_prefix" mapstructure:"channel_prefix"`
	} `json:"redis" mapstructure:"redis"`
	Preview struct {
		WebhookURL string `json:"webhook_url" mapstructure:"webhook_url"`
	} `json:"preview" mapstructure:"preview"`
}

// Defaults returns the configuration written on first run.
func Defaults() *Config {
	cfg := &Config{
		DataDir:       filepath.Join(os.Getenv("HOME"), ".vizchat"),
		LogLevel:      "info",
		LogFormat:     "text",
		MaxConcurrent: 2,
	}
	cfg.HTTP.Listen = "127.0.0.1:8484"
	cfg.HTTP.RateLimitRPS = 1
	cfg.HTTP.RateLimitBurst = 3
	cfg.LLM.Provider = "openai"
	cfg.LLM.BaseURL = "https://api.openai.com/v1"
	cfg.LLM.Model = "gpt-4o-mini"
	cfg.LLM.MaxTokens = 4096
	cfg.LLM.Temperature = 0.2
	cfg.LLM.MaxContextTokens = 128000
	cfg.LLM.OutputReserve = 4096
	cfg.LLM.Stream = true
	cfg.LLM.TimeoutSeconds = 120
	cfg.Generation.MaxDurationSeconds = 600
	cfg.Generation.SweepSchedule = "@every 30s"
	cfg.Documents.FlushSchedule = "@every 10s"
	cfg.Documents.EvictSchedule = "@every 5m"
	cfg.Documents.IdleEvictMinutes = 30
	cfg.Redis.ChannelPrefix = "vizchat"
	return cfg
}

// Load reads the config file at path, writing defaults first when it does
// not exist. VIZCHAT_* variables override file values, and OPENAI_API_KEY,
// OPENAI_BASE_URL and REDIS_ADDR override everything.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := Save(path, Defaults()); err != nil {
			return nil, err
		}
	}

	v := viper.New()
	if err := setDefaults(v); err != nil {
		return nil, err
	}
	v.SetConfigFile(path)
	v.SetConfigType("json")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if apiKey := os.Getenv("OPENAI_API_KEY"); apiKey != "" {
		cfg.LLM.APIKey = apiKey
	}
	if baseURL := os.Getenv("OPENAI_BASE_URL"); baseURL != "" {
		cfg.LLM.BaseURL = baseURL
	}
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		cfg.Redis.Addr = addr
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// setDefaults registers every default key so that env overrides apply even
// to keys missing from the file.
func setDefaults(v *viper.Viper) error {
	m, err := ToMap(Defaults())
	if err != nil {
		return err
	}
	for k, val := range Flatten(m) {
		v.SetDefault(k, val)
	}
	return nil
}

// Save writes cfg to path atomically, creating the directory if needed.
func Save(path string, cfg *Config) error {
	m, err := ToMap(cfg)
	if err != nil {
		return err
	}
	return writeJSON(path, m)
}

func writeJSON(path string, m map[string]any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	data = append(data, '\n')
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename config: %w", err)
	}
	return nil
}

// ToMap converts cfg to its nested JSON form.
func ToMap(cfg *Config) (map[string]any, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return m, nil
}

// ListValues returns cfg as dot-keyed values, with secrets masked if mask
// is set.
func ListValues(cfg *Config, mask bool) (map[string]any, error) {
	m, err := ToMap(cfg)
	if err != nil {
		return nil, err
	}
	flat := Flatten(m)
	if mask {
		flat = MaskSecrets(flat)
	}
	return flat, nil
}

// readFile loads the file at path as written, without defaults or env.
func readFile(path string) (*viper.Viper, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return v, nil
}

// GetValue returns the effective value of a known key, defaults and env
// overrides included. Integer keys come back as int.
func GetValue(path, key string) (any, error) {
	k, ok := Lookup(key)
	if !ok {
		return nil, fmt.Errorf("unknown config key: %s", key)
	}
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	flat, err := ListValues(cfg, false)
	if err != nil {
		return nil, err
	}
	val := flat[key]
	if f, ok := val.(float64); ok && k.Kind == KindInt {
		return int(f), nil
	}
	return val, nil
}

// SetValue parses raw as the type of key and stores it in an existing config
// file. The file is left untouched when raw is not valid for the key or the
// resulting config does not validate.
func SetValue(path, key, raw string) error {
	k, ok := Lookup(key)
	if !ok {
		return fmt.Errorf("unknown config key: %s", key)
	}
	val, err := k.Parse(raw)
	if err != nil {
		return err
	}
	v, err := readFile(path)
	if err != nil {
		return err
	}
	v.Set(key, val)

	cfg := Defaults()
	if err := v.Unmarshal(cfg); err != nil {
		return fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	return writeJSON(path, v.AllSettings())
}

// GenerationTimeout is the age after which a running generation is
// cancelled. Zero disables the limit.
func (c *Config) GenerationTimeout() time.Duration {
	return time.Duration(c.Generation.MaxDurationSeconds) * time.Second
}

// DocumentIdleTime is how long an untouched document stays in memory.
func (c *Config) DocumentIdleTime() time.Duration {
	return time.Duration(c.Documents.IdleEvictMinutes) * time.Minute
}

// LLMTimeout bounds one provider request.
func (c *Config) LLMTimeout() time.Duration {
	return time.Duration(c.LLM.TimeoutSeconds) * time.Second
}
