package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func tempConfigPath(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	return filepath.Join(dir, "config.json")
}

func writeTestConfig(t *testing.T, path string, cfg *Config) {
	t.Helper()
	if err := Save(path, cfg); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
}

func TestLoad_WritesDefaults(t *testing.T) {
	path := tempConfigPath(t)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("defaults were not written: %v", err)
	}
	if cfg.HTTP.Listen != "127.0.0.1:8484" {
		t.Errorf("expected default listen address, got %q", cfg.HTTP.Listen)
	}
	if !cfg.LLM.Stream {
		t.Error("expected streaming enabled by default")
	}
	if cfg.GenerationTimeout() != 10*time.Minute {
		t.Errorf("expected 10m generation timeout, got %v", cfg.GenerationTimeout())
	}
}

func TestLoad_MissingKeysUseDefaults(t *testing.T) {
	path := tempConfigPath(t)
	if err := os.WriteFile(path, []byte(`{"log_level":"warn"}`), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.LogLevel != "warn" {
		t.Errorf("expected log_level=warn, got %q", cfg.LogLevel)
	}
	if cfg.MaxConcurrent != 2 {
		t.Errorf("expected default max_concurrent=2, got %d", cfg.MaxConcurrent)
	}
	if cfg.Documents.IdleEvictMinutes != 30 {
		t.Errorf("expected default idle_evict_minutes=30, got %d", cfg.Documents.IdleEvictMinutes)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	path := tempConfigPath(t)
	cfg := Defaults()
	cfg.LLM.Model = "from-file"
	writeTestConfig(t, path, cfg)

	t.Setenv("VIZCHAT_LLM_MODEL", "from-env")
	t.Setenv("VIZCHAT_MAX_CONCURRENT", "7")
	t.Setenv("REDIS_ADDR", "redis.internal:6379")

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.LLM.Model != "from-env" {
		t.Errorf("expected llm.model from env, got %q", loaded.LLM.Model)
	}
	if loaded.MaxConcurrent != 7 {
		t.Errorf("expected max_concurrent=7 from env, got %d", loaded.MaxConcurrent)
	}
	if loaded.Redis.Addr != "redis.internal:6379" {
		t.Errorf("expected REDIS_ADDR override, got %q", loaded.Redis.Addr)
	}
}

func TestLoad_RejectsInvalidFile(t *testing.T) {
	path := tempConfigPath(t)
	if err := os.WriteFile(path, []byte(`{"documents":{"flush_schedule":"sometimes"}}`), 0600); err != nil {
		t.Fatal(err)
	}
	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "documents.flush_schedule") {
		t.Errorf("expected flush_schedule error, got %v", err)
	}
}

func TestLoad_RejectsInvalidEnv(t *testing.T) {
	path := tempConfigPath(t)
	writeTestConfig(t, path, Defaults())
	t.Setenv("VIZCHAT_LOG_LEVEL", "loud")

	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "log_level") {
		t.Errorf("expected log_level error, got %v", err)
	}
}

func TestSave_ReloadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.json")

	original := Defaults()
	original.DataDir = "/var/lib/vizchat"
	original.LLM.APIKey = "sk-test-round-trip"
	original.LLM.Temperature = 0.5
	original.LLM.Stream = false
	original.Generation.MaxDurationSeconds = 300
	original.Documents.FlushSchedule = "@every 1m"
	original.Redis.Addr = "localhost:6380"
	writeTestConfig(t, path, original)

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("config file does not exist after Save: %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("expected mode 0600, got %v", info.Mode().Perm())
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Error("temp file left behind")
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.DataDir != original.DataDir || loaded.LLM.APIKey != original.LLM.APIKey {
		t.Errorf("strings not preserved: %+v", loaded)
	}
	if loaded.LLM.Temperature != 0.5 || loaded.LLM.Stream {
		t.Errorf("llm settings not preserved: %+v", loaded.LLM)
	}
	if loaded.GenerationTimeout() != 5*time.Minute {
		t.Errorf("expected 5m generation timeout, got %v", loaded.GenerationTimeout())
	}
	if loaded.Documents.FlushSchedule != "@every 1m" || loaded.Redis.Addr != "localhost:6380" {
		t.Errorf("schedule or redis not preserved: %+v %+v", loaded.Documents, loaded.Redis)
	}
}

func TestGetValue_Typed(t *testing.T) {
	path := tempConfigPath(t)
	writeTestConfig(t, path, Defaults())

	tests := []struct {
		key  string
		want any
	}{
		{"generation.max_duration_seconds", 600},
		{"llm.stream", true},
		{"generation.sweep_schedule", "@every 30s"},
		{"llm.temperature", 0.2},
		{"redis.addr", ""},
	}
	for _, tt := range tests {
		got, err := GetValue(path, tt.key)
		if err != nil {
			t.Fatalf("GetValue(%s): %v", tt.key, err)
		}
		if got != tt.want {
			t.Errorf("GetValue(%s) = %v (%T), want %v (%T)", tt.key, got, got, tt.want, tt.want)
		}
	}
}

func TestGetValue_SeesEnvOverride(t *testing.T) {
	path := tempConfigPath(t)
	writeTestConfig(t, path, Defaults())
	t.Setenv("VIZCHAT_GENERATION_MAX_DURATION_SECONDS", "45")

	got, err := GetValue(path, "generation.max_duration_seconds")
	if err != nil {
		t.Fatal(err)
	}
	if got != 45 {
		t.Errorf("expected 45 from env, got %v (%T)", got, got)
	}
}

func TestGetValue_UnknownKey(t *testing.T) {
	path := tempConfigPath(t)
	writeTestConfig(t, path, Defaults())

	_, err := GetValue(path, "nonexistent.key")
	if err == nil || err.Error() != "unknown config key: nonexistent.key" {
		t.Errorf("expected unknown key error, got %v", err)
	}
}

func TestGetValue_CreatesDefaults(t *testing.T) {
	path := tempConfigPath(t)

	v, err := GetValue(path, "documents.flush_schedule")
	if err != nil {
		t.Fatalf("GetValue on new config failed: %v", err)
	}
	if v != "@every 10s" {
		t.Errorf("expected default flush schedule, got %v", v)
	}
}

func TestSetValue_Coerces(t *testing.T) {
	path := tempConfigPath(t)
	writeTestConfig(t, path, Defaults())

	sets := [][2]string{
		{"generation.max_duration_seconds", "900"},
		{"llm.stream", "false"},
		{"documents.flush_schedule", "0 */5 * * * *"},
		{"llm.api_key", "sk-from-cli-5678"},
		{"http.rate_limit_rps", "2.5"},
	}
	for _, kv := range sets {
		if err := SetValue(path, kv[0], kv[1]); err != nil {
			t.Fatalf("SetValue(%s, %s): %v", kv[0], kv[1], err)
		}
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.GenerationTimeout() != 15*time.Minute {
		t.Errorf("expected 15m generation timeout, got %v", cfg.GenerationTimeout())
	}
	if cfg.LLM.Stream {
		t.Error("expected streaming disabled")
	}
	if cfg.Documents.FlushSchedule != "0 */5 * * * *" {
		t.Errorf("unexpected flush schedule %q", cfg.Documents.FlushSchedule)
	}
	if cfg.LLM.APIKey != "sk-from-cli-5678" || cfg.HTTP.RateLimitRPS != 2.5 {
		t.Errorf("unexpected values %q %v", cfg.LLM.APIKey, cfg.HTTP.RateLimitRPS)
	}
	if cfg.LLM.Model != "gpt-4o-mini" {
		t.Errorf("untouched key changed: llm.model=%q", cfg.LLM.Model)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `"max_duration_seconds": 900`) || !strings.Contains(string(data), `"stream": false`) {
		t.Errorf("values not stored with their types:\n%s", data)
	}
}

func TestSetValue_RejectsLeavesFileUnchanged(t *testing.T) {
	path := tempConfigPath(t)
	writeTestConfig(t, path, Defaults())
	before, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		key, raw, wantErr string
	}{
		{"documents.flush_schedule", "whenever", "invalid schedule"},
		{"generation.max_duration_seconds", "ten", "is not an integer"},
		{"llm.stream", "maybe", "is not true or false"},
		{"log_level", "loud", "must be one of"},
		{"custom.setting", "value", "unknown config key"},
		{"llm.output_reserve", "200000", "must be less than llm.max_context_tokens"},
	}
	for _, tt := range tests {
		err := SetValue(path, tt.key, tt.raw)
		if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
			t.Errorf("SetValue(%s, %s): expected %q, got %v", tt.key, tt.raw, tt.wantErr, err)
		}
	}

	after, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(before, after) {
		t.Errorf("rejected values changed the file:\n%s", after)
	}
}

func TestSetValue_NonexistentFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "does-not-exist", "config.json")
	if err := SetValue(path, "log_level", "debug"); err == nil {
		t.Fatal("expected error for nonexistent file, got nil")
	}
}

func TestListValues_MasksSecrets(t *testing.T) {
	cfg := Defaults()
	cfg.LLM.APIKey = "sk-secret-key-1234"
	cfg.Redis.Password = "redis-pass-abcd"

	plain, err := ListValues(cfg, false)
	if err != nil {
		t.Fatal(err)
	}
	if plain["llm.api_key"] != "sk-secret-key-1234" {
		t.Errorf("expected unmasked llm.api_key, got %v", plain["llm.api_key"])
	}

	masked, err := ListValues(cfg, true)
	if err != nil {
		t.Fatal(err)
	}
	if masked["llm.api_key"] != "***1234" || masked["redis.password"] != "***abcd" {
		t.Errorf("secrets not masked: %v %v", masked["llm.api_key"], masked["redis.password"])
	}
	if masked["generation.sweep_schedule"] != "@every 30s" {
		t.Errorf("expected sweep schedule unchanged, got %v", masked["generation.sweep_schedule"])
	}
}
