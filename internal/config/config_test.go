package config

import (
	"os"
	"testing"
)

func setEnv(t *testing.T, key, value string) {
	t.Helper()
	old, had := os.LookupEnv(key)
	os.Setenv(key, value)
	t.Cleanup(func() {
		if had {
			os.Setenv(key, old)
		} else {
			os.Unsetenv(key)
		}
	})
}

func TestLoadDefaults(t *testing.T) {
	setEnv(t, "ANTHROPIC_API_KEY", "test-key")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.App.Name != "autopilot" {
		t.Errorf("App.Name = %q", cfg.App.Name)
	}
	if cfg.Browser.Engine != "playwright" {
		t.Errorf("Browser.Engine = %q", cfg.Browser.Engine)
	}
	if cfg.Orchestrator.MaxQueueSize != 1000 {
		t.Errorf("MaxQueueSize = %d, want 1000", cfg.Orchestrator.MaxQueueSize)
	}
	if cfg.Orchestrator.HistoryLimit != 50 {
		t.Errorf("HistoryLimit = %d, want 50", cfg.Orchestrator.HistoryLimit)
	}
	if cfg.Budget.CacheSize != 1000 {
		t.Errorf("Budget.CacheSize = %d, want 1000", cfg.Budget.CacheSize)
	}
}

func TestValidateBrowserEngine(t *testing.T) {
	setEnv(t, "ANTHROPIC_API_KEY", "test-key")
	setEnv(t, "BROWSER_ENGINE", "selenium")

	if _, err := Load(); err == nil {
		t.Error("expected error for unknown browser engine")
	}
}

func TestValidateAIFallbackNeedsProvider(t *testing.T) {
	setEnv(t, "ANTHROPIC_API_KEY", "")
	setEnv(t, "OLLAMA_ENABLED", "false")
	setEnv(t, "FEATURE_AI_FALLBACK", "true")

	if _, err := Load(); err == nil {
		t.Error("expected error when AI fallback is enabled without a provider")
	}
}

func TestValidateOllamaOnlyIsEnough(t *testing.T) {
	setEnv(t, "ANTHROPIC_API_KEY", "")
	setEnv(t, "OLLAMA_ENABLED", "true")

	if _, err := Load(); err != nil {
		t.Errorf("ollama alone should satisfy AI fallback: %v", err)
	}
}

func TestDataLayout(t *testing.T) {
	d := DataConfig{Dir: "/var/lib/autopilot"}

	tests := []struct {
		got  string
		want string
	}{
		{d.SelectorsDir(), "/var/lib/autopilot/selectors"},
		{d.MemoryDir(), "/var/lib/autopilot/brain/memory"},
		{d.AICacheDir(), "/var/lib/autopilot/brain/ai_cache"},
		{d.BudgetFile(), "/var/lib/autopilot/brain/ai_budget.json"},
		{d.ScenarioCacheDir(), "/var/lib/autopilot/scenario_cache"},
		{d.ReportsDir(), "/var/lib/autopilot/reports"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("got %q, want %q", tt.got, tt.want)
		}
	}
}

func TestDatabaseDSN(t *testing.T) {
	c := DatabaseConfig{Host: "db", Port: 5432, User: "u", Password: "p", Database: "d", SSLMode: "disable"}
	want := "host=db port=5432 user=u password=p dbname=d sslmode=disable"
	if got := c.DSN(); got != want {
		t.Errorf("DSN() = %q, want %q", got, want)
	}
}
