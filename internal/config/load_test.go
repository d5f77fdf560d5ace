package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func envFrom(vars map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := vars[key]
		return v, ok
	}
}

func TestDefaultValues(t *testing.T) {
	cfg := Default()

	if cfg.ListenAddr != ":8765" {
		t.Errorf("ListenAddr = %q, want :8765", cfg.ListenAddr)
	}
	if cfg.LLMBaseURL != "http://localhost:11434" {
		t.Errorf("LLMBaseURL = %q", cfg.LLMBaseURL)
	}
	if cfg.MaxConsecutiveErrors != 3 {
		t.Errorf("MaxConsecutiveErrors = %d, want 3", cfg.MaxConsecutiveErrors)
	}
	if cfg.MaxSteps != 20 {
		t.Errorf("MaxSteps = %d, want 20", cfg.MaxSteps)
	}
	if got := cfg.RemoteCallTimeout().Seconds(); got != 30 {
		t.Errorf("RemoteCallTimeout = %vs, want 30s", got)
	}
	if got := cfg.LLMTimeout().Minutes(); got != 10 {
		t.Errorf("LLMTimeout = %vm, want 10m", got)
	}
	if _, ok := cfg.Profile(KindGeneralAgent); !ok {
		t.Error("general_agent profile missing from defaults")
	}
	if _, ok := cfg.Profile(KindCodeJob); !ok {
		t.Error("code_job profile missing from defaults")
	}
}

func TestLoadLayersFileEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "conductor.yaml")
	yaml := `
listen_addr: ":9000"
planner_model: file-planner
executor_model: file-executor
max_steps: 5
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(
		WithFile(path),
		WithEnvLookup(envFrom(map[string]string{
			"CONDUCTOR_PLANNER_MODEL": "env-planner",
			"CONDUCTOR_MAX_STEPS":     "7",
		})),
		WithOverride(func(c *RuntimeConfig) { c.MaxSteps = 9 }),
	)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.ListenAddr != ":9000" {
		t.Errorf("ListenAddr = %q, want file value :9000", cfg.ListenAddr)
	}
	if cfg.ExecutorModel != "file-executor" {
		t.Errorf("ExecutorModel = %q, want file value", cfg.ExecutorModel)
	}
	if cfg.PlannerModel != "env-planner" {
		t.Errorf("PlannerModel = %q, want env to win over file", cfg.PlannerModel)
	}
	if cfg.MaxSteps != 9 {
		t.Errorf("MaxSteps = %d, want override to win over env", cfg.MaxSteps)
	}
}

func TestLoadRejectsBadNumericEnv(t *testing.T) {
	_, err := Load(WithEnvLookup(envFrom(map[string]string{
		"CONDUCTOR_MAX_TOKENS": "not-a-number",
	})))
	if err == nil {
		t.Fatal("expected error for non-numeric CONDUCTOR_MAX_TOKENS")
	}
}

func TestLoadMissingExplicitFileFails(t *testing.T) {
	_, err := Load(WithFile(filepath.Join(t.TempDir(), "absent.yaml")))
	if err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestLoadMergesBuiltinProfiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "conductor.yaml")
	yaml := `
profiles:
  custom_kind:
    description: custom
    system_prompt: do things
    allowed_tools: [fs_read]
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(WithFile(path), WithEnvLookup(envFrom(nil)))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if _, ok := cfg.Profile("custom_kind"); !ok {
		t.Error("custom profile from file missing")
	}
	if _, ok := cfg.Profile(KindCodeJob); !ok {
		t.Error("builtin code_job profile should survive a file that defines profiles")
	}
}

func TestBuiltinProfiles(t *testing.T) {
	profiles := BuiltinProfiles()

	general, ok := profiles[KindGeneralAgent]
	if !ok {
		t.Fatal("general_agent profile missing")
	}
	if len(general.AllowedTools) == 0 || general.SystemPrompt == "" {
		t.Error("general_agent profile incomplete")
	}

	code, ok := profiles[KindCodeJob]
	if !ok {
		t.Fatal("code_job profile missing")
	}
	for _, tool := range []string{"ask_user", "patch_cached", "fs_write_cached", "run_program"} {
		found := false
		for _, name := range code.AllowedTools {
			if name == tool {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("code_job missing tool %q", tool)
		}
	}
	if !strings.Contains(code.SystemPrompt, "FORBIDDEN") {
		t.Error("code_job prompt lost its hard rules section")
	}
}
