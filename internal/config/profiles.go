package config

import (
	"embed"
	"fmt"
)

//go:embed prompts/*.md
var promptFS embed.FS

// Task kinds shipped with the orchestrator.
const (
	KindGeneralAgent = "general_agent"
	KindCodeJob      = "code_job"
)

// BuiltinProfiles returns the task profiles shipped with the server. The
// returned map is freshly allocated on each call so callers may mutate it.
func BuiltinProfiles() map[string]TaskProfile {
	return map[string]TaskProfile{
		KindGeneralAgent: {
			Description:  "Long-running general purpose agent",
			SystemPrompt: mustPrompt(KindGeneralAgent),
			AllowedTools: []string{
				"shell_exec",
				"fs_list",
				"fs_read",
				"fs_write",
				"fs_delete",
				"run_program",
			},
		},
		KindCodeJob: {
			Description:  "One-off code inspection or modification task",
			SystemPrompt: mustPrompt(KindCodeJob),
			AllowedTools: []string{
				"fs_list",
				"fs_read",
				"fs_write",
				"write_and_run",
				"run_program",
				"send_status",
				"ask_user",
				"patch_cached",
				"lua_check_cached",
				"diff_cached",
				"fs_write_cached",
			},
		},
	}
}

func mustPrompt(kind string) string {
	data, err := promptFS.ReadFile("prompts/" + kind + ".md")
	if err != nil {
		panic(fmt.Sprintf("builtin prompt %q missing: %v", kind, err))
	}
	return string(data)
}
