// Package settings is the editor-side settings store for the bridge.
//
// Settings are loaded from a TOML file with environment overrides,
// scoped per workspace folder, and observed for changes so the bridge
// can push workspace/didChangeConfiguration notifications and answer
// workspace/configuration pulls.
package settings

import (
	"encoding/json"
	"strings"
)

// Import strategies for the tool's bundled library path.
const (
	ImportUseBundled      = "useBundled"
	ImportFromEnvironment = "fromEnvironment"
)

// Notification gating levels.
const (
	NotifyOff       = "off"
	NotifyOnError   = "onError"
	NotifyOnWarning = "onWarning"
	NotifyAlways    = "always"
)

// Settings is the configuration for one scope (global or one workspace).
// JSON tags match the option names the tool expects on the wire.
type Settings struct {
	// Path overrides the tool executable; when set it is used verbatim
	// as the command argv prefix.
	Path []string `toml:"path" json:"path"`

	// Args are extra arguments always passed to the tool.
	Args []string `toml:"args" json:"args"`

	// Interpreter is the runtime argv prefix (e.g. a python interpreter)
	// used to launch the bundled tool when Path is not set.
	Interpreter []string `toml:"interpreter" json:"interpreter"`

	// ImportStrategy selects how the tool resolves its libraries:
	// useBundled or fromEnvironment.
	ImportStrategy string `toml:"import_strategy" json:"importStrategy"`

	// Trace mirrors wire traffic to the log sink: off, messages, verbose.
	Trace string `toml:"trace" json:"trace"`

	// ShowNotifications gates user-facing notices from the tool:
	// off, onError, onWarning, always.
	ShowNotifications string `toml:"show_notifications" json:"showNotifications"`

	// Cwd is the working directory for the tool process.
	Cwd string `toml:"cwd" json:"cwd"`
}

// Default returns the default Settings.
func Default() Settings {
	return Settings{
		ImportStrategy:    ImportUseBundled,
		Trace:             "off",
		ShowNotifications: NotifyOff,
	}
}

// Command resolves the argv used to spawn the tool. An explicit Path
// wins; otherwise the interpreter prefix (if any) launches the bundled
// tool. Args are always appended.
func (s Settings) Command(bundled string) []string {
	var argv []string
	switch {
	case len(s.Path) > 0:
		argv = append(argv, s.Path...)
	case len(s.Interpreter) > 0:
		argv = append(argv, s.Interpreter...)
		argv = append(argv, bundled)
	default:
		argv = append(argv, bundled)
	}
	return append(argv, s.Args...)
}

// Env returns the NAME=VALUE pairs exported to the tool process.
func (s Settings) Env() []string {
	var env []string
	if s.ImportStrategy != "" {
		env = append(env, "LS_IMPORT_STRATEGY="+s.ImportStrategy)
	}
	return env
}

// merge returns base with any non-zero field of override applied.
func merge(base, override Settings) Settings {
	out := base
	if len(override.Path) > 0 {
		out.Path = override.Path
	}
	if len(override.Args) > 0 {
		out.Args = override.Args
	}
	if len(override.Interpreter) > 0 {
		out.Interpreter = override.Interpreter
	}
	if override.ImportStrategy != "" {
		out.ImportStrategy = override.ImportStrategy
	}
	if override.Trace != "" {
		out.Trace = override.Trace
	}
	if override.ShowNotifications != "" {
		out.ShowNotifications = override.ShowNotifications
	}
	if override.Cwd != "" {
		out.Cwd = override.Cwd
	}
	return out
}

// asMap renders settings as the generic value sent over the wire.
func (s Settings) asMap() map[string]any {
	data, err := json.Marshal(s)
	if err != nil {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil
	}
	return m
}

// Section extracts a dot-separated section from the settings, the way
// workspace/configuration addresses values. An empty section returns the
// whole map; an unknown section returns nil.
func (s Settings) Section(section string) any {
	m := s.asMap()
	if section == "" {
		return m
	}
	var cur any = m
	for _, part := range strings.Split(section, ".") {
		node, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur, ok = node[part]
		if !ok {
			return nil
		}
	}
	return cur
}
