package settings

import (
	"fmt"
	"os"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// File is the on-disk configuration schema. Top-level keys are the
// global settings; [workspace."<uri>"] tables override per workspace.
type File struct {
	Settings
	Workspace map[string]Settings `toml:"workspace"`
}

// ParseError reports a malformed configuration file.
type ParseError struct {
	Path string
	Err  error
}

// Error implements the error interface.
func (e *ParseError) Error() string {
	return fmt.Sprintf("parse config %s: %v", e.Path, e.Err)
}

// Unwrap returns the underlying error.
func (e *ParseError) Unwrap() error { return e.Err }

// Load reads the configuration file at path and applies environment
// overrides. A missing file is not an error; defaults are returned.
func Load(path string) (*File, error) {
	f := &File{Settings: Default()}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			applyEnv(&f.Settings)
			return f, nil
		}
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	var parsed File
	if err := toml.Unmarshal(data, &parsed); err != nil {
		return nil, &ParseError{Path: path, Err: err}
	}

	f.Settings = merge(Default(), parsed.Settings)
	f.Workspace = parsed.Workspace
	applyEnv(&f.Settings)

	if err := f.Settings.validate(); err != nil {
		return nil, &ParseError{Path: path, Err: err}
	}
	for uri, ws := range f.Workspace {
		if err := ws.validate(); err != nil {
			return nil, &ParseError{Path: path, Err: fmt.Errorf("workspace %q: %w", uri, err)}
		}
	}
	return f, nil
}

// Apply loads the store from the file content.
func (f *File) Apply(store *Store) {
	store.Replace(f.Settings, f.Workspace)
}

// Environment variable overrides. List values are colon-separated.
const (
	envPath           = "TOOLBRIDGE_PATH"
	envArgs           = "TOOLBRIDGE_ARGS"
	envInterpreter    = "TOOLBRIDGE_INTERPRETER"
	envImportStrategy = "TOOLBRIDGE_IMPORT_STRATEGY"
	envTrace          = "TOOLBRIDGE_TRACE"
)

func applyEnv(s *Settings) {
	if v := os.Getenv(envPath); v != "" {
		s.Path = strings.Split(v, ":")
	}
	if v := os.Getenv(envArgs); v != "" {
		s.Args = strings.Split(v, ":")
	}
	if v := os.Getenv(envInterpreter); v != "" {
		s.Interpreter = strings.Split(v, ":")
	}
	if v := os.Getenv(envImportStrategy); v != "" {
		s.ImportStrategy = v
	}
	if v := os.Getenv(envTrace); v != "" {
		s.Trace = v
	}
}

// validate rejects unknown enum values early, before they reach the tool.
func (s Settings) validate() error {
	switch s.ImportStrategy {
	case "", ImportUseBundled, ImportFromEnvironment:
	default:
		return fmt.Errorf("invalid import_strategy %q", s.ImportStrategy)
	}
	switch s.Trace {
	case "", "off", "messages", "verbose":
	default:
		return fmt.Errorf("invalid trace %q", s.Trace)
	}
	switch s.ShowNotifications {
	case "", NotifyOff, NotifyOnError, NotifyOnWarning, NotifyAlways:
	default:
		return fmt.Errorf("invalid show_notifications %q", s.ShowNotifications)
	}
	return nil
}
