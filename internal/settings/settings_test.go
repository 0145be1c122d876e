package settings

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestCommand(t *testing.T) {
	tests := []struct {
		name     string
		settings Settings
		bundled  string
		want     []string
	}{
		{
			name:    "bundled only",
			bundled: "/opt/tool/server.py",
			want:    []string{"/opt/tool/server.py"},
		},
		{
			name:     "interpreter launches bundled",
			settings: Settings{Interpreter: []string{"python3", "-u"}},
			bundled:  "/opt/tool/server.py",
			want:     []string{"python3", "-u", "/opt/tool/server.py"},
		},
		{
			name:     "explicit path wins over interpreter",
			settings: Settings{Path: []string{"/usr/bin/tool"}, Interpreter: []string{"python3"}},
			bundled:  "/opt/tool/server.py",
			want:     []string{"/usr/bin/tool"},
		},
		{
			name:     "args always appended",
			settings: Settings{Path: []string{"/usr/bin/tool"}, Args: []string{"--strict", "-v"}},
			bundled:  "/opt/tool/server.py",
			want:     []string{"/usr/bin/tool", "--strict", "-v"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.settings.Command(tt.bundled)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("Command mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestEnv(t *testing.T) {
	s := Settings{ImportStrategy: ImportFromEnvironment}
	got := s.Env()
	if len(got) != 1 || got[0] != "LS_IMPORT_STRATEGY=fromEnvironment" {
		t.Errorf("Env = %v", got)
	}

	if got := (Settings{}).Env(); len(got) != 0 {
		t.Errorf("empty settings Env = %v", got)
	}
}

func TestMerge(t *testing.T) {
	base := Default()
	base.Args = []string{"--base"}

	override := Settings{
		Trace: "verbose",
		Args:  []string{"--override"},
	}

	got := merge(base, override)
	if got.Trace != "verbose" {
		t.Errorf("Trace = %q", got.Trace)
	}
	if len(got.Args) != 1 || got.Args[0] != "--override" {
		t.Errorf("Args = %v", got.Args)
	}
	// Untouched fields come from the base.
	if got.ImportStrategy != ImportUseBundled {
		t.Errorf("ImportStrategy = %q", got.ImportStrategy)
	}
}

func TestSection(t *testing.T) {
	s := Settings{Trace: "messages", Args: []string{"-v"}}

	if got := s.Section("trace"); got != "messages" {
		t.Errorf("trace = %v", got)
	}
	if got := s.Section("nope"); got != nil {
		t.Errorf("unknown section = %v", got)
	}
	whole, ok := s.Section("").(map[string]any)
	if !ok {
		t.Fatal("empty section did not return the whole map")
	}
	if whole["trace"] != "messages" {
		t.Errorf("whole map = %v", whole)
	}
	// Dotted paths cannot descend into scalars.
	if got := s.Section("trace.deeper"); got != nil {
		t.Errorf("scalar descent = %v", got)
	}
}
