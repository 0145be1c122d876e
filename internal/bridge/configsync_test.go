package bridge

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/dshills/toolbridge/internal/settings"
)

func TestConfigSyncInitializationOptions(t *testing.T) {
	store := settings.NewStore()
	global := settings.Default()
	global.Args = []string{"--strict"}
	ws := settings.Settings{Trace: "verbose"}
	store.Replace(global, map[string]settings.Settings{"file:///proj": ws})

	sync := NewConfigSync(store, "toolbridge", nil)
	defer sync.Close()

	opts, ok := sync.InitializationOptions().(map[string]any)
	if !ok {
		t.Fatal("unexpected payload shape")
	}

	gs, ok := opts["globalSettings"].(map[string]any)
	if !ok {
		t.Fatal("missing globalSettings")
	}
	args, _ := gs["args"].([]any)
	if len(args) != 1 || args[0] != "--strict" {
		t.Errorf("global args = %v", gs["args"])
	}

	perScope, ok := opts["settings"].([]map[string]any)
	if !ok || len(perScope) != 1 {
		t.Fatalf("per-scope settings = %v", opts["settings"])
	}
	if perScope[0]["workspace"] != "file:///proj" {
		t.Errorf("workspace = %v", perScope[0]["workspace"])
	}
	if perScope[0]["trace"] != "verbose" {
		t.Errorf("trace = %v", perScope[0]["trace"])
	}
}

func TestConfigSyncPushOnChange(t *testing.T) {
	store := settings.NewStore()
	sync := NewConfigSync(store, "toolbridge", nil)
	defer sync.Close()

	session, tool := newTestSession(t, true, SessionConfig{})
	sync.Bind(session)
	if err := session.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer session.Stop(context.Background())

	updated := settings.Default()
	updated.Trace = "messages"
	store.SetGlobal(updated)

	deadline := time.After(2 * time.Second)
	for {
		for _, m := range tool.seen() {
			if m == MethodDidChangeConfiguration {
				return
			}
		}
		select {
		case <-deadline:
			t.Fatalf("no configuration push, saw %v", tool.seen())
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestConfigSyncDeliversChangeMadeDuringHandshake(t *testing.T) {
	store := settings.NewStore()
	sync := NewConfigSync(store, "toolbridge", nil)
	defer sync.Close()

	// A tool that holds the initialize response until released, so the
	// session sits in Handshaking while the settings change lands.
	worker := newFakeWorker()
	tool := newFakeTool(worker)
	release := make(chan struct{})
	go func() {
		for {
			msg, err := ReadFrame(tool.reader)
			if err != nil {
				return
			}
			if msg.Method != "" {
				tool.record(msg.Method)
			}
			switch msg.Method {
			case MethodInitialize:
				<-release
				tool.respond(*msg.ID, InitializeResult{Capabilities: json.RawMessage(`{}`)})
			case MethodShutdown:
				tool.respond(*msg.ID, nil)
			case MethodExit:
				worker.exit(nil)
				return
			}
		}
	}()

	session := NewSession(SessionConfig{
		Factory: func() (Worker, error) { return worker, nil },
	})
	t.Cleanup(func() { worker.exit(nil) })
	sync.Bind(session)

	started := make(chan error, 1)
	go func() { started <- session.Start(context.Background()) }()

	deadline := time.After(2 * time.Second)
	for len(tool.seen()) == 0 {
		select {
		case <-deadline:
			t.Fatal("initialize never hit the wire")
		case <-time.After(10 * time.Millisecond):
		}
	}

	updated := settings.Default()
	updated.Trace = "verbose"
	store.SetGlobal(updated)

	close(release)
	if err := <-started; err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer session.Stop(context.Background())

	// The supervisor flushes once the session is Running.
	sync.Flush()

	deadline = time.After(2 * time.Second)
	for {
		for _, m := range tool.seen() {
			if m == MethodDidChangeConfiguration {
				return
			}
		}
		select {
		case <-deadline:
			t.Fatalf("mid-handshake change never delivered, saw %v", tool.seen())
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestConfigSyncNoPushWhileStopped(t *testing.T) {
	store := settings.NewStore()
	sync := NewConfigSync(store, "toolbridge", nil)
	defer sync.Close()

	session, tool := newTestSession(t, true, SessionConfig{})
	sync.Bind(session)

	// A change before the session runs is held; nothing reaches the
	// wire until Flush.
	store.SetGlobal(settings.Settings{Trace: "verbose"})

	if err := session.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer session.Stop(context.Background())

	for _, m := range tool.seen() {
		if m == MethodDidChangeConfiguration {
			t.Fatal("change pushed while stopped")
		}
	}
}

func TestConfigSyncAnswersConfigurationPull(t *testing.T) {
	store := settings.NewStore()
	global := settings.Default()
	global.ImportStrategy = settings.ImportFromEnvironment
	ws := settings.Settings{ImportStrategy: settings.ImportUseBundled}
	store.Replace(global, map[string]settings.Settings{"file:///proj": ws})

	sync := NewConfigSync(store, "toolbridge", nil)
	defer sync.Close()

	session, _ := newTestSession(t, true, SessionConfig{})
	sync.Bind(session)

	params, _ := json.Marshal(ConfigurationParams{Items: []ConfigurationItem{
		{Section: "toolbridge.importStrategy"},
		{ScopeURI: "file:///proj/sub", Section: "toolbridge.importStrategy"},
		{Section: "toolbridge.unknown"},
	}})

	raw, err := sync.handleConfiguration(context.Background(), params)
	if err != nil {
		t.Fatalf("handleConfiguration: %v", err)
	}
	results, ok := raw.([]any)
	if !ok || len(results) != 3 {
		t.Fatalf("results = %v", raw)
	}
	if results[0] != settings.ImportFromEnvironment {
		t.Errorf("global pull = %v", results[0])
	}
	if results[1] != settings.ImportUseBundled {
		t.Errorf("scoped pull = %v", results[1])
	}
	if results[2] != nil {
		t.Errorf("unknown section = %v", results[2])
	}
}

func TestConfigSyncSectionTrim(t *testing.T) {
	sync := NewConfigSync(settings.NewStore(), "toolbridge", nil)
	defer sync.Close()

	tests := []struct {
		in, want string
	}{
		{"toolbridge", ""},
		{"toolbridge.args", "args"},
		{"other.section", "other.section"},
	}
	for _, tt := range tests {
		if got := sync.trimSection(tt.in); got != tt.want {
			t.Errorf("trimSection(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
