package bridge

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"

	"github.com/dshills/toolbridge/internal/settings"
)

// ConfigSync keeps the tool's view of the configuration aligned with the
// editor-side store. It pushes workspace/didChangeConfiguration when
// settings change while a session is running, answers the tool's
// workspace/configuration pulls, and builds the initializationOptions
// payload for the handshake. A change that lands while no session is
// Running is held and flushed once one is.
type ConfigSync struct {
	store   *settings.Store
	section string
	logger  *slog.Logger

	mu      sync.Mutex
	session *Session

	// dirty records a change that arrived while no session could take
	// it; Flush delivers it once a session is Running.
	dirty bool

	sub *settings.Subscription
}

// NewConfigSync creates a synchronizer over the store. section is the
// configuration namespace the tool asks for (e.g. "toolbridge").
func NewConfigSync(store *settings.Store, section string, logger *slog.Logger) *ConfigSync {
	if logger == nil {
		logger = slog.Default()
	}
	c := &ConfigSync{store: store, section: section, logger: logger}
	c.sub = store.Subscribe(c.onChange)
	return c
}

// Close detaches the synchronizer from the store.
func (c *ConfigSync) Close() {
	if c.sub != nil {
		c.sub.Unsubscribe()
	}
	c.mu.Lock()
	c.session = nil
	c.mu.Unlock()
}

// Bind attaches the synchronizer to a session, replacing any previous
// binding, and registers the workspace/configuration handler on it.
// Call before Session.Start so the handler is in place for the
// handshake.
func (c *ConfigSync) Bind(s *Session) {
	c.mu.Lock()
	c.session = s
	c.mu.Unlock()
	s.HandleRequest(MethodConfiguration, c.handleConfiguration)
}

// InitializationOptions builds the settings payload for the initialize
// request: the global settings plus one entry per workspace scope.
func (c *ConfigSync) InitializationOptions() any {
	scopes := c.store.Scopes()
	perScope := make([]map[string]any, 0, len(scopes))
	for _, scope := range scopes {
		entry := settingsPayload(c.store.ForScope(scope))
		entry["workspace"] = scope
		perScope = append(perScope, entry)
	}
	return map[string]any{
		"globalSettings": settingsPayload(c.store.Global()),
		"settings":       perScope,
	}
}

// onChange pushes the updated configuration to the running session.
// While no session is Running the change is held; Flush delivers it.
func (c *ConfigSync) onChange(change settings.Change) {
	c.mu.Lock()
	session := c.session
	if session == nil || session.State() != StateRunning {
		c.dirty = true
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	c.push(session, change.Scope)
}

// Flush delivers a change that was held while no session could receive
// it. The supervisor calls it once a session reaches Running.
func (c *ConfigSync) Flush() {
	c.mu.Lock()
	session := c.session
	if !c.dirty || session == nil || session.State() != StateRunning {
		c.mu.Unlock()
		return
	}
	c.dirty = false
	c.mu.Unlock()

	c.push(session, "")
}

func (c *ConfigSync) push(session *Session, scope string) {
	err := session.Notify(MethodDidChangeConfiguration, DidChangeConfigurationParams{
		Settings: c.InitializationOptions(),
	})
	if err != nil {
		c.logger.Warn("configuration push failed", slog.Any("error", err))
		return
	}
	c.logger.Debug("configuration pushed", slog.String("scope", scope))
}

// handleConfiguration answers a workspace/configuration pull: one result
// per requested item, resolved against the item's scope and section.
func (c *ConfigSync) handleConfiguration(_ context.Context, raw json.RawMessage) (any, error) {
	var params ConfigurationParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, &ResponseError{Code: CodeInvalidParams, Message: err.Error()}
	}

	results := make([]any, len(params.Items))
	for i, item := range params.Items {
		var scoped settings.Settings
		if item.ScopeURI != "" {
			scoped = c.store.ForScope(string(item.ScopeURI))
		} else {
			scoped = c.store.Global()
		}
		results[i] = scoped.Section(c.trimSection(item.Section))
	}
	return results, nil
}

// trimSection strips the tool's namespace prefix so "toolbridge.args"
// addresses the "args" field. A bare namespace means the whole map.
func (c *ConfigSync) trimSection(section string) string {
	if c.section == "" {
		return section
	}
	if section == c.section {
		return ""
	}
	return strings.TrimPrefix(section, c.section+".")
}

func settingsPayload(s settings.Settings) map[string]any {
	data, err := json.Marshal(s)
	if err != nil {
		return map[string]any{}
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return map[string]any{}
	}
	return m
}
