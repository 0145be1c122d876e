package bridge

import "encoding/json"

// LSP method names used by the lifecycle layer. Tool-specific methods
// are passed through opaquely and never appear here.
const (
	MethodInitialize             = "initialize"
	MethodInitialized            = "initialized"
	MethodShutdown               = "shutdown"
	MethodExit                   = "exit"
	MethodDidChangeConfiguration = "workspace/didChangeConfiguration"
	MethodConfiguration          = "workspace/configuration"
	MethodLogMessage             = "window/logMessage"
	MethodShowMessage            = "window/showMessage"
)

// DocumentURI identifies a document or folder, e.g. "file:///a/b".
type DocumentURI string

// WorkspaceFolder is one root directory of the workspace.
type WorkspaceFolder struct {
	URI  DocumentURI `json:"uri"`
	Name string      `json:"name"`
}

// InitializeParams is sent with the initialize request.
type InitializeParams struct {
	ProcessID             int                `json:"processId,omitempty"`
	RootURI               DocumentURI        `json:"rootUri,omitempty"`
	Capabilities          ClientCapabilities `json:"capabilities"`
	InitializationOptions any                `json:"initializationOptions,omitempty"`
	WorkspaceFolders      []WorkspaceFolder  `json:"workspaceFolders,omitempty"`
	Trace                 string             `json:"trace,omitempty"`
}

// ClientCapabilities advertises what this client supports. Only the
// capabilities the lifecycle layer itself relies on are declared; the
// rest is the plugged-in tool's business.
type ClientCapabilities struct {
	Workspace WorkspaceClientCapabilities `json:"workspace"`
}

// WorkspaceClientCapabilities covers workspace-level client features.
type WorkspaceClientCapabilities struct {
	Configuration          bool `json:"configuration"`
	DidChangeConfiguration struct {
		DynamicRegistration bool `json:"dynamicRegistration"`
	} `json:"didChangeConfiguration"`
	WorkspaceFolders bool `json:"workspaceFolders"`
}

// DefaultClientCapabilities returns the capabilities the bridge
// advertises during the handshake.
func DefaultClientCapabilities() ClientCapabilities {
	var c ClientCapabilities
	c.Workspace.Configuration = true
	c.Workspace.WorkspaceFolders = true
	return c
}

// InitializeResult is the tool's answer to initialize.
type InitializeResult struct {
	Capabilities json.RawMessage `json:"capabilities"`
	ServerInfo   *ServerInfo     `json:"serverInfo,omitempty"`
}

// ServerInfo names the tool that answered the handshake.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
}

// InitializedParams is sent with the initialized notification.
type InitializedParams struct{}

// DidChangeConfigurationParams carries a settings push to the tool.
type DidChangeConfigurationParams struct {
	Settings any `json:"settings"`
}

// ConfigurationParams is a workspace/configuration pull from the tool.
type ConfigurationParams struct {
	Items []ConfigurationItem `json:"items"`
}

// ConfigurationItem scopes one requested configuration value.
type ConfigurationItem struct {
	ScopeURI DocumentURI `json:"scopeUri,omitempty"`
	Section  string      `json:"section,omitempty"`
}

// MessageType is the severity of a window/logMessage or
// window/showMessage notification.
type MessageType int

const (
	// MessageError is an error message.
	MessageError MessageType = 1
	// MessageWarning is a warning message.
	MessageWarning MessageType = 2
	// MessageInfo is an informational message.
	MessageInfo MessageType = 3
	// MessageLog is a log message.
	MessageLog MessageType = 4
)

// String returns the severity name.
func (t MessageType) String() string {
	switch t {
	case MessageError:
		return "error"
	case MessageWarning:
		return "warning"
	case MessageInfo:
		return "info"
	case MessageLog:
		return "log"
	default:
		return "unknown"
	}
}

// LogMessageParams carries window/logMessage and window/showMessage
// payloads.
type LogMessageParams struct {
	Type    MessageType `json:"type"`
	Message string      `json:"message"`
}
