package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/mattjoyce/toolgate/internal/capability"
)

// Version is the protocol version this server speaks.
const Version = "1.0.0"

// Method is the closed set of request methods.
type Method string

const (
	MethodInitialize       Method = "initialize"
	MethodListCapabilities Method = "list_capabilities"
	MethodInvokeCapability Method = "invoke_capability"
)

// Valid reports whether m is a known method.
func (m Method) Valid() bool {
	switch m {
	case MethodInitialize, MethodListCapabilities, MethodInvokeCapability:
		return true
	}
	return false
}

// Error codes. The -327xx/-326xx values follow JSON-RPC 2.0; -3200x are
// server-defined.
const (
	CodeParseError         = -32700
	CodeInvalidRequest     = -32600
	CodeMethodNotFound     = -32601
	CodeInvalidParams      = -32602
	CodeInternalError      = -32603
	CodeCapabilityNotFound = -32001
	CodeNotInitialized     = -32002
)

// Request is one inbound line. ID is kept raw so string and numeric
// correlation ids are echoed back unchanged.
type Request struct {
	ID     json.RawMessage `json:"id,omitempty"`
	Method Method          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response is one outbound line: exactly one of Result and Error is set.
type Response struct {
	ID     json.RawMessage `json:"id"`
	Result any             `json:"result,omitempty"`
	Error  *RPCError       `json:"error,omitempty"`
}

// RPCError is the structured error of a Response.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("protocol error %d: %s", e.Code, e.Message)
}

func newError(code int, msg string, data any) *RPCError {
	return &RPCError{Code: code, Message: msg, Data: data}
}

// PeerInfo identifies either end of a session.
type PeerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
}

type InitializeParams struct {
	ProtocolVersion string         `json:"protocolVersion"`
	Features        map[string]any `json:"features,omitempty"`
	ClientInfo      PeerInfo       `json:"clientInfo"`
}

type InitializeResult struct {
	ProtocolVersion string         `json:"protocolVersion"`
	Features        map[string]any `json:"features"`
	ServerInfo      PeerInfo       `json:"serverInfo"`
}

// CapabilityInfo is one entry of the list_capabilities result.
type CapabilityInfo struct {
	Name        string            `json:"name"`
	Description string            `json:"description"`
	InputSchema capability.Schema `json:"inputSchema"`
}

type InvokeParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// Content part types.
const (
	ContentText = "text"
	ContentJSON = "application/json"
)

// ContentPart is either a text part or a structured JSON part.
type ContentPart struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
	JSON any    `json:"json,omitempty"`
}

// MarshalJSON always emits the field that matches the part type, even when empty.
func (p ContentPart) MarshalJSON() ([]byte, error) {
	if p.Type == ContentJSON {
		return json.Marshal(struct {
			Type string `json:"type"`
			JSON any    `json:"json"`
		}{p.Type, p.JSON})
	}
	return json.Marshal(struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}{p.Type, p.Text})
}

func TextPart(s string) ContentPart { return ContentPart{Type: ContentText, Text: s} }
func JSONPart(v any) ContentPart    { return ContentPart{Type: ContentJSON, JSON: v} }

// InvokeResult is the result of invoke_capability.
type InvokeResult struct {
	Content []ContentPart `json:"content"`
	IsError bool          `json:"isError"`
}

// FailureDetail is the body of an undeclared failure. Detail is an opaque
// incident id that matches the server-side log entry.
type FailureDetail struct {
	Message string `json:"message"`
	Detail  string `json:"detail"`
}
