package bridge

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// ID is a JSON-RPC message id. The protocol allows both integer and
// string ids; outgoing requests always use integers, but the tool may
// address us with either form.
type ID struct {
	num      int64
	str      string
	isString bool
}

// NumberID returns an integer id.
func NumberID(n int64) ID { return ID{num: n} }

// StringID returns a string id.
func StringID(s string) ID { return ID{str: s, isString: true} }

// String returns the id in display form.
func (id ID) String() string {
	if id.isString {
		return strconv.Quote(id.str)
	}
	return strconv.FormatInt(id.num, 10)
}

// Number returns the integer value and whether the id is an integer.
func (id ID) Number() (int64, bool) {
	return id.num, !id.isString
}

// MarshalJSON implements json.Marshaler.
func (id ID) MarshalJSON() ([]byte, error) {
	if id.isString {
		return json.Marshal(id.str)
	}
	return json.Marshal(id.num)
}

// UnmarshalJSON implements json.Unmarshaler.
func (id *ID) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		id.isString = true
		return json.Unmarshal(data, &id.str)
	}
	id.isString = false
	return json.Unmarshal(data, &id.num)
}

// Message is a single JSON-RPC 2.0 message. A message is a request if it
// has both an id and a method, a response if it has an id and a result or
// error, and a notification if it has a method and no id.
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *ID             `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *ResponseError  `json:"error,omitempty"`
}

// IsRequest reports whether the message is a request.
func (m *Message) IsRequest() bool {
	return m.ID != nil && m.Method != ""
}

// IsResponse reports whether the message is a response.
func (m *Message) IsResponse() bool {
	return m.ID != nil && m.Method == "" && (m.Result != nil || m.Error != nil)
}

// IsNotification reports whether the message is a notification.
func (m *Message) IsNotification() bool {
	return m.ID == nil && m.Method != ""
}

// newRequest builds an outgoing request, marshaling params.
func newRequest(id int64, method string, params any) (*Message, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, fmt.Errorf("marshal params for %s: %w", method, err)
	}
	rid := NumberID(id)
	return &Message{JSONRPC: jsonRPCVersion, ID: &rid, Method: method, Params: raw}, nil
}

// newNotification builds an outgoing notification, marshaling params.
func newNotification(method string, params any) (*Message, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, fmt.Errorf("marshal params for %s: %w", method, err)
	}
	return &Message{JSONRPC: jsonRPCVersion, Method: method, Params: raw}, nil
}

// newResponse builds a response to an inbound request.
func newResponse(id ID, result any, respErr *ResponseError) (*Message, error) {
	msg := &Message{JSONRPC: jsonRPCVersion, ID: &id, Error: respErr}
	if respErr == nil {
		raw, err := json.Marshal(result)
		if err != nil {
			return nil, fmt.Errorf("marshal result: %w", err)
		}
		msg.Result = raw
	}
	return msg, nil
}

func marshalParams(params any) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	if raw, ok := params.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(params)
}

const jsonRPCVersion = "2.0"

const contentLengthHeader = "Content-Length"

// EncodeFrame serializes one message to the LSP base protocol wire form:
// a Content-Length header, a blank line, then the JSON body.
func EncodeFrame(m *Message) ([]byte, error) {
	body, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal message: %w", err)
	}
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "%s: %d\r\n\r\n", contentLengthHeader, len(body))
	buf.Write(body)
	return buf.Bytes(), nil
}

// ReadFrame consumes exactly one frame from r and parses its body.
// A clean stream close at a frame boundary returns io.EOF; anything
// malformed or truncated returns a *FramingError.
func ReadFrame(r *bufio.Reader) (*Message, error) {
	length := -1
	sawHeader := false
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			if err == io.EOF && !sawHeader && line == "" {
				return nil, io.EOF
			}
			return nil, &FramingError{Reason: "stream closed mid-header", Err: err}
		}
		sawHeader = true
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break // end of header block
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			return nil, &FramingError{Reason: fmt.Sprintf("malformed header line %q", line)}
		}
		if strings.EqualFold(strings.TrimSpace(name), contentLengthHeader) {
			n, err := strconv.Atoi(strings.TrimSpace(value))
			if err != nil {
				return nil, &FramingError{Reason: fmt.Sprintf("non-numeric Content-Length %q", strings.TrimSpace(value)), Err: err}
			}
			if n < 0 {
				return nil, &FramingError{Reason: fmt.Sprintf("negative Content-Length %d", n)}
			}
			length = n
		}
		// Content-Type and unknown headers are ignored.
	}

	if length < 0 {
		return nil, &FramingError{Reason: "missing Content-Length header"}
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, &FramingError{Reason: fmt.Sprintf("stream closed before %d declared bytes", length), Err: err}
	}

	var msg Message
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, &FramingError{Reason: "invalid JSON body", Err: err}
	}
	return &msg, nil
}
