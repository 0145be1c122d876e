package bridge

import (
	"bufio"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
)

// TraceLevel controls how much of the wire traffic is mirrored to the
// log sink.
type TraceLevel int

const (
	// TraceOff mirrors nothing.
	TraceOff TraceLevel = iota
	// TraceMessages mirrors method and id for every frame.
	TraceMessages
	// TraceVerbose mirrors full frame payloads.
	TraceVerbose
)

// ParseTraceLevel maps the setting value to a TraceLevel.
// Unknown values fall back to off.
func ParseTraceLevel(s string) TraceLevel {
	switch s {
	case "messages":
		return TraceMessages
	case "verbose":
		return TraceVerbose
	default:
		return TraceOff
	}
}

// String returns the setting form of the level.
func (l TraceLevel) String() string {
	switch l {
	case TraceMessages:
		return "messages"
	case TraceVerbose:
		return "verbose"
	default:
		return "off"
	}
}

// Transport frames messages over one tool process's byte streams.
// Writers serialize through a single lock so two frames are never
// interleaved on the wire; the reader side is single-consumer by
// construction (only the router's read loop calls ReadFrame).
type Transport struct {
	reader *bufio.Reader
	writer io.Writer
	closer io.Closer

	writeMu sync.Mutex
	closed  atomic.Bool

	trace  TraceLevel
	logger *slog.Logger
}

// TransportOption configures a Transport.
type TransportOption func(*Transport)

// WithTrace mirrors frames to the logger at the given level.
func WithTrace(level TraceLevel) TransportOption {
	return func(t *Transport) { t.trace = level }
}

// WithTransportLogger sets the log sink. Defaults to slog.Default().
func WithTransportLogger(logger *slog.Logger) TransportOption {
	return func(t *Transport) { t.logger = logger }
}

// NewTransport creates a transport over the given streams. closer, if
// non-nil, is closed along with the transport (typically the process's
// stdin pipe).
func NewTransport(r io.Reader, w io.Writer, c io.Closer, opts ...TransportOption) *Transport {
	t := &Transport{
		reader: bufio.NewReaderSize(r, 64*1024),
		writer: w,
		closer: c,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// WriteFrame encodes and writes one message. Concurrent callers are
// serialized; frames hit the wire in lock-acquisition order.
func (t *Transport) WriteFrame(m *Message) error {
	if t.closed.Load() {
		return ErrClosed
	}

	frame, err := EncodeFrame(m)
	if err != nil {
		return err
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if t.closed.Load() {
		return ErrClosed
	}
	if _, err := t.writer.Write(frame); err != nil {
		return err
	}
	t.traceFrame("send", m)
	return nil
}

// ReadFrame blocks until one full frame is available or the stream
// closes. A clean close returns io.EOF; corruption returns *FramingError.
func (t *Transport) ReadFrame() (*Message, error) {
	m, err := ReadFrame(t.reader)
	if err != nil {
		return nil, err
	}
	t.traceFrame("recv", m)
	return m, nil
}

// Close closes the transport. Safe to call more than once.
func (t *Transport) Close() error {
	if t.closed.Swap(true) {
		return nil
	}
	if t.closer != nil {
		return t.closer.Close()
	}
	return nil
}

// IsClosed reports whether the transport has been closed.
func (t *Transport) IsClosed() bool { return t.closed.Load() }

func (t *Transport) traceFrame(dir string, m *Message) {
	if t.trace == TraceOff {
		return
	}
	attrs := []any{slog.String("dir", dir)}
	if m.Method != "" {
		attrs = append(attrs, slog.String("method", m.Method))
	}
	if m.ID != nil {
		attrs = append(attrs, slog.String("id", m.ID.String()))
	}
	if t.trace == TraceVerbose {
		if m.Params != nil {
			attrs = append(attrs, slog.String("params", string(m.Params)))
		}
		if m.Result != nil {
			attrs = append(attrs, slog.String("result", string(m.Result)))
		}
		if m.Error != nil {
			attrs = append(attrs, slog.String("error", m.Error.Error()))
		}
	}
	t.logger.Debug("rpc frame", attrs...)
}
