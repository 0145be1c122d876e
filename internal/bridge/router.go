package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

// RequestHandler serves one inbound request method. The returned value is
// marshaled into the response; returning a *ResponseError sends it as the
// protocol error, any other error becomes an internal error response.
type RequestHandler func(ctx context.Context, params json.RawMessage) (any, error)

// NotificationHandler consumes one inbound notification method.
type NotificationHandler func(ctx context.Context, params json.RawMessage)

// Router is the single-writer, single-reader message pump over one
// Transport. It matches responses to pending callers and dispatches
// inbound requests and notifications to registered handlers.
type Router struct {
	transport *Transport
	logger    *slog.Logger

	nextID  atomic.Int64
	mu      sync.Mutex
	pending map[int64]chan *Message

	handlerMu    sync.RWMutex
	reqHandlers  map[string]RequestHandler
	noteHandlers map[string]NotificationHandler

	// Inbound requests and notifications are dispatched off the read
	// loop through a single ordered queue so a slow handler cannot
	// stall frame decoding while arrival order is preserved.
	dispatchCh chan *Message
	dispatchWG sync.WaitGroup

	done     chan struct{}
	failOnce sync.Once
	failErr  error
}

// NewRouter creates a router over the given transport.
func NewRouter(t *Transport, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		transport:    t,
		logger:       logger,
		pending:      make(map[int64]chan *Message),
		reqHandlers:  make(map[string]RequestHandler),
		noteHandlers: make(map[string]NotificationHandler),
		dispatchCh:   make(chan *Message, 64),
		done:         make(chan struct{}),
	}
}

// HandleRequest registers the sole handler for an inbound request method.
func (r *Router) HandleRequest(method string, h RequestHandler) {
	r.handlerMu.Lock()
	r.reqHandlers[method] = h
	r.handlerMu.Unlock()
}

// HandleNotification registers the sole handler for an inbound
// notification method.
func (r *Router) HandleNotification(method string, h NotificationHandler) {
	r.handlerMu.Lock()
	r.noteHandlers[method] = h
	r.handlerMu.Unlock()
}

// Call sends a request and blocks until a response arrives, the context
// expires, or the router is torn down. A deadline expiry fails only this
// request with ErrTimedOut; teardown fails it with the teardown error.
func (r *Router) Call(ctx context.Context, method string, params any, result any) error {
	select {
	case <-r.done:
		return r.failErr
	default:
	}

	id := r.nextID.Add(1)
	ch := make(chan *Message, 1)

	r.mu.Lock()
	r.pending[id] = ch
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		delete(r.pending, id)
		r.mu.Unlock()
	}()

	req, err := newRequest(id, method, params)
	if err != nil {
		return err
	}
	if err := r.transport.WriteFrame(req); err != nil {
		return fmt.Errorf("send %s: %w", method, err)
	}

	select {
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%s: %w", method, ErrTimedOut)
		}
		return ctx.Err()
	case <-r.done:
		return r.failErr
	case resp := <-ch:
		if resp.Error != nil {
			return resp.Error
		}
		if result != nil && len(resp.Result) > 0 {
			if err := json.Unmarshal(resp.Result, result); err != nil {
				return fmt.Errorf("unmarshal %s result: %w", method, err)
			}
		}
		return nil
	}
}

// Notify sends a notification. No id is allocated and no pending entry is
// created.
func (r *Router) Notify(method string, params any) error {
	msg, err := newNotification(method, params)
	if err != nil {
		return err
	}
	return r.transport.WriteFrame(msg)
}

// Run drains frames from the transport until the stream closes or a
// frame is malformed. It returns io.EOF on a clean close and the
// *FramingError otherwise. The caller is responsible for tearing the
// router down with Fail afterwards.
func (r *Router) Run(ctx context.Context) error {
	r.dispatchWG.Add(1)
	go r.dispatchLoop(ctx)
	defer func() {
		close(r.dispatchCh)
		r.dispatchWG.Wait()
	}()

	for {
		msg, err := r.transport.ReadFrame()
		if err != nil {
			return err
		}

		switch {
		case msg.IsResponse():
			r.resolve(msg)
		case msg.IsRequest(), msg.IsNotification():
			select {
			case r.dispatchCh <- msg:
			case <-ctx.Done():
				return ctx.Err()
			}
		default:
			r.logger.Warn("discarding unclassifiable message")
		}
	}
}

// resolve routes a response to its pending caller. An unmatched id is
// logged and discarded, never fatal.
func (r *Router) resolve(msg *Message) {
	num, ok := msg.ID.Number()
	if !ok {
		r.logger.Warn("discarding response with string id", slog.String("id", msg.ID.String()))
		return
	}

	r.mu.Lock()
	ch, found := r.pending[num]
	if found {
		delete(r.pending, num)
	}
	r.mu.Unlock()

	if !found {
		r.logger.Warn("discarding response with no pending request", slog.Int64("id", num))
		return
	}
	ch <- msg
}

// dispatchLoop invokes handlers for inbound traffic in arrival order.
func (r *Router) dispatchLoop(ctx context.Context) {
	defer r.dispatchWG.Done()
	for msg := range r.dispatchCh {
		if msg.IsRequest() {
			r.serveRequest(ctx, msg)
		} else {
			r.serveNotification(ctx, msg)
		}
	}
}

func (r *Router) serveRequest(ctx context.Context, msg *Message) {
	r.handlerMu.RLock()
	h, ok := r.reqHandlers[msg.Method]
	r.handlerMu.RUnlock()

	var resp *Message
	var err error
	if !ok {
		resp, err = newResponse(*msg.ID, nil, &ResponseError{
			Code:    CodeMethodNotFound,
			Message: fmt.Sprintf("method not found: %s", msg.Method),
		})
	} else {
		result, herr := h(ctx, msg.Params)
		var respErr *ResponseError
		if herr != nil {
			if !errors.As(herr, &respErr) {
				respErr = &ResponseError{Code: CodeInternalError, Message: herr.Error()}
			}
		}
		resp, err = newResponse(*msg.ID, result, respErr)
	}
	if err != nil {
		r.logger.Error("encode response failed", slog.String("method", msg.Method), slog.Any("error", err))
		return
	}
	if err := r.transport.WriteFrame(resp); err != nil {
		r.logger.Warn("write response failed", slog.String("method", msg.Method), slog.Any("error", err))
	}
}

func (r *Router) serveNotification(ctx context.Context, msg *Message) {
	r.handlerMu.RLock()
	h, ok := r.noteHandlers[msg.Method]
	r.handlerMu.RUnlock()

	if !ok {
		r.logger.Debug("dropping unhandled notification", slog.String("method", msg.Method))
		return
	}
	h(ctx, msg.Params)
}

// Fail resolves every outstanding request with err, exactly once, and
// rejects future calls with the same error. Safe to call more than once;
// only the first error wins.
func (r *Router) Fail(err error) {
	r.failOnce.Do(func() {
		r.failErr = err

		r.mu.Lock()
		r.pending = make(map[int64]chan *Message)
		r.mu.Unlock()

		close(r.done)
	})
}
