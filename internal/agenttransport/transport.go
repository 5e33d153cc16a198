// Package agenttransport spawns and supervises the external agent
// subprocess and multiplexes framed JSON-RPC over its stdio.
package agenttransport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"

	"github.com/relaybridge/agentbridge/internal/jsonrpc"
)

// ErrTransportClosed is returned to any pending call when the transport
// shuts down, and surfaced to callers that request after close.
var ErrTransportClosed = errors.New("agenttransport: transport closed")

// Handler dispatches inbound notifications and requests from the agent.
// HandleNotification must not block for long. HandleRequest returns the
// result (or error) to send back as the response; if deferred is true, the
// handler takes ownership of answering later itself (via Transport.Respond
// or RespondError) and the transport writes nothing now — used by the
// approval registry, which only knows the decision once a human responds.
type Handler interface {
	HandleNotification(method string, params json.RawMessage)
	HandleRequest(id int64, method string, params json.RawMessage) (result any, rpcErr *jsonrpc.RPCError, deferred bool)
}

// Transport owns one agent subprocess's stdio.
type Transport struct {
	cmd    *exec.Cmd
	enc    *jsonrpc.Encoder
	dec    *jsonrpc.Decoder
	log    *slog.Logger
	handler Handler

	mu      sync.Mutex
	nextID  int64
	pending map[int64]chan rpcResult

	closed   chan struct{}
	closeErr error
	once     sync.Once

	stopped atomic.Bool
}

type rpcResult struct {
	result json.RawMessage
	err    *jsonrpc.RPCError
}

// Spawn starts the agent binary (argv[0] is the executable, the rest its
// args) with inherited environment, wires its stdin/stdout through the
// JSON-RPC codec, and starts the read loop. Stderr is passed through to the
// daemon's own stderr for operator visibility.
func Spawn(ctx context.Context, argv []string, handler Handler, log *slog.Logger) (*Transport, error) {
	if len(argv) == 0 {
		return nil, errors.New("agenttransport: empty command")
	}
	if log == nil {
		log = slog.Default()
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stderr = os.Stderr
	cmd.Env = os.Environ()

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("agenttransport: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("agenttransport: stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("agenttransport: start: %w", err)
	}

	t := &Transport{
		cmd:     cmd,
		enc:     jsonrpc.NewEncoder(stdin),
		dec:     jsonrpc.NewDecoder(stdout),
		log:     log.With("component", "agenttransport"),
		handler: handler,
		pending: make(map[int64]chan rpcResult),
		closed:  make(chan struct{}),
	}

	go t.readLoop()
	go t.waitLoop()

	return t, nil
}

// Closed returns a channel closed once the transport has shut down.
func (t *Transport) Closed() <-chan struct{} { return t.closed }

// Err returns the reason the transport closed, if any.
func (t *Transport) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closeErr
}

func (t *Transport) readLoop() {
	for {
		msg, err := t.dec.Decode()
		if err != nil {
			t.shutdown(fmt.Errorf("agenttransport: read: %w", err))
			return
		}
		switch {
		case msg.IsResponse():
			t.completeCall(*msg.ID, msg.Result, msg.Error)
		case msg.IsRequest():
			t.dispatchRequest(*msg.ID, msg.Method, msg.Params)
		case msg.IsNotification():
			t.handler.HandleNotification(msg.Method, msg.Params)
		default:
			t.log.Warn("malformed frame ignored")
		}
	}
}

func (t *Transport) waitLoop() {
	err := t.cmd.Wait()
	if err != nil {
		t.shutdown(fmt.Errorf("agenttransport: process exited: %w", err))
	} else {
		t.shutdown(errors.New("agenttransport: process exited"))
	}
}

func (t *Transport) dispatchRequest(id int64, method string, params json.RawMessage) {
	result, rpcErr, deferred := t.handler.HandleRequest(id, method, params)
	if deferred {
		return
	}
	var resp *jsonrpc.Message
	var err error
	if rpcErr != nil {
		resp = jsonrpc.NewErrorResponse(id, rpcErr.Code, rpcErr.Message)
	} else {
		resp, err = jsonrpc.NewResponse(id, result)
		if err != nil {
			resp = jsonrpc.NewErrorResponse(id, -32603, "internal error marshaling result")
		}
	}
	if err := t.enc.Encode(resp); err != nil {
		t.log.Error("failed writing response", "err", err)
	}
}

func (t *Transport) completeCall(id int64, result json.RawMessage, rpcErr *jsonrpc.RPCError) {
	t.mu.Lock()
	ch, ok := t.pending[id]
	if ok {
		delete(t.pending, id)
	}
	t.mu.Unlock()
	if !ok {
		t.log.Warn("response for unknown id", "id", id)
		return
	}
	ch <- rpcResult{result: result, err: rpcErr}
}

// Request sends a framed request and blocks until a matching response
// arrives, ctx is cancelled, or the transport closes.
func (t *Transport) Request(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if t.stopped.Load() {
		return nil, ErrTransportClosed
	}

	t.mu.Lock()
	id := t.nextID
	t.nextID++
	ch := make(chan rpcResult, 1)
	t.pending[id] = ch
	t.mu.Unlock()

	msg, err := jsonrpc.NewRequest(id, method, params)
	if err != nil {
		t.dropPending(id)
		return nil, err
	}
	if err := t.enc.Encode(msg); err != nil {
		t.dropPending(id)
		return nil, fmt.Errorf("agenttransport: write request: %w", err)
	}

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, res.err
		}
		return res.result, nil
	case <-ctx.Done():
		t.dropPending(id)
		return nil, ctx.Err()
	case <-t.closed:
		t.dropPending(id)
		return nil, ErrTransportClosed
	}
}

func (t *Transport) dropPending(id int64) {
	t.mu.Lock()
	delete(t.pending, id)
	t.mu.Unlock()
}

// Notify sends a fire-and-forget frame.
func (t *Transport) Notify(method string, params any) error {
	if t.stopped.Load() {
		return ErrTransportClosed
	}
	msg, err := jsonrpc.NewNotification(method, params)
	if err != nil {
		return err
	}
	return t.enc.Encode(msg)
}

// Respond answers an inbound server-initiated request successfully.
func (t *Transport) Respond(id int64, result any) error {
	msg, err := jsonrpc.NewResponse(id, result)
	if err != nil {
		return err
	}
	return t.enc.Encode(msg)
}

// RespondError answers an inbound server-initiated request with an error.
func (t *Transport) RespondError(id int64, code int, message string) error {
	return t.enc.Encode(jsonrpc.NewErrorResponse(id, code, message))
}

// Initialize sends the initial handshake request, per the transport's
// documented startup contract.
func (t *Transport) Initialize(ctx context.Context, params any) (json.RawMessage, error) {
	return t.Request(ctx, "initialize", params)
}

func (t *Transport) shutdown(cause error) {
	t.once.Do(func() {
		t.stopped.Store(true)

		t.mu.Lock()
		t.closeErr = cause
		t.pending = make(map[int64]chan rpcResult)
		t.mu.Unlock()

		// Pending Request calls unblock on t.closed and return ErrTransportClosed.
		close(t.closed)
		t.log.Warn("agent transport closed", "reason", cause)
	})
}

// Stop terminates the subprocess and releases resources. Safe to call more
// than once.
func (t *Transport) Stop() {
	if t.cmd.Process != nil {
		_ = t.cmd.Process.Kill()
	}
	t.shutdown(ErrTransportClosed)
}

