// Package transport runs one proxy connection: the frame send path, the
// receive loop, and request/response correlation.
//
// A Connection is symmetric. Any side may issue calls (acting as a Sink) and
// any side with a Handler answers them (acting as a Source). Each outgoing
// call gets a fresh correlation id, and a single receive loop reads frames
// and routes each one:
//
//	goroutine-1 ──Call(seq=1)──┐
//	goroutine-2 ──Call(seq=2)──┼──→ one byte stream ──→ peer
//	goroutine-3 ──Call(seq=3)──┘
//
//	recvLoop: RESPONSE(seq=2) → pending[2] chan → goroutine-2 wakes up
//	          CALL             → go Handler.HandleCall → RESPONSE written back
//	          RELEASE          → Handler.HandleRelease
//	          HEARTBEAT        → ignored
//
// The loop never blocks on a caller: responses go into one-slot buffered
// channels, and calls are dispatched on their own goroutines.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"mini-drb/codec"
	"mini-drb/message"
	"mini-drb/protocol"
	"mini-drb/rpcerr"
)

// Handler answers the frames addressed to this side as a Source.
type Handler interface {
	// HandleCall runs one call and returns its response. It is invoked on
	// its own goroutine; ctx is cancelled when the connection goes down.
	HandleCall(ctx context.Context, conn *Connection, call *message.CallFrame) *message.ResponseFrame

	// HandleRelease processes a release notification. It must not block.
	HandleRelease(conn *Connection, release *message.ReleaseFrame)

	// ConnectionClosed is called once after teardown.
	ConnectionClosed(conn *Connection, err error)
}

// Options configures a Connection. The zero value is usable: JSON values, no
// compression, default frame limit, no heartbeat, no Handler.
type Options struct {
	Codec              codec.CodecType
	Compression        protocol.Compression
	CompressThreshold  int // Bodies shorter than this are sent uncompressed
	MaxFrameSize       int
	HeartbeatInterval  time.Duration
	MaxConcurrentCalls int // Dispatch workers; 0 = one goroutine per call
	Handler            Handler
	OnOrphan           func(conn *Connection, resp *message.ResponseFrame) // Response with no waiter
	Logger             *slog.Logger
}

// Connection is a single multiplexed proxy connection.
type Connection struct {
	id      string
	rwc     io.ReadWriteCloser
	opts    Options
	logger  *slog.Logger
	seq     atomic.Uint64  // Last correlation id handed out
	pending sync.Map       // map[uint64]chan *message.ResponseFrame, one per outstanding call
	sending sync.Mutex     // Serializes frame writes so frames never interleave
	workers chan struct{}  // Dispatch semaphore, nil when unbounded
	calls   sync.WaitGroup // Dispatched calls whose response is not yet written

	ctx       context.Context // Parent of every dispatched call, cancelled at teardown
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
	err       error // Teardown cause, set before done is closed
}

// NewConnection wraps rwc and starts the receive loop and, if configured,
// the heartbeat loop.
func NewConnection(rwc io.ReadWriteCloser, opts Options) *Connection {
	if opts.MaxFrameSize <= 0 {
		opts.MaxFrameSize = protocol.DefaultMaxFrameSize
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	c := &Connection{
		id:   uuid.NewString(),
		rwc:  rwc,
		opts: opts,
		done: make(chan struct{}),
	}
	c.logger = logger.With("conn", c.id)
	c.ctx, c.cancel = context.WithCancel(context.Background())
	if opts.MaxConcurrentCalls > 0 {
		c.workers = make(chan struct{}, opts.MaxConcurrentCalls)
	}

	go c.recvLoop()
	if opts.HeartbeatInterval > 0 {
		go c.heartbeatLoop(opts.HeartbeatInterval)
	}
	return c
}

// ID returns the connection's unique id.
func (c *Connection) ID() string { return c.id }

// Logger returns the connection-scoped logger.
func (c *Connection) Logger() *slog.Logger { return c.logger }

// Codec returns the value codec used for outgoing calls.
func (c *Connection) Codec() codec.CodecType { return c.opts.Codec }

// Done is closed when the connection has been torn down.
func (c *Connection) Done() <-chan struct{} { return c.done }

// Err returns the teardown cause, or nil while the connection is up.
func (c *Connection) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Call sends a CALL frame and waits for the matching response.
//
// The frame's Seq is assigned here. On success the returned Value is the
// result; a failure response is returned as its *rpcerr.Error. If ctx ends
// first the call is abandoned locally and a late response goes to OnOrphan.
func (c *Connection) Call(ctx context.Context, call *message.CallFrame) (message.Value, error) {
	if err := c.Err(); err != nil {
		return message.Value{}, err
	}

	call.Seq = c.seq.Add(1)
	call.Codec = byte(c.opts.Codec)
	body, err := codec.EncodeCall(call)
	if err != nil {
		return message.Value{}, err
	}

	// Register the waiter BEFORE sending, otherwise a fast response could
	// reach recvLoop before anyone is listening for it.
	respChan := make(chan *message.ResponseFrame, 1)
	c.pending.Store(call.Seq, respChan)

	header := &protocol.Header{MsgType: protocol.MsgTypeCall, Seq: call.Seq, CodecType: call.Codec}
	if err := c.writeFrame(header, body); err != nil {
		c.pending.Delete(call.Seq)
		return message.Value{}, err
	}

	select {
	case resp := <-respChan:
		return unpack(resp)
	case <-ctx.Done():
		// Whoever removes the waiter owns the response. If recvLoop got
		// there first its send into the buffered channel is already due.
		if !c.abandon(call.Seq) {
			return unpack(<-respChan)
		}
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return message.Value{}, rpcerr.New(rpcerr.Timeout, "%s on %s: no response before deadline", call.Method, call.Target)
		}
		return message.Value{}, fmt.Errorf("%s on %s: %w", call.Method, call.Target, ctx.Err())
	case <-c.done:
		if !c.abandon(call.Seq) {
			return unpack(<-respChan)
		}
		return message.Value{}, c.err
	}
}

// abandon removes the waiter for seq and reports whether it was still
// registered. A late response for an abandoned call goes to OnOrphan.
func (c *Connection) abandon(seq uint64) bool {
	_, ok := c.pending.LoadAndDelete(seq)
	return ok
}

func unpack(resp *message.ResponseFrame) (message.Value, error) {
	if resp.Outcome == message.OutcomeFailure {
		return message.Value{}, resp.Err
	}
	return resp.Result, nil
}

// Notify sends a RELEASE frame. No response is expected.
func (c *Connection) Notify(release *message.ReleaseFrame) error {
	if err := c.Err(); err != nil {
		return err
	}
	header := &protocol.Header{MsgType: protocol.MsgTypeRelease}
	return c.writeFrame(header, codec.EncodeRelease(release))
}

// Drain waits until every call received so far has been answered.
func (c *Connection) Drain() { c.calls.Wait() }

// Close tears the connection down. Outstanding calls fail with
// ConnectionLost. Close is idempotent.
func (c *Connection) Close() error {
	c.teardown(rpcerr.New(rpcerr.ConnectionLost, "connection closed"))
	return nil
}

// writeFrame writes one frame under the sending lock. Any write failure
// tears the connection down, since the stream may now hold a partial frame.
func (c *Connection) writeFrame(h *protocol.Header, body []byte) error {
	if c.opts.Compression != protocol.CompressionNone && len(body) >= c.opts.CompressThreshold {
		h.Compression = c.opts.Compression
	}

	c.sending.Lock()
	err := protocol.Encode(c.rwc, h, body)
	c.sending.Unlock()

	if err != nil {
		lost := rpcerr.New(rpcerr.ConnectionLost, "writing %s frame: %v", h.MsgType, err)
		c.teardown(lost)
		return lost
	}
	return nil
}

// recvLoop runs in a dedicated goroutine and is the only reader of the
// stream. Frame boundaries can only be parsed sequentially.
func (c *Connection) recvLoop() {
	for {
		header, body, err := protocol.Decode(c.rwc, c.opts.MaxFrameSize)
		if err != nil {
			c.teardown(err)
			return
		}

		switch header.MsgType {
		case protocol.MsgTypeHeartbeat:
			continue

		case protocol.MsgTypeCall:
			call, err := codec.DecodeCall(header.Seq, body)
			if err != nil {
				c.teardown(err)
				return
			}
			call.Codec = header.CodecType
			c.calls.Add(1)
			go c.dispatch(call)

		case protocol.MsgTypeRelease:
			release, err := codec.DecodeRelease(body)
			if err != nil {
				c.teardown(err)
				return
			}
			if c.opts.Handler != nil {
				c.opts.Handler.HandleRelease(c, release)
			}

		case protocol.MsgTypeResponse:
			resp, err := codec.DecodeResponse(header.Seq, body)
			if err != nil {
				c.teardown(err)
				return
			}
			resp.Codec = header.CodecType
			c.deliver(resp)
		}
	}
}

// deliver routes a response to its waiter. Responses for calls that were
// abandoned (or never made) are dropped, after OnOrphan has seen them.
func (c *Connection) deliver(resp *message.ResponseFrame) {
	if ch, ok := c.pending.LoadAndDelete(resp.Seq); ok {
		ch.(chan *message.ResponseFrame) <- resp
		return
	}
	c.logger.Debug("dropping response with no waiter", "seq", resp.Seq)
	if c.opts.OnOrphan != nil {
		go c.opts.OnOrphan(c, resp)
	}
}

// dispatch runs one incoming call and writes its response.
func (c *Connection) dispatch(call *message.CallFrame) {
	defer c.calls.Done()
	if c.workers != nil {
		select {
		case c.workers <- struct{}{}:
			defer func() { <-c.workers }()
		case <-c.done:
			return
		}
	}

	var resp *message.ResponseFrame
	if c.opts.Handler == nil {
		resp = message.Failure(call.Seq, rpcerr.New(rpcerr.UnknownReference, "%s: this side exports no objects", call.Target))
	} else {
		resp = c.opts.Handler.HandleCall(c.ctx, c, call)
	}
	if resp == nil {
		resp = message.Failure(call.Seq, rpcerr.New(rpcerr.RemoteExecutionFailure, "handler returned no response"))
	}
	resp.Seq = call.Seq
	resp.Codec = call.Codec

	body, err := codec.EncodeResponse(resp)
	if err != nil {
		c.logger.Error("encoding response", "seq", call.Seq, "method", call.Method, "error", err)
		body, _ = codec.EncodeResponse(message.Failure(call.Seq, rpcerr.New(rpcerr.ProtocolViolation, "encoding response: %v", err)))
	}
	header := &protocol.Header{MsgType: protocol.MsgTypeResponse, Seq: call.Seq, CodecType: resp.Codec}
	if err := c.writeFrame(header, body); err != nil {
		c.logger.Debug("response not delivered", "seq", call.Seq, "error", err)
	}
}

// teardown runs once: it records the cause, unblocks every waiter and
// closes the stream.
func (c *Connection) teardown(cause error) {
	c.closeOnce.Do(func() {
		var failure *rpcerr.Error
		if !errors.As(cause, &failure) {
			failure = rpcerr.New(rpcerr.ConnectionLost, "%v", cause)
		}
		c.err = failure
		c.cancel()
		close(c.done)
		c.rwc.Close()
		c.closeAllPending(failure)

		if failure.Kind == rpcerr.ProtocolViolation {
			c.logger.Warn("connection terminated by protocol violation", "error", failure.Message)
		} else {
			c.logger.Info("connection closed", "reason", failure.Message)
		}
		if c.opts.Handler != nil {
			c.opts.Handler.ConnectionClosed(c, failure)
		}
	})
}

// closeAllPending sends a failure to every waiting caller so none of them
// blocks forever.
func (c *Connection) closeAllPending(failure *rpcerr.Error) {
	c.pending.Range(func(key, _ any) bool {
		if ch, ok := c.pending.LoadAndDelete(key); ok {
			ch.(chan *message.ResponseFrame) <- message.Failure(key.(uint64), failure)
		}
		return true
	})
}

// heartbeatLoop sends periodic heartbeat frames so a dead peer is noticed
// through a failed write even when no calls are in flight.
func (c *Connection) heartbeatLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := c.writeFrame(&protocol.Header{MsgType: protocol.MsgTypeHeartbeat}, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}
