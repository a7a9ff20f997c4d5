// Package client implements the Sink side: proxy stubs for remote objects
// and the per-connection stub identity cache.
//
// A Stub stands for one object living on the Source. Calling a method on it
// sends a CALL frame and waits for the matching RESPONSE; the result is
// either a value decoded locally or another Stub. Each RemoteRef the Sink
// receives maps to exactly one live Stub, which counts how many times the ref
// was delivered so that its final Release returns all of them in one
// RELEASE frame.
//
//	stub, _ := client.Connect(conn, root, cfg, logger)
//	res, _ := stub.Call(ctx, "Add", 2, 3)
//	var sum int
//	res.Decode(&sum)
//	stub.Release()
package client

import (
	"context"
	"io"
	"log/slog"
	"net"
	"sync"

	"mini-drb/codec"
	"mini-drb/config"
	"mini-drb/message"
	"mini-drb/rpcerr"
	"mini-drb/transport"
)

// Client owns one connection to a Source and the stubs created over it.
type Client struct {
	cfg    config.Config
	codec  codec.Codec
	conn   *transport.Connection
	logger *slog.Logger

	mu    sync.Mutex
	stubs map[message.RemoteRef]*Stub // Stub identity cache: one live stub per ref
}

// Connect starts a Sink over conn and returns the stub for root, the
// reference the Source exported for this Sink. A nil logger means
// slog.Default().
func Connect(conn io.ReadWriteCloser, root message.RemoteRef, cfg config.Config, logger *slog.Logger) (*Stub, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	c := &Client{
		cfg:    cfg,
		codec:  codec.GetCodec(cfg.CodecType()),
		logger: logger,
		stubs:  make(map[message.RemoteRef]*Stub),
	}
	c.conn = transport.NewConnection(conn, transport.Options{
		Codec:             cfg.CodecType(),
		Compression:       cfg.CompressionType(),
		CompressThreshold: cfg.CompressThreshold,
		MaxFrameSize:      cfg.MaxFrameSize,
		HeartbeatInterval: cfg.HeartbeatInterval.Std(),
		OnOrphan:          c.releaseOrphan,
		Logger:            logger,
	})
	return c.adopt(root), nil
}

// Dial connects to a Source listening on addr.
func Dial(ctx context.Context, network, addr string, root message.RemoteRef, cfg config.Config, logger *slog.Logger) (*Stub, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, network, addr)
	if err != nil {
		return nil, rpcerr.New(rpcerr.ConnectionLost, "dialing %s: %v", addr, err)
	}
	stub, err := Connect(conn, root, cfg, logger)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return stub, nil
}

// Close tears the connection down. Outstanding calls fail with
// ConnectionLost, and so does every later call on any of its stubs.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Done is closed when the connection has gone down.
func (c *Client) Done() <-chan struct{} { return c.conn.Done() }

// Len returns the number of live stubs.
func (c *Client) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.stubs)
}

// adopt records one delivery of ref: it returns the cached stub (creating
// it on first sight) with one more local hold and one more remote count.
func (c *Client) adopt(ref message.RemoteRef) *Stub {
	c.mu.Lock()
	defer c.mu.Unlock()

	stub, ok := c.stubs[ref]
	if !ok {
		stub = &Stub{client: c, ref: ref}
		c.stubs[ref] = stub
	}
	stub.holds++
	stub.remote++
	return stub
}

// releaseOrphan returns the reference carried by a response nobody waited
// for, so an abandoned call does not pin an object on the Source.
func (c *Client) releaseOrphan(conn *transport.Connection, resp *message.ResponseFrame) {
	if resp.Outcome != message.OutcomeSuccess || resp.Result.Tag != message.TagRef {
		return
	}
	if err := conn.Notify(&message.ReleaseFrame{Target: resp.Result.Ref, Count: 1}); err != nil {
		conn.Logger().Debug("orphan release not sent", "ref", resp.Result.Ref, "error", err)
		return
	}
	conn.Logger().Debug("released orphan reference", "ref", resp.Result.Ref, "seq", resp.Seq)
}

func (c *Client) release(ref message.RemoteRef, count uint32) {
	if err := c.conn.Notify(&message.ReleaseFrame{Target: ref, Count: count}); err != nil {
		c.logger.Debug("release not sent", "ref", ref, "count", count, "error", err)
	}
}

// withDefaultTimeout applies CallTimeout to a ctx that has no deadline.
func (c *Client) withDefaultTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok || c.cfg.CallTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.cfg.CallTimeout.Std())
}
