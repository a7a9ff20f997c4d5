// Package server implements the Source side: the export API, the Dispatcher
// that runs remote calls on exported objects, and connection handling.
//
// Request processing pipeline:
//
//	Accept conn → transport.Connection (single goroutine reads frames)
//	  → for each CALL: go HandleCall (parallel processing)
//	    → Middleware Chain → Dispatcher.Handle (reflect.Call) → RESPONSE written back
//	  → for each RELEASE: Registry.DecRefN
//
// Returned objects that travel by reference are registered on the way out,
// and each connection keeps a ledger of the references it was handed so they
// can be released if the connection dies without releasing them itself.
package server

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"mini-drb/config"
	"mini-drb/message"
	"mini-drb/middleware"
	"mini-drb/registry"
	"mini-drb/transport"
)

// Source exports objects and answers calls on them.
type Source struct {
	cfg         config.Config
	logger      *slog.Logger
	registry    *registry.Registry
	dispatcher  *Dispatcher
	middlewares []middleware.Middleware // Added by Use, applied inside the built-in ones
	handler     middleware.HandlerFunc  // The final chain, built once on the first connection
	buildOnce   sync.Once

	mu       sync.Mutex
	listener net.Listener
	conns    map[*transport.Connection]*ledger

	shutdown atomic.Bool // Set during shutdown to suppress Accept errors
}

// NewSource creates a Source with an empty registry. A nil logger means
// slog.Default().
func NewSource(cfg config.Config, logger *slog.Logger) *Source {
	if logger == nil {
		logger = slog.Default()
	}
	reg := registry.New()
	return &Source{
		cfg:        cfg,
		logger:     logger,
		registry:   reg,
		dispatcher: NewDispatcher(reg),
		conns:      make(map[*transport.Connection]*ledger),
	}
}

// Export registers obj and returns its reference with one outstanding count,
// which the first Sink to Connect with it takes over. Exporting an object
// that is already registered returns the same reference. A nil obj is not
// exported and yields the zero reference, which resolves to nothing.
func (s *Source) Export(obj any) message.RemoteRef {
	if isNil(reflect.ValueOf(obj)) {
		s.logger.Warn("refusing to export nil object", "type", fmt.Sprintf("%T", obj))
		return 0
	}
	methodsOf(reflect.TypeOf(obj))
	ref := s.registry.Register(obj)
	s.logger.Debug("exported object", "ref", ref, "type", fmt.Sprintf("%T", obj))
	return ref
}

// Retain adds one outstanding count to ref, for handing it to another Sink.
func (s *Source) Retain(ref message.RemoteRef) error {
	return s.registry.IncRef(ref)
}

// Unexport drops one outstanding count from ref.
func (s *Source) Unexport(ref message.RemoteRef) error {
	return s.registry.DecRef(ref)
}

// Registry exposes the registry for inspection.
func (s *Source) Registry() *registry.Registry { return s.registry }

// ReleaseAll drops every registered object and returns how many there were.
func (s *Source) ReleaseAll() int {
	n := s.registry.ReleaseAll()
	s.logger.Info("released all exported objects", "count", n)
	return n
}

// Use registers a middleware. Middlewares are applied in the order they are
// added, inside logging, rate limiting and the dispatch timeout. Use must be
// called before the first connection is served.
func (s *Source) Use(mw middleware.Middleware) {
	s.middlewares = append(s.middlewares, mw)
}

// build assembles the middleware chain once (not per call).
func (s *Source) build() {
	s.buildOnce.Do(func() {
		chain := []middleware.Middleware{middleware.LoggingMiddleware(s.logger)}
		if s.cfg.RateLimit.Rate > 0 {
			chain = append(chain, middleware.RateLimitMiddleware(s.cfg.RateLimit.Rate, s.cfg.RateLimit.Burst))
		}
		if d := s.cfg.DispatchTimeout.Std(); d > 0 {
			chain = append(chain, middleware.TimeOutMiddleware(d, s.discard))
		}
		chain = append(chain, s.middlewares...)
		s.handler = middleware.Chain(chain...)(s.dispatcher.Handle)
	})
}

// Serve accepts connections on l until Shutdown is called.
func (s *Source) Serve(l net.Listener) error {
	s.mu.Lock()
	s.listener = l
	s.mu.Unlock()
	s.logger.Info("source listening", "addr", l.Addr().String())

	for {
		conn, err := l.Accept()
		if err != nil {
			// Shutdown closes the listener, which makes Accept fail.
			if s.shutdown.Load() {
				return nil
			}
			return err
		}
		s.ServeConn(conn)
	}
}

// discard drops the reference carried by a response that never reached the
// Sink.
func (s *Source) discard(resp *message.ResponseFrame) {
	if resp.Outcome != message.OutcomeSuccess || resp.Result.Tag != message.TagRef {
		return
	}
	if err := s.registry.DecRef(resp.Result.Ref); err == nil {
		s.logger.Debug("released reference of discarded response", "ref", resp.Result.Ref, "seq", resp.Seq)
	}
}

// ServeConn answers calls arriving on rwc and returns the running
// connection. Once Shutdown has started rwc is closed and nil is returned.
func (s *Source) ServeConn(rwc io.ReadWriteCloser) *transport.Connection {
	s.build()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutdown.Load() {
		rwc.Close()
		return nil
	}

	conn := transport.NewConnection(rwc, transport.Options{
		Codec:              s.cfg.CodecType(),
		Compression:        s.cfg.CompressionType(),
		CompressThreshold:  s.cfg.CompressThreshold,
		MaxFrameSize:       s.cfg.MaxFrameSize,
		HeartbeatInterval:  s.cfg.HeartbeatInterval.Std(),
		MaxConcurrentCalls: s.cfg.MaxConcurrentCalls,
		Handler:            (*connHandler)(s),
		Logger:             s.logger,
	})
	// ConnectionClosed takes s.mu, so a connection that dies this early
	// is only removed after it has been added.
	s.conns[conn] = newLedger()
	conn.Logger().Debug("serving connection")
	return conn
}

// Shutdown performs graceful shutdown:
//  1. Set the shutdown flag and close the listener (stop accepting)
//  2. Wait for in-flight calls to write their responses (with timeout)
//  3. Close every connection
func (s *Source) Shutdown(timeout time.Duration) error {
	s.shutdown.Store(true)
	s.mu.Lock()
	if s.listener != nil {
		s.listener.Close()
	}
	conns := make([]*transport.Connection, 0, len(s.conns))
	for conn := range s.conns {
		conns = append(conns, conn)
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		for _, conn := range conns {
			conn.Drain()
		}
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-time.After(timeout):
		err = fmt.Errorf("timeout waiting for ongoing calls to finish")
	}

	for _, conn := range conns {
		conn.Close()
	}
	return err
}

func (s *Source) ledgerOf(conn *transport.Connection) *ledger {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conns[conn]
}

// connHandler is the transport.Handler view of a Source.
type connHandler Source

func (h *connHandler) HandleCall(ctx context.Context, conn *transport.Connection, call *message.CallFrame) *message.ResponseFrame {
	s := (*Source)(h)
	resp := s.handler(ctx, call)
	if resp != nil && resp.Outcome == message.OutcomeSuccess && resp.Result.Tag == message.TagRef {
		if l := s.ledgerOf(conn); l != nil {
			l.add(resp.Result.Ref, 1)
		} else {
			// The connection is gone and the reference can never arrive.
			s.registry.DecRef(resp.Result.Ref)
		}
	}
	return resp
}

func (h *connHandler) HandleRelease(conn *transport.Connection, rel *message.ReleaseFrame) {
	s := (*Source)(h)
	if err := s.registry.DecRefN(rel.Target, uint64(rel.Count)); err != nil {
		conn.Logger().Debug("release of unknown reference", "ref", rel.Target, "count", rel.Count)
		return
	}
	if l := s.ledgerOf(conn); l != nil {
		l.add(rel.Target, -int64(rel.Count))
	}
}

func (h *connHandler) ConnectionClosed(conn *transport.Connection, err error) {
	s := (*Source)(h)
	s.mu.Lock()
	l := s.conns[conn]
	delete(s.conns, conn)
	s.mu.Unlock()

	after := s.cfg.OrphanReleaseAfter.Std()
	if l == nil || after <= 0 {
		return
	}
	time.AfterFunc(after, func() {
		held := l.drain()
		for ref, n := range held {
			s.registry.DecRefN(ref, n)
		}
		if len(held) > 0 {
			conn.Logger().Info("released references of closed connection", "refs", len(held))
		}
	})
}
