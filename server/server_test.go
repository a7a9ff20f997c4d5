package server

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"mini-drb/codec"
	"mini-drb/config"
	"mini-drb/message"
	"mini-drb/middleware"
	"mini-drb/rpcerr"
	"mini-drb/transport"
)

func testConfig() config.Config {
	cfg := config.Default()
	cfg.HeartbeatInterval = 0
	return cfg
}

// dialSource serves one end of a pipe and returns a raw caller on the other.
func dialSource(t *testing.T, src *Source) *transport.Connection {
	t.Helper()
	serverSide, clientSide := net.Pipe()
	src.ServeConn(serverSide)
	caller := transport.NewConnection(clientSide, transport.Options{Codec: codec.CodecTypeCBOR})
	t.Cleanup(func() { caller.Close() })
	return caller
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestServer(t *testing.T) {
	src := NewSource(testConfig(), nil)
	root := src.Export(&Calculator{})

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	served := make(chan error, 1)
	go func() { served <- src.Serve(listener) }()

	conn, err := net.Dial("tcp", listener.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	caller := transport.NewConnection(conn, transport.Options{Codec: codec.CodecTypeCBOR})
	defer caller.Close()

	v, err := caller.Call(context.Background(), call(root, "Add", data(t, 1), data(t, 2)))
	if err != nil {
		t.Fatalf("call failed: %v", err)
	}
	var sum int
	if err := cbor.Decode(v.Data, &sum); err != nil {
		t.Fatal(err)
	}
	if sum != 3 {
		t.Fatalf("expect 3, got %d", sum)
	}

	if err := src.Shutdown(time.Second); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if err := <-served; err != nil {
		t.Fatalf("Serve returned %v after shutdown", err)
	}
	select {
	case <-caller.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("connection still open after shutdown")
	}
}

func TestServerShutdownWaitsForCalls(t *testing.T) {
	src := NewSource(testConfig(), nil)
	root := src.Export(&Calculator{})
	caller := dialSource(t, src)

	result := make(chan error, 1)
	go func() {
		_, err := caller.Call(context.Background(), call(root, "Sleep", data(t, 100*time.Millisecond)))
		result <- err
	}()
	time.Sleep(20 * time.Millisecond)

	if err := src.Shutdown(time.Second); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if err := <-result; err != nil {
		t.Fatalf("in-flight call failed: %v", err)
	}
}

func TestServerShutdownTimeout(t *testing.T) {
	src := NewSource(testConfig(), nil)
	root := src.Export(&Calculator{})
	caller := dialSource(t, src)

	go caller.Call(context.Background(), call(root, "Sleep", data(t, time.Second)))
	time.Sleep(20 * time.Millisecond)

	if err := src.Shutdown(10 * time.Millisecond); err == nil {
		t.Fatal("expect timeout error")
	}
}

func TestExportRetainUnexport(t *testing.T) {
	src := NewSource(testConfig(), nil)
	calc := &Calculator{}

	ref := src.Export(calc)
	if again := src.Export(calc); again != ref {
		t.Fatalf("re-export changed ref: %s != %s", again, ref)
	}
	if err := src.Retain(ref); err != nil {
		t.Fatal(err)
	}
	if entry, _ := src.Registry().Entry(ref); entry.Count != 3 {
		t.Fatalf("expect count 3, got %d", entry.Count)
	}

	for i := 0; i < 3; i++ {
		if err := src.Unexport(ref); err != nil {
			t.Fatal(err)
		}
	}
	if err := src.Unexport(ref); !errors.Is(err, rpcerr.ErrUnknownReference) {
		t.Fatalf("expect UnknownReference, got %v", err)
	}
	if err := src.Retain(ref); !errors.Is(err, rpcerr.ErrUnknownReference) {
		t.Fatalf("expect UnknownReference, got %v", err)
	}
}

func TestReleaseFrame(t *testing.T) {
	src := NewSource(testConfig(), nil)
	root := src.Export(&Calculator{})
	caller := dialSource(t, src)

	v, err := caller.Call(context.Background(), call(root, "NewCounter"))
	if err != nil {
		t.Fatal(err)
	}
	if v.Tag != message.TagRef {
		t.Fatalf("expect a reference, got tag %d", v.Tag)
	}
	if src.Registry().Len() != 2 {
		t.Fatalf("expect 2 entries, got %d", src.Registry().Len())
	}

	if err := caller.Notify(&message.ReleaseFrame{Target: v.Ref, Count: 1}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return src.Registry().Len() == 1 })

	_, err = caller.Call(context.Background(), call(v.Ref, "Incr"))
	if !errors.Is(err, rpcerr.ErrUnknownReference) {
		t.Fatalf("expect UnknownReference after release, got %v", err)
	}
}

func TestOrphanReleaseAfterDisconnect(t *testing.T) {
	cfg := testConfig()
	cfg.OrphanReleaseAfter = config.Duration(20 * time.Millisecond)
	src := NewSource(cfg, nil)
	root := src.Export(&Calculator{})
	caller := dialSource(t, src)

	for i := 0; i < 3; i++ {
		if _, err := caller.Call(context.Background(), call(root, "NewCounter")); err != nil {
			t.Fatal(err)
		}
	}
	if src.Registry().Len() != 4 {
		t.Fatalf("expect 4 entries, got %d", src.Registry().Len())
	}

	caller.Close()
	// The root export was not handed out over the connection and stays.
	waitFor(t, func() bool { return src.Registry().Len() == 1 })
	if _, err := src.Registry().Resolve(root); err != nil {
		t.Fatalf("root released: %v", err)
	}
}

func TestReleaseAll(t *testing.T) {
	src := NewSource(testConfig(), nil)
	src.Export(&Calculator{})
	src.Export(&Counter{})

	if n := src.ReleaseAll(); n != 2 {
		t.Fatalf("expect 2 released, got %d", n)
	}
	if src.Registry().Len() != 0 {
		t.Fatal("registry not empty")
	}
}

func TestSourceMiddlewareFromConfig(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimit = config.RateLimitConfig{Rate: 1, Burst: 1}
	cfg.DispatchTimeout = config.Duration(30 * time.Millisecond)
	src := NewSource(cfg, nil)
	root := src.Export(&Calculator{})
	caller := dialSource(t, src)

	_, err := caller.Call(context.Background(), call(root, "Sleep", data(t, time.Second)))
	if !errors.Is(err, rpcerr.ErrTimeout) {
		t.Fatalf("expect Timeout, got %v", err)
	}
	_, err = caller.Call(context.Background(), call(root, "Add", data(t, 1), data(t, 2)))
	if !errors.Is(err, rpcerr.ErrRejected) {
		t.Fatalf("expect Rejected, got %v", err)
	}
}

func TestDispatchTimeoutReleasesDiscardedReference(t *testing.T) {
	cfg := testConfig()
	cfg.DispatchTimeout = config.Duration(50 * time.Millisecond)
	src := NewSource(cfg, nil)
	// Holds the response past the deadline after the result was exported.
	src.Use(func(next middleware.HandlerFunc) middleware.HandlerFunc {
		return func(ctx context.Context, call *message.CallFrame) *message.ResponseFrame {
			resp := next(ctx, call)
			time.Sleep(100 * time.Millisecond)
			return resp
		}
	})
	root := src.Export(&Calculator{})
	caller := dialSource(t, src)

	_, err := caller.Call(context.Background(), call(root, "NewCounter"))
	if !errors.Is(err, rpcerr.ErrTimeout) {
		t.Fatalf("expect Timeout, got %v", err)
	}
	waitFor(t, func() bool { return src.Registry().Len() == 1 })
	if _, err := src.Registry().Resolve(root); err != nil {
		t.Fatalf("root released: %v", err)
	}
}

func TestExportNil(t *testing.T) {
	src := NewSource(testConfig(), nil)

	if ref := src.Export(nil); ref != 0 {
		t.Fatalf("expect zero ref for nil, got %s", ref)
	}
	if ref := src.Export((*Calculator)(nil)); ref != 0 {
		t.Fatalf("expect zero ref for nil pointer, got %s", ref)
	}
	if src.Registry().Len() != 0 {
		t.Fatalf("expect empty registry, got %d entries", src.Registry().Len())
	}
	if err := src.Retain(0); !errors.Is(err, rpcerr.ErrUnknownReference) {
		t.Fatalf("expect UnknownReference, got %v", err)
	}
}

func TestServeConnAfterShutdown(t *testing.T) {
	src := NewSource(testConfig(), nil)
	if err := src.Shutdown(time.Second); err != nil {
		t.Fatal(err)
	}

	serverSide, clientSide := net.Pipe()
	defer clientSide.Close()
	if conn := src.ServeConn(serverSide); conn != nil {
		t.Fatal("expect no connection once shutdown has started")
	}
	if _, err := clientSide.Write([]byte{0}); err == nil {
		t.Fatal("expect the refused connection to be closed")
	}
}
