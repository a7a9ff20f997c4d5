package client

import (
	"context"
	"net"
	"testing"
	"time"

	"mini-drb/server"
)

func setupBench(b *testing.B, codec string) *Stub {
	cfg := testConfig()
	cfg.Codec = codec
	src := server.NewSource(cfg, nil)
	root := src.Export(&Calculator{shared: &Counter{}})

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		b.Fatal(err)
	}
	go src.Serve(listener)

	stub, err := Dial(context.Background(), "tcp", listener.Addr().String(), root, cfg, nil)
	if err != nil {
		b.Fatal(err)
	}
	b.Cleanup(func() {
		stub.Client().Close()
		src.Shutdown(3 * time.Second)
	})
	return stub
}

// Single goroutine, one call at a time.
func BenchmarkSerialCall(b *testing.B) {
	stub := setupBench(b, "cbor")
	ctx := context.Background()
	var sum int
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		if err := stub.Invoke(ctx, "Add", &sum, 1, 2); err != nil {
			b.Fatal(err)
		}
	}
}

// Many goroutines sharing one connection.
func BenchmarkConcurrentCall(b *testing.B) {
	stub := setupBench(b, "cbor")
	ctx := context.Background()

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		var sum int
		for pb.Next() {
			if err := stub.Invoke(ctx, "Add", &sum, 1, 2); err != nil {
				b.Error(err)
				return
			}
		}
	})
}

func BenchmarkSerialCallJSON(b *testing.B) {
	stub := setupBench(b, "json")
	ctx := context.Background()
	var sum int
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		if err := stub.Invoke(ctx, "Add", &sum, 1, 2); err != nil {
			b.Fatal(err)
		}
	}
}

// A returned object is a fresh registry entry plus a release on every
// iteration.
func BenchmarkReferenceRoundTrip(b *testing.B) {
	stub := setupBench(b, "cbor")
	ctx := context.Background()
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		var counter *Stub
		if err := stub.Invoke(ctx, "NewCounter", &counter); err != nil {
			b.Fatal(err)
		}
		counter.Release()
	}
}
