package client

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mini-drb/config"
	"mini-drb/message"
	"mini-drb/rpcerr"
	"mini-drb/server"
)

type Counter struct {
	server.Undumped
	mu sync.Mutex
	n  int
}

func (c *Counter) Incr() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n++
	return c.n
}

type Calculator struct {
	shared *Counter
}

func (Calculator) Add(a, b int) int { return a + b }

func (Calculator) Div(a, b int) (int, error) {
	if b == 0 {
		return 0, errors.New("divide by zero")
	}
	return a / b, nil
}

func (Calculator) Echo(s string) string { return s }

func (Calculator) Sleep(ctx context.Context, ms int) (int, error) {
	select {
	case <-time.After(time.Duration(ms) * time.Millisecond):
		return ms, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (Calculator) NewCounter() *Counter { return &Counter{} }

// SlowCounter ignores cancellation so its result outlives the caller.
func (Calculator) SlowCounter(ms int) *Counter {
	time.Sleep(time.Duration(ms) * time.Millisecond)
	return &Counter{}
}

func (c *Calculator) Shared() *Counter { return c.shared }

func (Calculator) Read(c *Counter) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.HeartbeatInterval = 0
	return cfg
}

// setup exports a Calculator on a fresh Source and connects a Sink to it
// over an in-memory pipe.
func setup(t *testing.T, cfg config.Config) (*server.Source, *Stub) {
	t.Helper()
	src := server.NewSource(cfg, nil)
	root := src.Export(&Calculator{shared: &Counter{}})

	a, b := net.Pipe()
	src.ServeConn(a)
	stub, err := Connect(b, root, cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		stub.Client().Close()
		src.Shutdown(time.Second)
	})
	return src, stub
}

func TestCallAdd(t *testing.T) {
	_, stub := setup(t, testConfig())

	var sum int
	require.NoError(t, stub.Invoke(context.Background(), "Add", &sum, 2, 3))
	assert.Equal(t, 5, sum)

	res, err := stub.Call(context.Background(), "Add", 40, 2)
	require.NoError(t, err)
	assert.False(t, res.IsRef())
	require.NoError(t, res.Decode(&sum))
	assert.Equal(t, 42, sum)
}

func TestCallFailures(t *testing.T) {
	_, stub := setup(t, testConfig())
	ctx := context.Background()

	_, err := stub.Call(ctx, "Add", 2)
	assert.True(t, errors.Is(err, rpcerr.ErrArityMismatch), "got %v", err)

	_, err = stub.Call(ctx, "Multiply", 2, 3)
	assert.True(t, errors.Is(err, rpcerr.ErrNoSuchMethod), "got %v", err)

	_, err = stub.Call(ctx, "Add", "two", 3)
	assert.True(t, errors.Is(err, rpcerr.ErrInvalidArgument), "got %v", err)

	_, err = stub.Call(ctx, "Add", make(chan int), 3)
	assert.True(t, errors.Is(err, rpcerr.ErrInvalidArgument), "unencodable argument: got %v", err)

	_, err = stub.Call(ctx, "Div", 1, 0)
	var remote *rpcerr.Error
	require.True(t, errors.As(err, &remote))
	assert.Equal(t, rpcerr.RemoteExecutionFailure, remote.Kind)
	assert.Equal(t, "*errors.errorString", remote.RemoteKind)
	assert.Equal(t, "divide by zero", remote.Message)
}

func TestReturnedObject(t *testing.T) {
	src, stub := setup(t, testConfig())
	ctx := context.Background()

	res, err := stub.Call(ctx, "NewCounter")
	require.NoError(t, err)
	require.True(t, res.IsRef())
	counter := res.Stub()
	require.NotNil(t, counter)
	assert.Error(t, res.Decode(new(int)), "a reference is not a value")

	var n int
	require.NoError(t, counter.Invoke(ctx, "Incr", &n))
	require.NoError(t, counter.Invoke(ctx, "Incr", &n))
	assert.Equal(t, 2, n)

	// A stub passed as an argument arrives as the live object.
	require.NoError(t, stub.Invoke(ctx, "Read", &n, counter))
	assert.Equal(t, 2, n)

	assert.Equal(t, 2, src.Registry().Len())
}

func TestInvokeIntoStub(t *testing.T) {
	_, stub := setup(t, testConfig())
	ctx := context.Background()

	var counter *Stub
	require.NoError(t, stub.Invoke(ctx, "NewCounter", &counter))
	require.NotNil(t, counter)

	var n int
	err := stub.Invoke(ctx, "NewCounter", &n)
	assert.True(t, errors.Is(err, rpcerr.ErrInvalidArgument), "got %v", err)
}

func TestStubIdentity(t *testing.T) {
	src, stub := setup(t, testConfig())
	ctx := context.Background()

	var first, second *Stub
	require.NoError(t, stub.Invoke(ctx, "Shared", &first))
	require.NoError(t, stub.Invoke(ctx, "Shared", &second))
	assert.Same(t, first, second)
	assert.Equal(t, 2, stub.Client().Len())

	entry, ok := src.Registry().Entry(first.Ref())
	require.True(t, ok)
	assert.Equal(t, uint64(2), entry.Count)

	first.Release()
	assert.False(t, second.Released(), "one hold remains")
	second.Release()
	assert.True(t, first.Released())
	assert.Equal(t, 1, stub.Client().Len())

	// Both deliveries are returned in one release.
	require.Eventually(t, func() bool {
		_, err := src.Registry().Resolve(first.Ref())
		return errors.Is(err, rpcerr.ErrUnknownReference)
	}, 2*time.Second, 5*time.Millisecond)

	_, err := first.Call(ctx, "Incr")
	assert.True(t, errors.Is(err, rpcerr.ErrUnknownReference), "got %v", err)
	_, err = stub.Call(ctx, "Read", first)
	assert.True(t, errors.Is(err, rpcerr.ErrInvalidArgument), "got %v", err)

	// A new delivery after release makes a new stub.
	var third *Stub
	require.NoError(t, stub.Invoke(ctx, "Shared", &third))
	assert.NotSame(t, first, third)
	assert.NotEqual(t, first.Ref(), third.Ref(), "refs are never reused")
}

func TestRetain(t *testing.T) {
	src, stub := setup(t, testConfig())
	ctx := context.Background()

	var counter *Stub
	require.NoError(t, stub.Invoke(ctx, "NewCounter", &counter))
	counter.Retain()
	counter.Release()

	var n int
	require.NoError(t, counter.Invoke(ctx, "Incr", &n))
	assert.Equal(t, 1, n)

	counter.Release()
	counter.Release()
	require.Eventually(t, func() bool { return src.Registry().Len() == 1 }, 2*time.Second, 5*time.Millisecond)
}

func TestReleaseRoot(t *testing.T) {
	src, stub := setup(t, testConfig())

	stub.Release()
	require.Eventually(t, func() bool { return src.Registry().Len() == 0 }, 2*time.Second, 5*time.Millisecond)

	_, err := stub.Call(context.Background(), "Add", 1, 2)
	assert.True(t, errors.Is(err, rpcerr.ErrUnknownReference), "got %v", err)
}

func TestSlowCallDoesNotBlockFast(t *testing.T) {
	_, stub := setup(t, testConfig())
	ctx := context.Background()

	slowDone := make(chan time.Time, 1)
	go func() {
		stub.Call(ctx, "Sleep", 200)
		slowDone <- time.Now()
	}()
	time.Sleep(10 * time.Millisecond)

	var sum int
	require.NoError(t, stub.Invoke(ctx, "Add", &sum, 1, 1))
	fastDone := time.Now()
	assert.True(t, fastDone.Before(<-slowDone))
}

func TestCloseFailsOutstandingCalls(t *testing.T) {
	_, stub := setup(t, testConfig())

	const k = 4
	errs := make(chan error, k)
	for i := 0; i < k; i++ {
		go func() {
			_, err := stub.Call(context.Background(), "Sleep", 5000)
			errs <- err
		}()
	}
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, stub.Client().Close())

	for i := 0; i < k; i++ {
		select {
		case err := <-errs:
			assert.True(t, errors.Is(err, rpcerr.ErrConnectionLost), "got %v", err)
		case <-time.After(2 * time.Second):
			t.Fatal("outstanding call not failed")
		}
	}

	_, err := stub.Call(context.Background(), "Add", 1, 2)
	assert.True(t, errors.Is(err, rpcerr.ErrConnectionLost), "got %v", err)
}

func TestCallTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.CallTimeout = config.Duration(20 * time.Millisecond)
	_, stub := setup(t, cfg)

	_, err := stub.Call(context.Background(), "Sleep", 500)
	assert.True(t, errors.Is(err, rpcerr.ErrTimeout), "got %v", err)

	// An explicit deadline wins over the default.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	var ms int
	require.NoError(t, stub.Invoke(ctx, "Sleep", &ms, 50))
	assert.Equal(t, 50, ms)
}

func TestOrphanReferenceReleased(t *testing.T) {
	src, stub := setup(t, testConfig())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := stub.Call(ctx, "SlowCounter", 50)
	require.True(t, errors.Is(err, rpcerr.ErrTimeout), "got %v", err)

	// The counter is registered when the method returns, then released as
	// soon as its response finds no waiter.
	require.Eventually(t, func() bool { return src.Registry().Len() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, stub.Client().Len())
}

func TestCompressionAndCodecs(t *testing.T) {
	for _, tc := range []struct{ codec, compression string }{
		{"json", "lz4"},
		{"cbor", "zstd"},
		{"json", "none"},
	} {
		t.Run(tc.codec+"/"+tc.compression, func(t *testing.T) {
			cfg := testConfig()
			cfg.Codec = tc.codec
			cfg.Compression = tc.compression
			cfg.CompressThreshold = 128
			_, stub := setup(t, cfg)

			long := strings.Repeat("distributed ruby ", 2000)
			var echoed string
			require.NoError(t, stub.Invoke(context.Background(), "Echo", &echoed, long))
			assert.Equal(t, long, echoed)

			var sum int
			require.NoError(t, stub.Invoke(context.Background(), "Add", &sum, 2, 3))
			assert.Equal(t, 5, sum)
		})
	}
}

func TestRateLimited(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimit = config.RateLimitConfig{Rate: 1, Burst: 2}
	_, stub := setup(t, cfg)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := stub.Call(ctx, "Add", 1, 2)
		require.NoError(t, err)
	}
	_, err := stub.Call(ctx, "Add", 1, 2)
	assert.True(t, errors.Is(err, rpcerr.ErrRejected), "got %v", err)
}

func TestDial(t *testing.T) {
	cfg := testConfig()
	src := server.NewSource(cfg, nil)
	root := src.Export(&Calculator{})

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go src.Serve(listener)
	defer src.Shutdown(time.Second)

	stub, err := Dial(context.Background(), "tcp", listener.Addr().String(), root, cfg, nil)
	require.NoError(t, err)
	defer stub.Client().Close()

	var sum int
	require.NoError(t, stub.Invoke(context.Background(), "Add", &sum, 2, 3))
	assert.Equal(t, 5, sum)
}

func TestDialRefused(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := listener.Addr().String()
	listener.Close()

	_, err = Dial(context.Background(), "tcp", addr, message.RemoteRef(1), testConfig(), nil)
	assert.True(t, errors.Is(err, rpcerr.ErrConnectionLost), "got %v", err)
}

func TestConnectRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Codec = "gob"
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	_, err := Connect(b, 1, cfg, nil)
	assert.Error(t, err)
}
