package network

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"

	"github.com/saiset-co/sai-query-cache/logger"
	"github.com/saiset-co/sai-query-cache/types"
)

type countingProber struct {
	calls atomic.Int32
	state atomic.Bool
	err   error
	gate  chan struct{}
}

func (p *countingProber) Probe(ctx context.Context) (bool, error) {
	p.calls.Add(1)
	if p.gate != nil {
		<-p.gate
	}
	return p.state.Load(), p.err
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestDebounce(t *testing.T) {
	ctx := context.Background()
	c := &clock{now: time.Unix(1700000000, 0)}
	prober := &countingProber{}
	prober.state.Store(true)

	m := NewMonitor(prober, &types.NetworkConfig{Debounce: 2 * time.Second}, logger.NewNop(), WithClock(c.Now))

	assert.True(t, m.IsAvailable(ctx))
	assert.Equal(t, int32(1), prober.calls.Load())

	prober.state.Store(false)
	c.Advance(time.Second)
	assert.True(t, m.IsAvailable(ctx), "within debounce the last observation is reused")
	assert.Equal(t, int32(1), prober.calls.Load())

	c.Advance(time.Second)
	assert.False(t, m.IsAvailable(ctx))
	assert.Equal(t, int32(2), prober.calls.Load())
	assert.Equal(t, c.Now(), m.LastChecked())
}

func TestForegroundForcesProbe(t *testing.T) {
	ctx := context.Background()
	c := &clock{now: time.Unix(1700000000, 0)}
	prober := NewStaticProber(false)
	m := NewMonitor(prober, &types.NetworkConfig{Debounce: time.Hour}, logger.NewNop(), WithClock(c.Now))

	assert.False(t, m.IsAvailable(ctx))

	prober.Set(true)
	assert.False(t, m.IsAvailable(ctx))

	m.OnForeground(ctx)
	assert.True(t, m.IsAvailable(ctx))
}

func TestProbeErrorFailsOpen(t *testing.T) {
	prober := &countingProber{err: errors.New("permission denied")}
	m := NewMonitor(prober, nil, logger.NewNop())

	assert.True(t, m.IsAvailable(context.Background()))
}

func TestSubscribeOnChangeOnly(t *testing.T) {
	ctx := context.Background()
	prober := NewStaticProber(true)
	m := NewMonitor(prober, nil, logger.NewNop())

	var events []bool
	m.Subscribe(func(available bool) { events = append(events, available) })

	m.Refresh(ctx)
	prober.Set(false)
	m.Refresh(ctx)
	m.Refresh(ctx)
	prober.Set(true)
	m.Refresh(ctx)

	assert.Equal(t, []bool{false, true}, events)
}

func TestConcurrentRefreshSharesProbe(t *testing.T) {
	prober := &countingProber{gate: make(chan struct{})}
	prober.state.Store(true)
	m := NewMonitor(prober, nil, logger.NewNop())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.True(t, m.Refresh(context.Background()))
		}()
	}

	require.Eventually(t, func() bool { return prober.calls.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(prober.gate)
	wg.Wait()

	assert.LessOrEqual(t, prober.calls.Load(), int32(8))
	assert.GreaterOrEqual(t, prober.calls.Load(), int32(1))
}

func TestNewProber(t *testing.T) {
	p, err := NewProber(nil)
	require.NoError(t, err)
	assert.IsType(t, &StaticProber{}, p)

	p, err = NewProber(&types.NetworkConfig{Probe: "http", URL: "http://example.test/health"})
	require.NoError(t, err)
	assert.IsType(t, &HTTPProber{}, p)

	p, err = NewProber(&types.NetworkConfig{Probe: "tcp", Address: "example.test:443"})
	require.NoError(t, err)
	assert.IsType(t, &TCPProber{}, p)

	_, err = NewProber(&types.NetworkConfig{Probe: "icmp"})
	assert.ErrorIs(t, err, types.ErrNetworkProbeUnknown)

	RegisterProber("always-down", func(*types.NetworkConfig) (types.Prober, error) {
		return NewStaticProber(false), nil
	})
	p, err = NewProber(&types.NetworkConfig{Probe: "always-down"})
	require.NoError(t, err)
	available, err := p.Probe(context.Background())
	require.NoError(t, err)
	assert.False(t, available)
}

func serve(t *testing.T, status int) string {
	t.Helper()
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)

	server := &fasthttp.Server{Handler: func(ctx *fasthttp.RequestCtx) {
		ctx.SetStatusCode(status)
	}}
	go func() { _ = server.Serve(ln) }()
	t.Cleanup(func() { _ = server.Shutdown() })

	return ln.Addr().String()
}

func closedAddress(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

func TestHTTPProber(t *testing.T) {
	ctx := context.Background()

	available, err := NewHTTPProber("http://"+serve(t, fasthttp.StatusNotFound)+"/", time.Second).Probe(ctx)
	require.NoError(t, err)
	assert.True(t, available, "any non-5xx answer proves reachability")

	available, err = NewHTTPProber("http://"+serve(t, fasthttp.StatusServiceUnavailable)+"/", time.Second).Probe(ctx)
	require.NoError(t, err)
	assert.False(t, available)

	available, err = NewHTTPProber("http://"+closedAddress(t)+"/", time.Second).Probe(ctx)
	require.NoError(t, err)
	assert.False(t, available)

	_, err = NewHTTPProber("", time.Second).Probe(ctx)
	assert.ErrorIs(t, err, types.ErrNetworkProbeFailed)
}

func TestTCPProber(t *testing.T) {
	ctx := context.Background()

	available, err := NewTCPProber(serve(t, fasthttp.StatusOK), time.Second).Probe(ctx)
	require.NoError(t, err)
	assert.True(t, available)

	available, err = NewTCPProber(closedAddress(t), time.Second).Probe(ctx)
	require.NoError(t, err)
	assert.False(t, available)
}

func TestTCPProberTimeoutIsOffline(t *testing.T) {
	expired, cancel := context.WithTimeout(context.Background(), 0)
	defer cancel()
	<-expired.Done()

	available, err := NewTCPProber(serve(t, fasthttp.StatusOK), time.Second).Probe(expired)
	require.NoError(t, err)
	assert.False(t, available)

	cancelled, cancelNow := context.WithCancel(context.Background())
	cancelNow()
	_, err = NewTCPProber(serve(t, fasthttp.StatusOK), time.Second).Probe(cancelled)
	assert.ErrorIs(t, err, types.ErrNetworkProbeFailed)
}

func TestMonitorReportsOfflineOnDialTimeout(t *testing.T) {
	// 10.255.255.1 is unroutable: the handshake hangs or fails at once.
	config := &types.NetworkConfig{Probe: "tcp", Address: "10.255.255.1:9", Timeout: 50 * time.Millisecond}
	prober, err := NewProber(config)
	require.NoError(t, err)

	m := NewMonitor(prober, config, logger.NewNop())
	assert.False(t, m.Refresh(context.Background()))
}

// ctxProber reports the caller's context error when it is already done.
type ctxProber struct{}

func (ctxProber) Probe(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return false, nil
}

func TestRefreshIgnoresCallerCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	m := NewMonitor(ctxProber{}, nil, logger.NewNop())
	assert.False(t, m.Refresh(ctx), "a cancelled caller must not turn the shared probe into a fail-open result")
}

func TestSubscribeListenersSnapshot(t *testing.T) {
	prober := NewStaticProber(true)
	m := NewMonitor(prober, nil, logger.NewNop())
	m.Refresh(context.Background())

	var first, second atomic.Int32
	m.Subscribe(func(bool) {
		first.Add(1)
		m.Subscribe(func(bool) { second.Add(1) })
	})

	prober.Set(false)
	m.Refresh(context.Background())
	assert.Equal(t, int32(1), first.Load())
	assert.Equal(t, int32(0), second.Load(), "listeners added during dispatch wait for the next change")
}
