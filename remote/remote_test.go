package remote

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"

	"github.com/saiset-co/sai-query-cache/logger"
	"github.com/saiset-co/sai-query-cache/metrics"
	"github.com/saiset-co/sai-query-cache/types"
)

type memoryTokens struct {
	mu     sync.Mutex
	tokens map[string]string
}

func newMemoryTokens() *memoryTokens {
	return &memoryTokens{tokens: make(map[string]string)}
}

func (m *memoryTokens) Get(_ context.Context, namespace string) (types.AuthToken, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	value, ok := m.tokens[namespace]
	return types.AuthToken{Value: value, StoredAt: time.Now()}, ok
}

func (m *memoryTokens) Set(_ context.Context, namespace string, value string) {
	m.mu.Lock()
	m.tokens[namespace] = value
	m.mu.Unlock()
}

func (m *memoryTokens) Clear(_ context.Context, namespace string) {
	m.mu.Lock()
	delete(m.tokens, namespace)
	m.mu.Unlock()
}

func serve(t *testing.T, handler fasthttp.RequestHandler) string {
	t.Helper()
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)

	server := &fasthttp.Server{Handler: handler}
	go func() { _ = server.Serve(ln) }()
	t.Cleanup(func() { _ = server.Shutdown() })

	return "http://" + ln.Addr().String()
}

func newClient(t *testing.T, config *types.RemoteConfig, tokens types.TokenStore, m types.MetricsManager) *Client {
	t.Helper()
	c, err := NewClient(config, tokens, "session", logger.NewNop(), m)
	require.NoError(t, err)
	require.NoError(t, c.Start())
	t.Cleanup(func() { _ = c.Stop() })
	return c
}

func TestCallClassifiesStatus(t *testing.T) {
	baseURL := serve(t, func(ctx *fasthttp.RequestCtx) {
		switch string(ctx.Path()) {
		case "/ok":
			ctx.SetBodyString(`{"ok":true}`)
		case "/unauthorized":
			ctx.SetStatusCode(fasthttp.StatusUnauthorized)
		case "/forbidden":
			ctx.SetStatusCode(fasthttp.StatusForbidden)
		case "/busy":
			ctx.SetStatusCode(fasthttp.StatusTooManyRequests)
		case "/down":
			ctx.SetStatusCode(fasthttp.StatusBadGateway)
		default:
			ctx.SetStatusCode(fasthttp.StatusUnprocessableEntity)
			ctx.SetBodyString("name is required")
		}
	})
	c := newClient(t, &types.RemoteConfig{BaseURL: baseURL}, nil, nil)
	ctx := context.Background()

	body, status, err := c.Call(ctx, fasthttp.MethodGet, "/ok", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, fasthttp.StatusOK, status)
	assert.JSONEq(t, `{"ok":true}`, string(body))

	for _, path := range []string{"/unauthorized", "/forbidden"} {
		_, _, err = c.Call(ctx, fasthttp.MethodGet, path, nil, nil)
		assert.ErrorIs(t, err, types.ErrAuthExpired, path)
	}

	for _, path := range []string{"/busy", "/down"} {
		_, _, err = c.Call(ctx, fasthttp.MethodGet, path, nil, nil)
		assert.ErrorIs(t, err, types.ErrRemote, path)
		assert.True(t, types.IsRetryable(err), path)
	}

	_, status, err = c.Call(ctx, fasthttp.MethodPost, "/admins", map[string]string{"name": ""}, nil)
	assert.Equal(t, fasthttp.StatusUnprocessableEntity, status)
	assert.False(t, types.IsRetryable(err))
	assert.Contains(t, err.Error(), "name is required")

	var remoteErr *types.RemoteError
	require.True(t, errors.As(err, &remoteErr))
	assert.Equal(t, fasthttp.StatusUnprocessableEntity, remoteErr.StatusCode)
}

func TestCallSendsHeaders(t *testing.T) {
	var got fasthttp.RequestHeader
	var body []byte
	baseURL := serve(t, func(ctx *fasthttp.RequestCtx) {
		ctx.Request.Header.CopyTo(&got)
		body = append([]byte(nil), ctx.PostBody()...)
	})

	tokens := newMemoryTokens()
	tokens.Set(context.Background(), "session", "abc")

	c := newClient(t, &types.RemoteConfig{BaseURL: baseURL + "/", Headers: map[string]string{"X-App": "crm"}}, tokens, nil)

	_, _, err := c.Call(context.Background(), fasthttp.MethodPost, "/admins", map[string]int{"id": 1},
		&types.CallOptions{Headers: map[string]string{"X-Trace": "t1"}})
	require.NoError(t, err)

	assert.Equal(t, "Bearer abc", string(got.Peek(HeaderAuthorization)))
	assert.NotEmpty(t, got.Peek(HeaderRequestID))
	assert.Equal(t, "crm", string(got.Peek("X-App")))
	assert.Equal(t, "t1", string(got.Peek("X-Trace")))
	assert.Equal(t, "application/json", string(got.ContentType()))
	assert.JSONEq(t, `{"id":1}`, string(body))

	_, _, err = c.Call(context.Background(), fasthttp.MethodGet, "/admins", nil, &types.CallOptions{SkipAuth: true})
	require.NoError(t, err)
	assert.Empty(t, got.Peek(HeaderAuthorization))
}

func TestCallTransportFailureIsRetryable(t *testing.T) {
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	c := newClient(t, &types.RemoteConfig{BaseURL: "http://" + addr, Timeout: time.Second}, nil, nil)
	_, _, err = c.Call(context.Background(), fasthttp.MethodGet, "/", nil, nil)
	assert.ErrorIs(t, err, types.ErrClientRequestFailed)
	assert.True(t, types.IsRetryable(err))
}

func TestCallRequiresRunning(t *testing.T) {
	c, err := NewClient(&types.RemoteConfig{BaseURL: "http://127.0.0.1:1"}, nil, "session", logger.NewNop(), nil)
	require.NoError(t, err)

	_, _, err = c.Call(context.Background(), fasthttp.MethodGet, "/", nil, nil)
	assert.ErrorIs(t, err, types.ErrServiceIsNotRunning)
	assert.False(t, types.IsRetryable(err))

	_, err = NewClient(&types.RemoteConfig{}, nil, "session", logger.NewNop(), nil)
	assert.ErrorIs(t, err, types.ErrInvalidParameter)
}

func TestRefresh(t *testing.T) {
	status := fasthttp.StatusOK
	response := `{"token":"t-2"}`
	baseURL := serve(t, func(ctx *fasthttp.RequestCtx) {
		ctx.SetStatusCode(status)
		ctx.SetBodyString(response)
	})

	tokens := newMemoryTokens()
	tokens.Set(context.Background(), "session", "t-1")
	c := newClient(t, &types.RemoteConfig{BaseURL: baseURL, RefreshPath: "/auth/refresh"}, tokens, nil)

	require.NoError(t, c.Refresh(context.Background()))
	token, ok := tokens.Get(context.Background(), "session")
	require.True(t, ok)
	assert.Equal(t, "t-2", token.Value)

	response = `{}`
	assert.ErrorIs(t, c.Refresh(context.Background()), types.ErrAuthRefreshFailed)

	status = fasthttp.StatusUnauthorized
	assert.ErrorIs(t, c.Refresh(context.Background()), types.ErrAuthRefreshFailed)
	_, ok = tokens.Get(context.Background(), "session")
	assert.False(t, ok, "a rejected refresh clears the session")

	noPath := newClient(t, &types.RemoteConfig{BaseURL: baseURL}, tokens, nil)
	assert.ErrorIs(t, noPath.Refresh(context.Background()), types.ErrAuthRefreshFailed)
}

func TestFetchJSON(t *testing.T) {
	baseURL := serve(t, func(ctx *fasthttp.RequestCtx) {
		if string(ctx.Path()) == "/broken" {
			ctx.SetBodyString(`{"id":`)
			return
		}
		ctx.SetBodyString(`{"id":7,"name":"Ada"}`)
	})
	c := newClient(t, &types.RemoteConfig{BaseURL: baseURL}, nil, nil)

	type admin struct {
		ID   int    `json:"id"`
		Name string `json:"name"`
	}

	got, err := FetchJSON[admin](c, fasthttp.MethodGet, "/admins/7", nil)(context.Background())
	require.NoError(t, err)
	assert.Equal(t, admin{ID: 7, Name: "Ada"}, got)

	_, err = FetchJSON[admin](c, fasthttp.MethodGet, "/broken", nil)(context.Background())
	assert.ErrorIs(t, err, types.ErrClientResponseInvalid)
	assert.False(t, types.IsRetryable(err))
}

func TestCallMetrics(t *testing.T) {
	baseURL := serve(t, func(ctx *fasthttp.RequestCtx) {
		if string(ctx.Path()) == "/login" {
			ctx.SetStatusCode(fasthttp.StatusUnauthorized)
		}
	})

	m, err := metrics.NewManager(context.Background(), nil, logger.NewNop())
	require.NoError(t, err)
	require.NoError(t, m.Start())
	defer m.Stop()

	c := newClient(t, &types.RemoteConfig{BaseURL: baseURL}, nil, m)
	_, _, _ = c.Call(context.Background(), fasthttp.MethodGet, "/", nil, nil)
	_, _, _ = c.Call(context.Background(), fasthttp.MethodGet, "/login", nil, nil)

	labels := func(result string) map[string]string {
		return map[string]string{"operation": "get", "result": result}
	}
	assert.Equal(t, float64(1), m.Counter("remote_operations_total", labels("success")).Get())
	assert.Equal(t, float64(1), m.Counter("remote_operations_total", labels("auth_expired")).Get())
}

func TestCircuitBreaker(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	cb := NewCircuitBreaker(&types.CircuitBreakerConfig{Enabled: true, FailureThreshold: 2, RecoveryTimeout: time.Minute, HalfOpenRequests: 1}, logger.NewNop(), "api")
	cb.now = func() time.Time { return now }

	assert.True(t, cb.CanExecute())
	cb.RecordFailure()
	assert.Equal(t, StateBreakerClosed, cb.State())
	cb.RecordFailure()
	assert.Equal(t, StateBreakerOpen, cb.State())
	assert.False(t, cb.CanExecute())

	now = now.Add(time.Minute)
	assert.True(t, cb.CanExecute())
	assert.Equal(t, StateBreakerHalfOpen, cb.State())
	assert.False(t, cb.CanExecute(), "only one probe while half-open")

	cb.RecordFailure()
	assert.Equal(t, StateBreakerOpen, cb.State())

	now = now.Add(time.Minute)
	require.True(t, cb.CanExecute())
	cb.RecordSuccess()
	assert.Equal(t, StateBreakerClosed, cb.State())
	assert.Equal(t, "closed", cb.State().String())

	cb.RecordFailure()
	cb.Reset()
	cb.RecordFailure()
	assert.Equal(t, StateBreakerClosed, cb.State())
}

func TestDisabledBreakerAllowsEverything(t *testing.T) {
	cb := NewCircuitBreaker(&types.CircuitBreakerConfig{Enabled: false}, logger.NewNop(), "api")
	assert.Nil(t, cb)
	for i := 0; i < 10; i++ {
		cb.RecordFailure()
	}
	assert.True(t, cb.CanExecute())
	assert.Equal(t, StateBreakerClosed, cb.State())
}

func TestOpenBreakerShortCircuits(t *testing.T) {
	calls := 0
	baseURL := serve(t, func(ctx *fasthttp.RequestCtx) {
		calls++
		ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
	})

	c := newClient(t, &types.RemoteConfig{
		BaseURL:        baseURL,
		CircuitBreaker: &types.CircuitBreakerConfig{Enabled: true, FailureThreshold: 2, RecoveryTimeout: time.Hour},
	}, nil, nil)

	for i := 0; i < 2; i++ {
		_, _, err := c.Call(context.Background(), fasthttp.MethodGet, "/", nil, nil)
		assert.ErrorIs(t, err, types.ErrRemote)
	}

	_, _, err := c.Call(context.Background(), fasthttp.MethodGet, "/", nil, nil)
	assert.ErrorIs(t, err, types.ErrCircuitBreakerOpen)
	assert.True(t, types.IsRetryable(err))
	assert.Equal(t, 2, calls)
	assert.Equal(t, StateBreakerOpen, c.Breaker().State())
}

func TestIsRetryableStatus(t *testing.T) {
	for _, code := range []int{408, 429, 500, 503} {
		assert.True(t, IsRetryableStatus(code), code)
	}
	for _, code := range []int{400, 404, 409, 422} {
		assert.False(t, IsRetryableStatus(code), code)
	}
	assert.True(t, IsBreakerFailure(0, errors.New("reset")))
	assert.False(t, IsBreakerFailure(404, nil))
}
