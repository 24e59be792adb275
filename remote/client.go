package remote

import (
	"context"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-query-cache/metrics"
	"github.com/saiset-co/sai-query-cache/types"
	"github.com/saiset-co/sai-query-cache/utils"
)

type State int32

const (
	StateStopped State = iota
	StateRunning
)

const (
	HeaderRequestID     = "X-Request-ID"
	HeaderAuthorization = "Authorization"
)

// Client talks to the remote API. It makes exactly one attempt per Call and
// classifies the outcome; retries belong to the executor.
type Client struct {
	logger    types.Logger
	metrics   types.MetricsManager
	client    *fasthttp.Client
	baseURL   string
	config    *types.RemoteConfig
	breaker   *CircuitBreaker
	tokens    types.TokenStore
	namespace string
	state     atomic.Value
}

var (
	_ types.RemoteClient     = (*Client)(nil)
	_ types.SessionRefresher = (*Client)(nil)
)

func NewClient(config *types.RemoteConfig, tokens types.TokenStore, namespace string, logger types.Logger, metricsManager types.MetricsManager) (*Client, error) {
	if config == nil || config.BaseURL == "" {
		return nil, types.Errorf(types.ErrInvalidParameter, "remote base url is required")
	}

	cfg := *config
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}

	c := &Client{
		logger:  logger,
		metrics: metricsManager,
		client: &fasthttp.Client{
			Name:                     "sai-query-cache",
			NoDefaultUserAgentHeader: true,
			ReadTimeout:              cfg.Timeout,
			WriteTimeout:             cfg.Timeout,
		},
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		config:    &cfg,
		breaker:   NewCircuitBreaker(cfg.CircuitBreaker, logger, cfg.BaseURL),
		tokens:    tokens,
		namespace: namespace,
	}
	c.state.Store(StateStopped)

	return c, nil
}

func (c *Client) Start() error {
	if !c.state.CompareAndSwap(StateStopped, StateRunning) {
		return types.ErrServerAlreadyRunning
	}
	return nil
}

func (c *Client) Stop() error {
	if !c.state.CompareAndSwap(StateRunning, StateStopped) {
		return types.ErrServerNotRunning
	}
	c.client.CloseIdleConnections()
	return nil
}

func (c *Client) IsRunning() bool {
	return c.state.Load().(State) == StateRunning
}

func (c *Client) Breaker() *CircuitBreaker {
	return c.breaker
}

// Call sends one request. 401/403 yield types.ErrAuthExpired; transport
// failures, 408, 429 and 5xx yield a retryable *types.RemoteError; any other
// non-2xx yields a permanent one.
func (c *Client) Call(ctx context.Context, method, path string, data interface{}, opts *types.CallOptions) ([]byte, int, error) {
	start := time.Now()
	body, status, err := c.call(ctx, method, path, data, opts)

	result := metrics.ResultOf(err)
	if types.IsError(err, types.ErrAuthExpired) {
		result = "auth_expired"
	}
	metrics.RecordOperation(c.metrics, "remote", strings.ToLower(method), result, time.Since(start))

	return body, status, err
}

func (c *Client) call(ctx context.Context, method, path string, data interface{}, opts *types.CallOptions) ([]byte, int, error) {
	if !c.IsRunning() {
		return nil, 0, types.MarkPermanent(types.ErrServiceIsNotRunning)
	}

	if !c.breaker.CanExecute() {
		return nil, 0, types.MarkRetryable(types.ErrCircuitBreakerOpen)
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(c.baseURL + path)
	req.Header.SetMethod(method)
	req.Header.Set(HeaderRequestID, uuid.NewString())

	for key, value := range c.config.Headers {
		req.Header.Set(key, value)
	}

	if data != nil {
		jsonData, err := utils.Marshal(data)
		if err != nil {
			return nil, 0, types.MarkPermanent(types.WrapError(err, "failed to marshal request data"))
		}
		req.SetBody(jsonData)
		req.Header.SetContentType("application/json")
	}

	timeout := c.config.Timeout
	skipAuth := false

	if opts != nil {
		for key, value := range opts.Headers {
			req.Header.Set(key, value)
		}
		if opts.Timeout > 0 {
			timeout = opts.Timeout
		}
		skipAuth = opts.SkipAuth
	}

	if !skipAuth && c.tokens != nil {
		if token, ok := c.tokens.Get(ctx, c.namespace); ok {
			req.Header.Set(HeaderAuthorization, "Bearer "+token.Value)
		}
	}

	deadline := time.Now().Add(timeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}

	err := c.client.DoDeadline(req, resp, deadline)
	statusCode := resp.StatusCode()

	if IsBreakerFailure(statusCode, err) {
		c.breaker.RecordFailure()
	} else {
		c.breaker.RecordSuccess()
	}

	if err != nil {
		c.logger.Debug("Remote call failed",
			zap.String("method", method),
			zap.String("path", path),
			zap.Error(err))
		return nil, 0, types.MarkRetryable(types.Errorf(types.ErrClientRequestFailed, "%s %s: %v", method, path, err))
	}

	return classify(method, path, statusCode, resp.Body())
}

func classify(method, path string, statusCode int, body []byte) ([]byte, int, error) {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return append([]byte(nil), body...), statusCode, nil
	case statusCode == fasthttp.StatusUnauthorized || statusCode == fasthttp.StatusForbidden:
		return nil, statusCode, types.Errorf(types.ErrAuthExpired, "%s %s: status %d", method, path, statusCode)
	}

	remoteErr := &types.RemoteError{
		Err:        types.Errorf(types.ErrClientResponseInvalid, "%s %s: %s", method, path, truncate(body, 256)),
		StatusCode: statusCode,
		Retryable:  IsRetryableStatus(statusCode),
	}
	return nil, statusCode, remoteErr
}

// IsRetryableStatus reports whether a non-2xx status is worth another attempt.
func IsRetryableStatus(statusCode int) bool {
	return statusCode == fasthttp.StatusRequestTimeout ||
		statusCode == fasthttp.StatusTooManyRequests ||
		statusCode >= fasthttp.StatusInternalServerError
}

type refreshResponse struct {
	Token       string `json:"token"`
	AccessToken string `json:"access_token"`
}

// Refresh exchanges the current session for a new token at RefreshPath and
// stores it under the client's namespace.
func (c *Client) Refresh(ctx context.Context) error {
	if c.config.RefreshPath == "" {
		return types.Errorf(types.ErrAuthRefreshFailed, "refresh path is not configured")
	}

	body, _, err := c.call(ctx, fasthttp.MethodPost, c.config.RefreshPath, nil, nil)
	if err != nil {
		if types.IsError(err, types.ErrAuthExpired) && c.tokens != nil {
			c.tokens.Clear(ctx, c.namespace)
		}
		return types.Errorf(types.ErrAuthRefreshFailed, "%v", err)
	}

	var parsed refreshResponse
	if err = utils.Unmarshal(body, &parsed); err != nil {
		return types.Errorf(types.ErrAuthRefreshFailed, "decode: %v", err)
	}

	token := parsed.AccessToken
	if token == "" {
		token = parsed.Token
	}
	if token == "" {
		return types.Errorf(types.ErrAuthRefreshFailed, "response has no token")
	}

	if c.tokens != nil {
		c.tokens.Set(ctx, c.namespace, token)
	}

	c.logger.Info("Session refreshed", zap.String("namespace", c.namespace))
	return nil
}

func truncate(body []byte, limit int) string {
	if len(body) <= limit {
		return string(body)
	}
	return string(body[:limit]) + "..."
}
