package metrics

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-query-cache/types"
)

// Server exposes the metrics backend over HTTP. Prometheus backends are
// served in text exposition format, everything else as JSON.
type Server struct {
	logger  types.Logger
	config  types.MetricsHTTPConfig
	backend types.MetricsManager
	server  *fasthttp.Server
	ln      net.Listener
}

func NewServer(logger types.Logger, config types.MetricsHTTPConfig, backend types.MetricsManager) *Server {
	if config.Path == "" {
		config.Path = "/metrics"
	}

	s := &Server{
		logger:  logger,
		config:  config,
		backend: backend,
	}

	s.server = &fasthttp.Server{
		Handler:      s.handle(),
		Name:         "query-cache-metrics",
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	return s
}

func (s *Server) Start() error {
	ln, err := net.Listen("tcp4", fmt.Sprintf(":%d", s.config.Port))
	if err != nil {
		return types.WrapError(err, "failed to listen for metrics")
	}
	s.ln = ln

	go func() {
		if err := s.server.Serve(ln); err != nil {
			s.logger.Error("Metrics endpoint stopped", zap.Error(err))
		}
	}()

	s.logger.Info("Metrics endpoint listening",
		zap.String("addr", ln.Addr().String()),
		zap.String("path", s.config.Path))
	return nil
}

func (s *Server) Addr() string {
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

func (s *Server) Stop(ctx context.Context) error {
	return s.server.ShutdownWithContext(ctx)
}

func (s *Server) handle() fasthttp.RequestHandler {
	var inner fasthttp.RequestHandler
	if prom, ok := s.backend.(*PrometheusMetrics); ok {
		inner = prom.handler()
	} else {
		inner = s.serveJSON
	}

	return func(ctx *fasthttp.RequestCtx) {
		if string(ctx.Path()) != s.config.Path {
			ctx.SetStatusCode(fasthttp.StatusNotFound)
			return
		}
		if !ctx.IsGet() {
			ctx.SetStatusCode(fasthttp.StatusMethodNotAllowed)
			return
		}
		inner(ctx)
	}
}

func (s *Server) serveJSON(ctx *fasthttp.RequestCtx) {
	data, err := s.backend.GetMetrics()
	if err != nil {
		s.logger.Error("Failed to collect metrics", zap.Error(err))
		ctx.SetStatusCode(fasthttp.StatusInternalServerError)
		return
	}

	ctx.SetContentType("application/json")
	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetBody(data)
}
