package network

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/saiset-co/sai-query-cache/types"
)

type ProberCreator func(config *types.NetworkConfig) (types.Prober, error)

var customProbers = sync.Map{}

func RegisterProber(name string, creator ProberCreator) {
	customProbers.Store(name, creator)
}

func NewProber(config *types.NetworkConfig) (types.Prober, error) {
	if config == nil {
		return NewStaticProber(true), nil
	}

	timeout := config.Timeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}

	switch config.Probe {
	case "", "static":
		return NewStaticProber(true), nil
	case "http":
		return NewHTTPProber(config.URL, timeout), nil
	case "tcp":
		return NewTCPProber(config.Address, timeout), nil
	default:
		if creator, exists := customProbers.Load(config.Probe); exists {
			return creator.(ProberCreator)(config)
		}
		return nil, types.Errorf(types.ErrNetworkProbeUnknown, "probe: %s", config.Probe)
	}
}

// StaticProber reports a fixed state; offline-first builds and tests flip it.
type StaticProber struct {
	available atomic.Bool
}

func NewStaticProber(available bool) *StaticProber {
	p := &StaticProber{}
	p.available.Store(available)
	return p
}

func (p *StaticProber) Set(available bool) {
	p.available.Store(available)
}

func (p *StaticProber) Probe(context.Context) (bool, error) {
	return p.available.Load(), nil
}

// HTTPProber treats any response below 500 as reachable.
type HTTPProber struct {
	url     string
	timeout time.Duration
	client  *fasthttp.Client
}

func NewHTTPProber(url string, timeout time.Duration) *HTTPProber {
	return &HTTPProber{
		url:     url,
		timeout: timeout,
		client: &fasthttp.Client{
			Name:                     "query-cache-probe",
			NoDefaultUserAgentHeader: true,
			MaxConnsPerHost:          2,
			ReadTimeout:              timeout,
			WriteTimeout:             timeout,
		},
	}
}

func (p *HTTPProber) Probe(ctx context.Context) (bool, error) {
	if p.url == "" {
		return false, types.Errorf(types.ErrNetworkProbeFailed, "probe url is empty")
	}

	req := fasthttp.AcquireRequest()
	defer fasthttp.ReleaseRequest(req)
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(p.url)
	req.Header.SetMethod(fasthttp.MethodHead)

	timeout := p.timeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}

	if err := p.client.DoTimeout(req, resp, timeout); err != nil {
		if isTransportError(err) {
			return false, nil
		}
		return false, types.Errorf(types.ErrNetworkProbeFailed, "%v", err)
	}

	return resp.StatusCode() < fasthttp.StatusInternalServerError, nil
}

// TCPProber dials an address; a completed handshake means reachable. A dial
// that runs out of time is an offline observation.
type TCPProber struct {
	address string
	dialer  net.Dialer
}

func NewTCPProber(address string, timeout time.Duration) *TCPProber {
	return &TCPProber{
		address: address,
		dialer:  net.Dialer{Timeout: timeout},
	}
}

func (p *TCPProber) Probe(ctx context.Context) (bool, error) {
	if p.address == "" {
		return false, types.Errorf(types.ErrNetworkProbeFailed, "probe address is empty")
	}

	conn, err := p.dialer.DialContext(ctx, "tcp", p.address)
	if err != nil {
		if types.IsError(ctx.Err(), context.Canceled) {
			return false, types.Errorf(types.ErrNetworkProbeFailed, "%v", ctx.Err())
		}
		return false, nil
	}
	_ = conn.Close()
	return true, nil
}

func isTransportError(err error) bool {
	if types.IsError(err, fasthttp.ErrTimeout) ||
		types.IsError(err, fasthttp.ErrDialTimeout) ||
		types.IsError(err, fasthttp.ErrConnectionClosed) {
		return true
	}
	var netErr net.Error
	return types.AsError(err, &netErr)
}
