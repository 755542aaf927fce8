package proxy

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/guseggert/scriptmux/wire"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

type dialConfig struct {
	log                      *zap.SugaredLogger
	tlsConfig                *tls.Config
	limits                   wire.Limits
	waitInterval             time.Duration
	customizeRetryableClient func(*retryablehttp.Client)
}

type DialOption func(c *dialConfig)

func WithDialLogger(l *zap.SugaredLogger) DialOption {
	return func(c *dialConfig) {
		c.log = l
	}
}

// WithTLSConfig dials with TLS, e.g. a config from server.ClientTLSConfig for mutual TLS.
func WithTLSConfig(cfg *tls.Config) DialOption {
	return func(c *dialConfig) {
		c.tlsConfig = cfg
	}
}

func WithDialLimits(l wire.Limits) DialOption {
	return func(c *dialConfig) {
		c.limits = l
	}
}

func WithWaitInterval(d time.Duration) DialOption {
	return func(c *dialConfig) {
		c.waitInterval = d
	}
}

func WithCustomizeRetryableClient(f func(r *retryablehttp.Client)) DialOption {
	return func(c *dialConfig) {
		c.customizeRetryableClient = f
	}
}

func newDialConfig(opts []DialOption) *dialConfig {
	c := &dialConfig{
		log:          defaultLogger,
		limits:       wire.DefaultLimits(),
		waitInterval: 100 * time.Millisecond,
	}
	for _, o := range opts {
		o(c)
	}
	c.log = c.log.Named("dial")
	return c
}

type logAdapter struct {
	*zap.SugaredLogger
}

func (a *logAdapter) Printf(msg string, args ...interface{}) { a.Debugf(msg, args...) }

func (c *dialConfig) httpClient() *http.Client {
	dialer := &net.Dialer{Timeout: 5 * time.Second}
	retryClient := retryablehttp.NewClient()
	retryClient.HTTPClient = &http.Client{
		Transport: &http.Transport{
			DialContext:     dialer.DialContext,
			TLSClientConfig: c.tlsConfig,
		},
	}
	retryClient.Backoff = func(min, max time.Duration, attemptNum int, resp *http.Response) time.Duration {
		return 10 * time.Millisecond
	}
	retryClient.RetryMax = 10
	retryClient.Logger = &logAdapter{SugaredLogger: c.log}
	if c.customizeRetryableClient != nil {
		c.customizeRetryableClient(retryClient)
	}
	return retryClient.StandardClient()
}

// Dial connects to a script server over TCP.
func Dial(ctx context.Context, addr string, opts ...DialOption) (*RemoteManager, error) {
	cfg := newDialConfig(opts)
	dialer := &net.Dialer{Timeout: 5 * time.Second}

	cfg.log.Debugw("dialing", "Addr", addr)
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", addr, err)
	}
	if cfg.tlsConfig != nil {
		tlsConn := tls.Client(conn, cfg.tlsConfig)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			conn.Close()
			return nil, fmt.Errorf("TLS handshake with %s: %w", addr, err)
		}
		conn = tlsConn
	}
	return NewRemoteManager(wire.NewSocketConn(conn, wire.WithLogger(cfg.log), wire.WithLimits(cfg.limits)), WithManagerLogger(cfg.log))
}

// DialWebSocket connects to a script server's WebSocket endpoint, e.g. ws://127.0.0.1:21988/ws.
// Frames travel length-prefixed inside binary messages, exactly as over TCP.
func DialWebSocket(ctx context.Context, url string, opts ...DialOption) (*RemoteManager, error) {
	cfg := newDialConfig(opts)

	cfg.log.Debugw("dialing WebSocket", "URL", url)
	wsConn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{HTTPClient: cfg.httpClient()})
	if err != nil {
		return nil, fmt.Errorf("dialing WebSocket conn: %w", err)
	}
	wsConn.SetReadLimit(int64(wire.MaxFrameHardLimit) + 4)

	// The NetConn lives as long as the manager, not as long as the dial context.
	netConn := websocket.NetConn(context.Background(), wsConn, websocket.MessageBinary)
	return NewRemoteManager(wire.NewSocketConn(netConn, wire.WithLogger(cfg.log), wire.WithLimits(cfg.limits)), WithManagerLogger(cfg.log))
}

func sendHeartbeat(ctx context.Context, client *http.Client, baseURL string) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimSuffix(baseURL, "/")+"/heartbeat", nil)
	if err != nil {
		return fmt.Errorf("building heartbeat request: %w", err)
	}
	req.Close = true
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP error: %w", err)
	}
	if resp.Body != nil {
		defer resp.Body.Close()
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected heartbeat status code %d", resp.StatusCode)
	}
	return nil
}

// WaitForServer polls the server's heartbeat endpoint until it answers or ctx is done.
func WaitForServer(ctx context.Context, baseURL string, opts ...DialOption) error {
	cfg := newDialConfig(opts)
	client := cfg.httpClient()
	ticker := time.NewTicker(cfg.waitInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			err := sendHeartbeat(ctx, client, baseURL)
			if err == nil {
				cfg.log.Debug("heartbeat succeeded, done waiting for server")
				return nil
			}
			cfg.log.Debugf("got heartbeat error: %s", err)
		}
	}
}
