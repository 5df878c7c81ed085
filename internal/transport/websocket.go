// Package transport maintains one authenticated WebSocket session against the
// broker feed: dial, TLS, handshake headers, read loop, keepalive, and
// reconnection with exponential backoff.
package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/quantrail/tickfabric/errs"
)

// Connection states reported through OnState.
const (
	StateIdle         = "idle"
	StateConnecting   = "connecting"
	StateConnected    = "connected"
	StateReconnecting = "reconnecting"
	StateClosed       = "closed"
)

const (
	defaultPingInterval   = 15 * time.Second
	defaultConnTimeout    = 10 * time.Second
	defaultBackoffInitial = 500 * time.Millisecond
	defaultBackoffMax     = 5 * time.Second
	defaultReadLimit      = 1 << 20
	writeTimeout          = 5 * time.Second
)

// Options configures a Client.
type Options struct {
	// PingInterval paces the application keepalive. A peer that stays
	// silent past roughly two intervals is treated as dead.
	PingInterval time.Duration
	// ConnTimeout bounds DNS, TCP, TLS, and the WS upgrade per attempt.
	ConnTimeout time.Duration
	// VerifyPeer toggles TLS certificate verification.
	VerifyPeer bool
	// CAFile optionally points at a PEM bundle to verify against.
	CAFile string
	// Headers are sent with every handshake when HeaderSource is nil.
	Headers map[string]string
	// HeaderSource, when set, is re-read on every connect attempt so
	// rotated credentials take effect on the next reconnect.
	HeaderSource func() map[string]string
	// BackoffInitial and BackoffMax bound the reconnect schedule.
	BackoffInitial time.Duration
	BackoffMax     time.Duration
}

func (o *Options) fill() {
	if o.PingInterval <= 0 {
		o.PingInterval = defaultPingInterval
	}
	if o.ConnTimeout <= 0 {
		o.ConnTimeout = defaultConnTimeout
	}
	if o.BackoffInitial <= 0 {
		o.BackoffInitial = defaultBackoffInitial
	}
	if o.BackoffMax <= 0 {
		o.BackoffMax = defaultBackoffMax
	}
}

// Client runs the connection state machine on a dedicated IO goroutine.
// Callbacks may be swapped at any time and are invoked from that goroutine.
type Client struct {
	url  string
	opts Options
	log  zerolog.Logger
	http *http.Client

	cbMu          sync.RWMutex
	onMessage     func([]byte)
	onState       func(string)
	onResubscribe func(*Client)

	connMu sync.RWMutex
	conn   *websocket.Conn

	running   atomic.Bool
	connected atomic.Bool
	cancel    context.CancelFunc
	done      chan struct{}

	metrics *Metrics
}

// NewClient validates the URL, loads TLS material, and returns an idle
// client. Only ws:// and wss:// schemes are accepted.
func NewClient(rawURL string, log zerolog.Logger, opts Options) (*Client, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, errs.Wrap("transport.new", errs.CodeInvalid, err, errs.WithVenue("feed"))
	}
	if u.Scheme != "wss" && u.Scheme != "ws" {
		return nil, errs.New("transport.new", errs.CodeInvalid,
			errs.WithVenue("feed"),
			errs.WithMessage(fmt.Sprintf("unsupported scheme %q", u.Scheme)))
	}
	opts.fill()

	tlsCfg := &tls.Config{InsecureSkipVerify: !opts.VerifyPeer} //nolint:gosec // operator-controlled toggle
	if opts.CAFile != "" {
		pem, err := os.ReadFile(opts.CAFile)
		if err != nil {
			return nil, errs.Wrap("transport.new", errs.CodeInvalid, err, errs.WithMessage("read ca file"))
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, errs.New("transport.new", errs.CodeInvalid, errs.WithMessage("ca file holds no certificates"))
		}
		tlsCfg.RootCAs = pool
	}

	c := new(Client)
	c.url = rawURL
	c.opts = opts
	c.log = log.With().Str("component", "transport").Str("url", rawURL).Logger()
	c.http = &http.Client{
		Transport: &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			TLSClientConfig:     tlsCfg,
			TLSHandshakeTimeout: opts.ConnTimeout,
		},
		Timeout: 0, // per-attempt deadlines come from the dial context
	}
	return c, nil
}

// SetMetrics installs optional telemetry counters. Call before Start.
func (c *Client) SetMetrics(m *Metrics) { c.metrics = m }

// OnMessage installs the raw frame callback.
func (c *Client) OnMessage(fn func([]byte)) {
	c.cbMu.Lock()
	c.onMessage = fn
	c.cbMu.Unlock()
}

// OnState installs the state transition callback.
func (c *Client) OnState(fn func(string)) {
	c.cbMu.Lock()
	c.onState = fn
	c.cbMu.Unlock()
}

// OnResubscribe installs the hook invoked after every successful connect,
// the first one included, before the read loop starts.
func (c *Client) OnResubscribe(fn func(*Client)) {
	c.cbMu.Lock()
	c.onResubscribe = fn
	c.cbMu.Unlock()
}

// Connected reports whether a session is currently established.
func (c *Client) Connected() bool { return c.connected.Load() }

// URL reports the configured endpoint.
func (c *Client) URL() string { return c.url }

// Start spawns the IO goroutine. A second Start on a running client is a
// no-op. Start after Stop is not supported.
func (c *Client) Start() {
	if !c.running.CompareAndSwap(false, true) {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.done = make(chan struct{})
	go c.run(ctx)
}

// Stop requests termination, closes the session, and joins the IO goroutine.
// Safe to call from any goroutine, repeatedly.
func (c *Client) Stop() {
	if !c.running.CompareAndSwap(true, false) {
		return
	}
	c.cancel()
	c.closeConn(websocket.StatusNormalClosure, "shutdown")
	<-c.done
	c.notifyState(StateClosed)
}

// SendText writes a text frame. It returns false when no session is
// established or the write fails; it never blocks past the write timeout.
func (c *Client) SendText(payload []byte) bool {
	return c.send(websocket.MessageText, payload)
}

// SendBinary writes a binary frame under the same contract as SendText.
func (c *Client) SendBinary(payload []byte) bool {
	return c.send(websocket.MessageBinary, payload)
}

func (c *Client) send(typ websocket.MessageType, payload []byte) bool {
	if !c.connected.Load() {
		return false
	}
	c.connMu.RLock()
	conn := c.conn
	c.connMu.RUnlock()
	if conn == nil {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := conn.Write(ctx, typ, payload); err != nil {
		c.log.Warn().Err(err).Msg("write failed")
		return false
	}
	return true
}

// run is the connection state machine: dial, pump, back off, repeat.
func (c *Client) run(ctx context.Context) {
	defer close(c.done)

	schedule := backoff.NewExponentialBackOff()
	schedule.InitialInterval = c.opts.BackoffInitial
	schedule.MaxInterval = c.opts.BackoffMax

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		c.notifyState(StateConnecting)

		conn, err := c.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.log.Warn().Err(err).Msg("connect failed")
			if c.metrics != nil {
				c.metrics.recordReconnect(ctx, "error")
			}
			c.notifyState(StateReconnecting)
			if !sleepCtx(ctx, nextDelay(schedule)) {
				return
			}
			continue
		}

		session := uuid.NewString()
		c.installConn(conn)
		schedule.Reset()
		c.notifyState(StateConnected)
		c.log.Info().Str("session", session).Msg("connected")
		if c.metrics != nil {
			c.metrics.recordReconnect(ctx, "success")
		}

		// Replay subscriptions before any frame of the new session is
		// read. Firing on the initial session too covers owners whose
		// first subscribe round raced the connect.
		c.fireResubscribe()

		err = c.pump(ctx, conn)
		c.dropConn(conn)
		if ctx.Err() != nil {
			return
		}
		c.log.Warn().Err(err).Str("session", session).Msg("session ended")
		c.notifyState(StateReconnecting)
		if !sleepCtx(ctx, nextDelay(schedule)) {
			return
		}
	}
}

// dial performs DNS, TCP, TLS (SNI from the URL host), and the WS upgrade
// with the current header set, all bounded by ConnTimeout.
func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	hdr := make(http.Header, len(c.opts.Headers))
	src := c.opts.Headers
	if c.opts.HeaderSource != nil {
		src = c.opts.HeaderSource()
	}
	for k, v := range src {
		hdr.Set(k, v)
	}

	dialCtx, cancel := context.WithTimeout(ctx, c.opts.ConnTimeout)
	defer cancel()

	conn, resp, err := websocket.Dial(dialCtx, c.url, &websocket.DialOptions{
		HTTPClient: c.http,
		HTTPHeader: hdr,
	})
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, errs.Wrap("transport.dial", errs.CodeNetwork, err, errs.WithVenue("feed"))
	}
	conn.SetReadLimit(defaultReadLimit)
	return conn, nil
}

// pump runs the read and keepalive loops until either fails or ctx ends.
func (c *Client) pump(ctx context.Context, conn *websocket.Conn) error {
	connCtx, connCancel := context.WithCancel(ctx)
	defer connCancel()

	errCh := make(chan error, 2)
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		errCh <- c.readLoop(connCtx, conn)
	}()
	go func() {
		defer wg.Done()
		errCh <- c.pingLoop(connCtx, conn)
	}()

	first := <-errCh
	connCancel()
	conn.CloseNow()
	wg.Wait()
	return first
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return errs.Wrap("transport.read", errs.CodeNetwork, err, errs.WithVenue("feed"))
		}
		if c.metrics != nil {
			c.metrics.recordFrame(ctx)
		}
		c.cbMu.RLock()
		fn := c.onMessage
		c.cbMu.RUnlock()
		if fn != nil {
			fn(data)
		}
	}
}

// pingLoop sends an application ping every interval and requires the pong
// inside the next interval, so a silent peer fails within ~2x the interval.
func (c *Client) pingLoop(ctx context.Context, conn *websocket.Conn) error {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		pingCtx, cancel := context.WithTimeout(ctx, c.opts.PingInterval)
		err := conn.Ping(pingCtx)
		cancel()
		if err != nil {
			return errs.Wrap("transport.ping", errs.CodeTimeout, err, errs.WithVenue("feed"))
		}
	}
}

func (c *Client) installConn(conn *websocket.Conn) {
	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()
	c.connected.Store(true)
}

func (c *Client) dropConn(conn *websocket.Conn) {
	c.connected.Store(false)
	c.connMu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.connMu.Unlock()
}

func (c *Client) closeConn(code websocket.StatusCode, reason string) {
	c.connected.Store(false)
	c.connMu.Lock()
	conn := c.conn
	c.conn = nil
	c.connMu.Unlock()
	if conn != nil {
		_ = conn.Close(code, reason)
	}
}

func (c *Client) notifyState(state string) {
	c.log.Debug().Str("state", state).Msg("state change")
	c.cbMu.RLock()
	fn := c.onState
	c.cbMu.RUnlock()
	if fn != nil {
		fn(state)
	}
}

func (c *Client) fireResubscribe() {
	c.cbMu.RLock()
	fn := c.onResubscribe
	c.cbMu.RUnlock()
	if fn != nil {
		fn(c)
	}
}

func nextDelay(schedule *backoff.ExponentialBackOff) time.Duration {
	d := schedule.NextBackOff()
	if d == backoff.Stop || d <= 0 {
		d = schedule.MaxInterval
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
