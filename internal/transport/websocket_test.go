package transport

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/quantrail/tickfabric/errs"
)

// feedServer accepts websocket sessions and records per-session handshake
// headers and received text frames.
type feedServer struct {
	t *testing.T

	mu       sync.Mutex
	auths    []string
	received []string
	conns    []*websocket.Conn

	outbound []string // frames pushed to every new session
}

func (s *feedServer) handler(w http.ResponseWriter, r *http.Request) {
	auth := r.Header.Get("Authorization")
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.auths = append(s.auths, auth)
	s.conns = append(s.conns, conn)
	outbound := append([]string(nil), s.outbound...)
	s.mu.Unlock()

	ctx := r.Context()
	for _, frame := range outbound {
		if err := conn.Write(ctx, websocket.MessageText, []byte(frame)); err != nil {
			return
		}
	}
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		s.mu.Lock()
		s.received = append(s.received, string(data))
		s.mu.Unlock()
	}
}

func (s *feedServer) sessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.auths)
}

func (s *feedServer) closeSession(i int) {
	s.mu.Lock()
	conn := s.conns[i]
	s.mu.Unlock()
	_ = conn.Close(websocket.StatusGoingAway, "kick")
}

func newFeedServer(t *testing.T, outbound ...string) (*feedServer, string) {
	t.Helper()
	fs := &feedServer{t: t, outbound: outbound}
	srv := httptest.NewServer(http.HandlerFunc(fs.handler))
	t.Cleanup(srv.Close)
	return fs, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func fastOpts() Options {
	return Options{
		ConnTimeout:    2 * time.Second,
		BackoffInitial: 10 * time.Millisecond,
		BackoffMax:     50 * time.Millisecond,
	}
}

func TestNewClientRejectsBadScheme(t *testing.T) {
	_, err := NewClient("https://feed.example.com/stream", zerolog.Nop(), Options{})
	require.Error(t, err)
	require.True(t, errs.IsCode(err, errs.CodeInvalid))

	_, err = NewClient("wss://feed.example.com/stream", zerolog.Nop(), Options{VerifyPeer: true})
	require.NoError(t, err)
}

func TestNewClientRejectsMissingCAFile(t *testing.T) {
	_, err := NewClient("wss://feed.example.com/stream", zerolog.Nop(), Options{CAFile: "/does/not/exist.pem"})
	require.Error(t, err)
	require.True(t, errs.IsCode(err, errs.CodeInvalid))
}

func TestConnectDeliverFramesAndStates(t *testing.T) {
	_, url := newFeedServer(t, `{"token":"26000","ltp":1}`)

	opts := fastOpts()
	opts.Headers = map[string]string{"Authorization": "Bearer abc"}
	c, err := NewClient(url, zerolog.Nop(), opts)
	require.NoError(t, err)

	var mu sync.Mutex
	var states []string
	var frames []string
	c.OnState(func(s string) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	})
	c.OnMessage(func(b []byte) {
		mu.Lock()
		frames = append(frames, string(b))
		mu.Unlock()
	})

	c.Start()
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(frames) == 1
	}, 2*time.Second, 5*time.Millisecond)
	c.Stop()

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, `{"token":"26000","ltp":1}`, frames[0])
	require.Equal(t, StateConnecting, states[0])
	require.Contains(t, states, StateConnected)
	require.Equal(t, StateClosed, states[len(states)-1])
}

func TestSendTextRequiresConnection(t *testing.T) {
	fs, url := newFeedServer(t)
	c, err := NewClient(url, zerolog.Nop(), fastOpts())
	require.NoError(t, err)

	require.False(t, c.SendText([]byte("early")))

	c.Start()
	defer c.Stop()
	require.Eventually(t, c.Connected, 2*time.Second, 5*time.Millisecond)

	require.True(t, c.SendText([]byte(`{"action":"subscribe"}`)))
	require.Eventually(t, func() bool {
		fs.mu.Lock()
		defer fs.mu.Unlock()
		return len(fs.received) == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestReconnectFiresResubscribeAndRotatedHeaders(t *testing.T) {
	fs, url := newFeedServer(t)

	var hdrMu sync.Mutex
	auth := "Bearer first"

	opts := fastOpts()
	opts.HeaderSource = func() map[string]string {
		hdrMu.Lock()
		defer hdrMu.Unlock()
		return map[string]string{"Authorization": auth}
	}
	c, err := NewClient(url, zerolog.Nop(), opts)
	require.NoError(t, err)

	// the hook fires on the first connect and again after the reconnect
	var resubs sync.WaitGroup
	resubs.Add(2)
	var calls atomic.Int32
	c.OnResubscribe(func(cl *Client) {
		if calls.Add(1) <= 2 {
			resubs.Done()
		}
	})

	c.Start()
	defer c.Stop()
	require.Eventually(t, func() bool { return fs.sessionCount() == 1 }, 2*time.Second, 5*time.Millisecond)

	hdrMu.Lock()
	auth = "Bearer rotated"
	hdrMu.Unlock()

	fs.closeSession(0)
	require.Eventually(t, func() bool { return fs.sessionCount() == 2 }, 5*time.Second, 5*time.Millisecond)

	waitDone(t, &resubs, 2*time.Second)

	fs.mu.Lock()
	defer fs.mu.Unlock()
	require.Equal(t, "Bearer first", fs.auths[0])
	require.Equal(t, "Bearer rotated", fs.auths[1])
}

func TestStopIsIdempotentAndJoins(t *testing.T) {
	_, url := newFeedServer(t)
	c, err := NewClient(url, zerolog.Nop(), fastOpts())
	require.NoError(t, err)

	c.Start()
	require.Eventually(t, c.Connected, 2*time.Second, 5*time.Millisecond)
	c.Stop()
	c.Stop()
	require.False(t, c.Connected())
	require.False(t, c.SendText([]byte("late")))
}

func TestDialFailureKeepsRetrying(t *testing.T) {
	// Point at a server that is immediately shut down so every dial fails.
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	srv.Close()

	c, err := NewClient(url, zerolog.Nop(), fastOpts())
	require.NoError(t, err)

	var mu sync.Mutex
	var states []string
	c.OnState(func(s string) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	})

	c.Start()
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		reconnects := 0
		for _, s := range states {
			if s == StateReconnecting {
				reconnects++
			}
		}
		return reconnects >= 3
	}, 5*time.Second, 5*time.Millisecond)
	c.Stop()
}

func waitDone(t *testing.T, wg *sync.WaitGroup, timeout time.Duration) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		t.Fatal("timed out waiting")
	}
}

// Guards against regressions in context plumbing: Stop during the backoff
// sleep must return promptly.
func TestStopDuringBackoff(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	srv.Close()

	opts := fastOpts()
	opts.BackoffInitial = 10 * time.Second
	opts.BackoffMax = 10 * time.Second
	c, err := NewClient(url, zerolog.Nop(), opts)
	require.NoError(t, err)

	c.Start()
	time.Sleep(50 * time.Millisecond) // let the first dial fail into backoff

	stopped := make(chan struct{})
	go func() {
		c.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop blocked during backoff sleep")
	}
}
