// Package sharder partitions the desired token universe across a fleet of
// feed connections and owns each connection's pipeline: reconciler, ring
// queue, consumer, and transport.
package sharder

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"
	"golang.org/x/time/rate"

	"github.com/quantrail/tickfabric/internal/consumer"
	"github.com/quantrail/tickfabric/internal/ltp"
	"github.com/quantrail/tickfabric/internal/parser"
	"github.com/quantrail/tickfabric/internal/reconciler"
	"github.com/quantrail/tickfabric/internal/ring"
	"github.com/quantrail/tickfabric/internal/transport"
)

const (
	defaultMaxTokensPerConn = 800
	ringCapacity            = 8192
)

// Options configures the sharder fleet.
type Options struct {
	// WSSURL is the broker feed endpoint.
	WSSURL string
	// MaxTokensPerConn bounds each shard's token count. 0 means 800.
	MaxTokensPerConn int
	// SubscribeBatchSize bounds tokens per subscribe payload.
	SubscribeBatchSize int
	// VerifyPeer and CAFile control feed TLS verification.
	VerifyPeer bool
	CAFile     string
	// TokenPrefix is prepended to tokens on the wire ("nse_cm|").
	TokenPrefix string
	// Headers are common handshake headers for every connection.
	Headers map[string]string
	// Transport carries ping/timeout/backoff knobs shared by all shards.
	Transport transport.Options
	// ControlInterval paces subscribe/unsubscribe payloads per shard; the
	// broker throttles control messages. 0 disables pacing.
	ControlInterval rate.Limit
	// Sink, when set, receives every stored LTP from every shard.
	Sink consumer.Sink
}

// worker is one shard's pipeline. The sharder owns it exclusively.
type worker struct {
	tokens  []string
	rec     *reconciler.Reconciler
	queue   *ring.Queue
	cons    *consumer.Consumer
	tr      *transport.Client
	limiter *rate.Limiter
}

// Sharder builds, starts, and stops the worker fleet. The parser and store
// are shared across every shard.
type Sharder struct {
	log    zerolog.Logger
	parser *parser.Parser
	store  *ltp.Store
	opts   Options

	mu      sync.Mutex
	running bool
	workers []*worker
	desired []string

	hdrMu     sync.RWMutex
	authValue string
	common    map[string]string

	metrics   *Metrics
	trMetrics *transport.Metrics
}

// New constructs a sharder over the shared parser and store.
func New(log zerolog.Logger, p *parser.Parser, store *ltp.Store, opts Options) *Sharder {
	if opts.MaxTokensPerConn <= 0 {
		opts.MaxTokensPerConn = defaultMaxTokensPerConn
	}
	s := new(Sharder)
	s.log = log.With().Str("component", "sharder").Logger()
	s.parser = p
	s.store = store
	s.opts = opts
	s.common = make(map[string]string)
	for k, v := range opts.Headers {
		s.common[k] = v
	}
	return s
}

// SetMetrics installs optional telemetry counters. Call before Start.
func (s *Sharder) SetMetrics(m *Metrics) { s.metrics = m }

// SetTransportMetrics installs the per-connection counters every worker's
// transport shares. Call before Start.
func (s *Sharder) SetTransportMetrics(m *transport.Metrics) { s.trMetrics = m }

// SetAccessToken records the Authorization header value ("Bearer <jwt>").
// Live connections pick it up on their next reconnect; callers needing an
// immediate rotation must Stop and Start.
func (s *Sharder) SetAccessToken(authHeaderValue string) {
	s.hdrMu.Lock()
	s.authValue = authHeaderValue
	s.hdrMu.Unlock()
}

// SetCommonHeaders replaces the common handshake header set.
func (s *Sharder) SetCommonHeaders(hdrs map[string]string) {
	s.hdrMu.Lock()
	s.common = make(map[string]string, len(hdrs))
	for k, v := range hdrs {
		s.common[k] = v
	}
	s.hdrMu.Unlock()
}

// SetTokens replaces the desired token universe. While running the new
// partition is deferred to the next Stop/Start cycle.
func (s *Sharder) SetTokens(tokens []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.desired = append([]string(nil), tokens...)
	if s.running {
		s.log.Warn().Int("tokens", len(tokens)).Msg("set_tokens while running: applies on next start")
	}
}

// Start partitions the token universe, builds one worker per chunk, starts
// consumers then transports, and issues the initial subscribe round.
// Starting a running sharder is a no-op. Returns the construction error of
// the first worker that fails to build; in that case nothing is started.
func (s *Sharder) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}

	if err := s.buildWorkersLocked(); err != nil {
		s.workers = nil
		return err
	}

	var wg conc.WaitGroup
	for _, w := range s.workers {
		wg.Go(w.cons.Start)
	}
	wg.Wait()

	for _, w := range s.workers {
		wg.Go(w.tr.Start)
	}
	wg.Wait()

	for _, w := range s.workers {
		s.sendSubscribeBatches(w)
	}

	s.running = true
	s.log.Info().Int("workers", len(s.workers)).Int("tokens", len(s.desired)).Msg("started")
	return nil
}

// Stop halts transports first so no new frames enter the queues, then
// consumers, then drops the workers. Idempotent.
func (s *Sharder) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}

	var wg conc.WaitGroup
	for _, w := range s.workers {
		wg.Go(w.tr.Stop)
	}
	wg.Wait()

	for _, w := range s.workers {
		wg.Go(w.cons.Stop)
	}
	wg.Wait()

	s.workers = nil
	s.running = false
	s.log.Info().Msg("stopped")
}

// Running reports whether the fleet is started.
func (s *Sharder) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// NumWorkers reports the size of the current fleet.
func (s *Sharder) NumWorkers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.workers)
}

// DesiredTokens copies the configured token universe.
func (s *Sharder) DesiredTokens() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.desired...)
}

// WorkerTokens reports each worker's seeded chunk, in fleet order.
func (s *Sharder) WorkerTokens() [][]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]string, 0, len(s.workers))
	for _, w := range s.workers {
		out = append(out, append([]string(nil), w.tokens...))
	}
	return out
}

// DebugBroadcastText sends payload on every connected transport and reports
// whether at least one send succeeded.
func (s *Sharder) DebugBroadcastText(payload []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return false
	}
	any := false
	for _, w := range s.workers {
		if w.tr.SendText(payload) {
			any = true
		}
	}
	return any
}

// partition slices tokens into contiguous chunks of at most size.
func partition(tokens []string, size int) [][]string {
	if len(tokens) == 0 {
		return nil
	}
	out := make([][]string, 0, (len(tokens)+size-1)/size)
	for start := 0; start < len(tokens); start += size {
		end := min(start+size, len(tokens))
		out = append(out, tokens[start:end])
	}
	return out
}

func (s *Sharder) buildWorkersLocked() error {
	chunks := partition(s.desired, s.opts.MaxTokensPerConn)
	if len(chunks) == 0 {
		// one idle worker keeps the lifecycle functional with no tokens
		chunks = [][]string{nil}
	}

	var format reconciler.Formatter
	if prefix := s.opts.TokenPrefix; prefix != "" {
		format = func(t string) string { return prefix + t }
	}

	workers := make([]*worker, 0, len(chunks))
	for i, chunk := range chunks {
		w := new(worker)
		w.tokens = append([]string(nil), chunk...)

		w.rec = reconciler.New(reconciler.ModeLTP, s.opts.SubscribeBatchSize, format)
		w.rec.AddMany(w.tokens)

		w.queue = ring.New(ringCapacity)

		shardLog := s.log.With().Int("shard", i).Logger()
		w.cons = consumer.New(w.queue, s.parser, s.store, shardLog)
		if s.opts.Sink != nil {
			w.cons.SetSink(s.opts.Sink)
		}

		topts := s.opts.Transport
		topts.VerifyPeer = s.opts.VerifyPeer
		topts.CAFile = s.opts.CAFile
		topts.HeaderSource = s.effectiveHeaders

		tr, err := transport.NewClient(s.opts.WSSURL, shardLog, topts)
		if err != nil {
			return err
		}
		w.tr = tr
		if s.trMetrics != nil {
			tr.SetMetrics(s.trMetrics)
		}

		if s.opts.ControlInterval > 0 {
			w.limiter = rate.NewLimiter(s.opts.ControlInterval, 1)
		}

		s.wireCallbacks(w, shardLog)
		workers = append(workers, w)
	}

	s.workers = workers
	return nil
}

func (s *Sharder) wireCallbacks(w *worker, log zerolog.Logger) {
	w.tr.OnState(func(state string) {
		log.Info().Str("state", state).Msg("ws state")
	})

	queue := w.queue
	w.tr.OnMessage(func(frame []byte) {
		if !queue.TryPush(frame) {
			s.metrics.recordDrop(context.Background())
			log.Warn().Msg("ingest queue full: dropped frame")
		}
	})

	rec := w.rec
	w.tr.OnResubscribe(func(tr *transport.Client) {
		// a fresh session holds no server-side subscriptions
		rec.ResetActive()
		s.sendBatches(w, rec.BuildSubscribeBatches())
	})
}

// effectiveHeaders merges common headers with the Authorization value. Read
// by every transport on each connect attempt.
func (s *Sharder) effectiveHeaders() map[string]string {
	s.hdrMu.RLock()
	defer s.hdrMu.RUnlock()
	out := make(map[string]string, len(s.common)+1)
	for k, v := range s.common {
		out[k] = v
	}
	if s.authValue != "" {
		out["Authorization"] = s.authValue
	}
	return out
}

func (s *Sharder) sendSubscribeBatches(w *worker) {
	s.sendBatches(w, w.rec.BuildSubscribeBatches())
}

func (s *Sharder) sendBatches(w *worker, batches [][]byte) {
	for _, payload := range batches {
		if w.limiter != nil {
			_ = w.limiter.Wait(context.Background())
		}
		ok := w.tr.SendText(payload)
		s.metrics.recordControl(context.Background(), ok)
		if !ok {
			s.log.Debug().Msg("subscribe payload not sent: transport not connected")
		}
	}
}
