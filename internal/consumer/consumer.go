// Package consumer drains a shard's frame queue into the shared LTP store.
package consumer

import (
	"runtime"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/quantrail/tickfabric/internal/ltp"
	"github.com/quantrail/tickfabric/internal/parser"
	"github.com/quantrail/tickfabric/internal/ring"
)

// Sink receives every stored LTP for side effects (publishing, printing).
// A panicking sink is logged and skipped; it never stops the consumer.
type Sink func(ltp.LTP)

// Consumer owns the worker goroutine that pops frames off one ring queue,
// parses them, and upserts the result. Malformed frames are dropped silently;
// they are routine upstream.
type Consumer struct {
	queue  *ring.Queue
	parser *parser.Parser
	store  *ltp.Store
	log    zerolog.Logger
	sink   Sink

	running atomic.Bool
	done    chan struct{}
}

// New constructs a consumer over the given queue, parser, and store.
func New(queue *ring.Queue, p *parser.Parser, store *ltp.Store, log zerolog.Logger) *Consumer {
	c := new(Consumer)
	c.queue = queue
	c.parser = p
	c.store = store
	c.log = log.With().Str("component", "consumer").Logger()
	return c
}

// SetSink installs the optional per-tick side effect. Call before Start.
func (c *Consumer) SetSink(sink Sink) {
	c.sink = sink
}

// Start spawns the worker goroutine. Calling Start on a running consumer is
// a no-op.
func (c *Consumer) Start() {
	if !c.running.CompareAndSwap(false, true) {
		return
	}
	c.done = make(chan struct{})
	go c.run()
}

// Stop asks the worker to exit and waits for it. Idempotent.
func (c *Consumer) Stop() {
	if !c.running.CompareAndSwap(true, false) {
		return
	}
	<-c.done
}

func (c *Consumer) run() {
	defer close(c.done)
	for c.running.Load() {
		frame, ok := c.queue.TryPop()
		if !ok {
			runtime.Gosched()
			continue
		}
		rec, ok := c.parser.Parse(frame)
		if !ok {
			continue
		}
		c.store.Upsert(rec)
		if c.sink != nil {
			c.invokeSink(rec)
		}
	}
}

func (c *Consumer) invokeSink(rec ltp.LTP) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error().Interface("panic", r).Str("token", rec.Token).Msg("sink panicked; tick skipped")
		}
	}()
	c.sink(rec)
}
