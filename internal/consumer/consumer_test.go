package consumer

import (
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/quantrail/tickfabric/internal/ltp"
	"github.com/quantrail/tickfabric/internal/parser"
	"github.com/quantrail/tickfabric/internal/ring"
)

func tickFrame(token string, price float64, tsMillis int64) []byte {
	return []byte(fmt.Sprintf(`{"data":{"token":%q,"ltp":%g,"exchange_timestamp":%d}}`, token, price, tsMillis))
}

func waitForPrice(t *testing.T, store *ltp.Store, token string, want float64) {
	t.Helper()
	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) {
		if got, ok := store.Get(token); ok && got.Price == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	got, ok := store.Get(token)
	t.Fatalf("store.Get(%q) = %+v, %v; want price %g", token, got, ok, want)
}

func TestConsumerEndToEnd(t *testing.T) {
	q := ring.New(64)
	store := ltp.NewStore()
	c := New(q, parser.New("nse_cm|"), store, zerolog.Nop())
	c.Start()
	defer c.Stop()

	require.True(t, q.TryPush(tickFrame("nse_cm|26000", 101.5, 1728123000000)))
	require.True(t, q.TryPush(tickFrame("nse_cm|26000", 103.0, 1728123001000)))
	require.True(t, q.TryPush(tickFrame("nse_cm|26001", 202.25, 1728123002000)))

	waitForPrice(t, store, "26000", 103.0)
	waitForPrice(t, store, "26001", 202.25)
}

func TestConsumerDropsMalformedFrames(t *testing.T) {
	q := ring.New(8)
	store := ltp.NewStore()
	c := New(q, parser.New(""), store, zerolog.Nop())
	c.Start()
	defer c.Stop()

	require.True(t, q.TryPush([]byte(`{"garbage":true}`)))
	require.True(t, q.TryPush([]byte(`not even json`)))
	require.True(t, q.TryPush(tickFrame("26000", 50.0, 0)))

	waitForPrice(t, store, "26000", 50.0)
	require.Equal(t, 1, store.Len())
}

func TestSinkReceivesTicksAndPanicsAreContained(t *testing.T) {
	q := ring.New(8)
	store := ltp.NewStore()
	c := New(q, parser.New(""), store, zerolog.Nop())

	var delivered atomic.Int64
	c.SetSink(func(rec ltp.LTP) {
		if delivered.Add(1) == 1 {
			panic("sink failure")
		}
	})
	c.Start()
	defer c.Stop()

	require.True(t, q.TryPush(tickFrame("26000", 1.0, 0)))
	require.True(t, q.TryPush(tickFrame("26000", 2.0, 0)))

	waitForPrice(t, store, "26000", 2.0)
	require.Eventually(t, func() bool { return delivered.Load() == 2 }, 500*time.Millisecond, time.Millisecond)
}

func TestStartStopIdempotent(t *testing.T) {
	q := ring.New(8)
	c := New(q, parser.New(""), ltp.NewStore(), zerolog.Nop())
	c.Start()
	c.Start()
	c.Stop()
	c.Stop()

	// restartable after a clean stop
	c.Start()
	require.True(t, q.TryPush(tickFrame("26000", 9.0, 0)))
	waitForPrice(t, c.store, "26000", 9.0)
	c.Stop()
}
