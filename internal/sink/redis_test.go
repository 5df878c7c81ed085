package sink

import (
	"testing"
	"time"

	"github.com/go-redis/redismock/v8"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/quantrail/tickfabric/internal/ltp"
)

func TestSinkCachesAndPublishesTick(t *testing.T) {
	client, mock := redismock.NewClientMock()
	s := newWithClient(client, "tick", zerolog.Nop())

	mock.Regexp().ExpectSet("tick:ltp:26000", `.*"token":"26000".*`, 0).SetVal("OK")
	mock.Regexp().ExpectPublish("tick:ticks", `.*"price":103.*`).SetVal(1)

	s.Sink()(ltp.LTP{Token: "26000", Price: 103.0, TS: time.Unix(1728123456, 0).UTC()})

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSinkSwallowsPublishFailure(t *testing.T) {
	client, mock := redismock.NewClientMock()
	s := newWithClient(client, "tick", zerolog.Nop())

	// no expectations registered: the pipeline exec fails, the sink logs
	// and returns without panicking
	require.NotPanics(t, func() {
		s.Sink()(ltp.LTP{Token: "26001", Price: 1.0})
	})
	_ = mock
}

func TestNewRedisSinkRejectsBadURL(t *testing.T) {
	_, err := NewRedisSink(t.Context(), "not-a-url", "tick", zerolog.Nop())
	require.Error(t, err)
}
