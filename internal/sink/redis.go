// Package sink publishes stored ticks to downstream consumers over Redis.
package sink

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/quantrail/tickfabric/errs"
	"github.com/quantrail/tickfabric/internal/consumer"
	"github.com/quantrail/tickfabric/internal/ltp"
)

const publishTimeout = 2 * time.Second

// RedisSink caches the latest LTP per token and fans each tick out on a
// pub/sub channel. It plugs into a consumer's sink slot.
type RedisSink struct {
	client    *redis.Client
	log       zerolog.Logger
	channel   string
	keyPrefix string
}

// NewRedisSink connects to redisURL (redis://host:port/db) and verifies the
// connection with a ping. keyPrefix namespaces the cached values; the
// pub/sub channel is "<keyPrefix>:ticks".
func NewRedisSink(ctx context.Context, redisURL, keyPrefix string, log zerolog.Logger) (*RedisSink, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, errs.Wrap("sink.redis", errs.CodeInvalid, err)
	}
	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, errs.Wrap("sink.redis", errs.CodeUnavailable, err)
	}
	if keyPrefix == "" {
		keyPrefix = "tickfabric"
	}
	s := new(RedisSink)
	s.client = client
	s.log = log.With().Str("component", "redis-sink").Logger()
	s.channel = keyPrefix + ":ticks"
	s.keyPrefix = keyPrefix
	return s, nil
}

// newWithClient is the test seam.
func newWithClient(client *redis.Client, keyPrefix string, log zerolog.Logger) *RedisSink {
	s := new(RedisSink)
	s.client = client
	s.log = log
	s.channel = keyPrefix + ":ticks"
	s.keyPrefix = keyPrefix
	return s
}

// Sink returns the consumer callback. Failures are logged and swallowed;
// the pipeline never stalls on the cache.
func (s *RedisSink) Sink() consumer.Sink {
	return func(rec ltp.LTP) {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		defer cancel()
		if err := s.publish(ctx, rec); err != nil {
			s.log.Warn().Err(err).Str("token", rec.Token).Msg("publish failed")
		}
	}
}

func (s *RedisSink) publish(ctx context.Context, rec ltp.LTP) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	pipe := s.client.Pipeline()
	pipe.Set(ctx, s.keyPrefix+":ltp:"+rec.Token, string(payload), 0)
	pipe.Publish(ctx, s.channel, string(payload))
	_, err = pipe.Exec(ctx)
	return err
}

// Close releases the Redis connection.
func (s *RedisSink) Close() error {
	return s.client.Close()
}
