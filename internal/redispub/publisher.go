// Package redispub publishes stats lines to a Redis channel so external
// monitors can follow a run without scraping the process's stdout.
package redispub

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/aacn500/hp4/internal/stats"
)

// DefaultChannel is the channel stats lines are published to unless the
// user picks another.
const DefaultChannel = "hp4:stats"

// Publisher forwards each emitted snapshot to a Redis channel. Publishing
// is best-effort: a dead Redis never stalls or fails the run.
type Publisher struct {
	client  *redis.Client
	channel string
	log     *zap.Logger
}

// New creates a publisher and logs connection diagnostics. The returned
// publisher is usable even if the ping fails; publishes retry per the
// client's policy.
func New(addr, channel string, log *zap.Logger) *Publisher {
	if channel == "" {
		channel = DefaultChannel
	}
	log = log.Named("redispub")

	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		MaxRetries:   3,
	})

	p := &Publisher{client: client, channel: channel, log: log}
	p.ping()
	return p
}

func (p *Publisher) ping() {
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := p.client.Ping(ctx).Err()
	elapsed := time.Since(start)

	log := p.log.With(
		zap.String("addr", p.client.Options().Addr),
		zap.String("channel", p.channel),
	)
	if err != nil {
		log.Warn("connection failed", zap.Error(err), zap.Duration("ping_rtt", elapsed))
	} else {
		log.Info("connection established", zap.Duration("ping_rtt", elapsed))
	}
}

// Emit publishes the snapshot asynchronously. The event loop must never
// wait on the network, so the publish happens off-thread and failures are
// only logged.
func (p *Publisher) Emit(s stats.Snapshot) error {
	b, err := s.Marshal()
	if err != nil {
		return err
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()

		if err := p.client.Publish(ctx, p.channel, b).Err(); err != nil {
			p.log.Warn("publish failed", zap.Error(err))
		}
	}()
	return nil
}

// Close releases the client's connections.
func (p *Publisher) Close() error {
	return p.client.Close()
}
