package domain

import (
	"context"
	"math/big"
	"time"
)

// TwapCache stores the latest TWAP reading per conditional market for
// read-side queries, so the HTTP layer does not touch the venue.
type TwapCache interface {
	SetTwaps(ctx context.Context, orgID string, proposalID uint64, passTwap, failTwap *big.Int, ts time.Time) error
	GetTwaps(ctx context.Context, orgID string, proposalID uint64) (passTwap, failTwap *big.Int, ts time.Time, err error)
}

// StreamMessage is one durable message read from an event stream.
type StreamMessage struct {
	ID      string
	Payload []byte
}

// SignalBus publishes governance lifecycle and price events to interested
// subscribers (WebSocket hub, notifiers, external consumers).
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	StreamAppend(ctx context.Context, stream string, payload []byte) error
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]StreamMessage, error)
}

// RateLimiter bounds request rates per key (used by the HTTP middleware).
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// LockManager provides distributed locks so exactly one recorder replica
// feeds observations at a time.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error)
}
