package pipeline

import (
	"context"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quorumlabs/futarchyd/internal/domain"
)

type fakeSource struct{ proposals []domain.Proposal }

func (s *fakeSource) ActiveProposals(context.Context) ([]domain.Proposal, error) {
	return s.proposals, nil
}

type fakeFeed struct {
	mu    sync.Mutex
	pokes int
}

func (f *fakeFeed) Poke(string, uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pokes++
	return nil
}

func (f *fakeFeed) TWAPs(context.Context, string, uint64, time.Time) (*big.Int, *big.Int, error) {
	return big.NewInt(1_000_000), big.NewInt(990_000), nil
}

func (f *fakeFeed) SpotPrices(context.Context, string, uint64) (*big.Int, *big.Int, error) {
	return big.NewInt(1_010_000), big.NewInt(985_000), nil
}

type fakeTwapCache struct {
	mu   sync.Mutex
	sets int
}

func (c *fakeTwapCache) SetTwaps(context.Context, string, uint64, *big.Int, *big.Int, time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sets++
	return nil
}

func (c *fakeTwapCache) GetTwaps(context.Context, string, uint64) (*big.Int, *big.Int, time.Time, error) {
	return nil, nil, time.Time{}, domain.ErrNotFound
}

type fakeBus struct {
	mu        sync.Mutex
	published []string
}

func (b *fakeBus) Publish(_ context.Context, channel string, _ []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published = append(b.published, channel)
	return nil
}

func (b *fakeBus) Subscribe(context.Context, string) (<-chan []byte, error) { return nil, nil }
func (b *fakeBus) StreamAppend(context.Context, string, []byte) error       { return nil }
func (b *fakeBus) StreamRead(context.Context, string, string, int) ([]domain.StreamMessage, error) {
	return nil, nil
}

func TestRecorderTick(t *testing.T) {
	source := &fakeSource{proposals: []domain.Proposal{
		{OrgID: "org-1", ID: 1, Status: domain.ProposalStatusActive},
		{OrgID: "org-2", ID: 3, Status: domain.ProposalStatusActive},
	}}
	feed := &fakeFeed{}
	twaps := &fakeTwapCache{}
	bus := &fakeBus{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	r := NewRecorder(source, feed, twaps, bus, nil, domain.SystemClock{}, logger)
	require.NoError(t, r.Tick(context.Background(), time.Second))

	assert.Equal(t, 2, feed.pokes, "one poke per active proposal")
	assert.Equal(t, 2, twaps.sets)
	assert.Equal(t, []string{domain.ChannelPrices, domain.ChannelPrices}, bus.published)
}

func TestRecorderTickNoActiveProposals(t *testing.T) {
	feed := &fakeFeed{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	r := NewRecorder(&fakeSource{}, feed, nil, nil, nil, domain.SystemClock{}, logger)
	require.NoError(t, r.Tick(context.Background(), time.Second))
	assert.Zero(t, feed.pokes)
}
