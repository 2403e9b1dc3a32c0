package policy

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/manav2701/Aperture/internal/domain"
	"github.com/manav2701/Aperture/internal/infra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newRegistry() (*Registry, *infra.ManualClock) {
	clock := infra.NewManualClock(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	return NewRegistry(NewMemoryRepository(), []string{"admin"}, clock, zap.NewNop()), clock
}

func stx(perTx, daily uint64) domain.Limits {
	return domain.Limits{
		PerTx: map[domain.Asset]uint64{domain.AssetSTX: perTx},
		Daily: map[domain.Asset]uint64{domain.AssetSTX: daily},
	}
}

func TestCreateBySelfAndAdmin(t *testing.T) {
	ctx := context.Background()
	r, _ := newRegistry()

	p, err := r.Create(ctx, "agent-1", "agent-1", stx(100, 1000))
	require.NoError(t, err)
	assert.Equal(t, "agent-1", p.OwnerID)
	assert.Equal(t, uint64(100), p.PerTxLimit(domain.AssetSTX))

	p, err = r.Create(ctx, "admin", "agent-2", stx(1, 2))
	require.NoError(t, err)
	assert.Equal(t, "admin", p.OwnerID)

	_, err = r.Create(ctx, "stranger", "agent-3", stx(1, 2))
	assert.ErrorIs(t, err, domain.ErrUnauthorized)

	_, err = r.Create(ctx, "agent-1", "agent-1", stx(1, 2))
	assert.ErrorIs(t, err, domain.ErrAlreadyExists)
}

func TestCreateNormalizesAssetCodes(t *testing.T) {
	r, _ := newRegistry()
	p, err := r.Create(context.Background(), "agent-1", "agent-1", domain.Limits{
		PerTx: map[domain.Asset]uint64{"sBTC": 5},
		Daily: map[domain.Asset]uint64{" sbtc ": 50},
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(5), p.PerTxLimit(domain.AssetSBTC))
	assert.Equal(t, uint64(50), p.DailyLimit(domain.AssetSBTC))
	assert.Zero(t, p.DailyLimit(domain.AssetSTX))
}

func TestUpdateOnlyOwner(t *testing.T) {
	ctx := context.Background()
	r, clock := newRegistry()

	_, err := r.Update(ctx, "agent-1", "agent-1", stx(1, 1))
	assert.ErrorIs(t, err, domain.ErrNotFound)

	created, err := r.Create(ctx, "admin", "agent-1", stx(100, 1000))
	require.NoError(t, err)

	// Сам агент не владелец, если политику создал админ
	_, err = r.Update(ctx, "agent-1", "agent-1", stx(1, 1))
	assert.ErrorIs(t, err, domain.ErrUnauthorized)

	clock.Advance(time.Hour)
	updated, err := r.Update(ctx, "admin", "agent-1", stx(0, 0))
	require.NoError(t, err)
	assert.Equal(t, "admin", updated.OwnerID)
	assert.Equal(t, created.CreatedAt, updated.CreatedAt)
	assert.True(t, updated.UpdatedAt.After(created.UpdatedAt))
	assert.Zero(t, updated.DailyLimit(domain.AssetSTX))
}

func TestAdminHasNoOverrideOnForeignPolicy(t *testing.T) {
	ctx := context.Background()
	r, _ := newRegistry()
	_, err := r.Create(ctx, "agent-1", "agent-1", stx(1, 1))
	require.NoError(t, err)

	_, err = r.Update(ctx, "admin", "agent-1", stx(2, 2))
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
}

func TestGetReturnsCopy(t *testing.T) {
	ctx := context.Background()
	r, _ := newRegistry()
	_, err := r.Create(ctx, "agent-1", "agent-1", stx(10, 10))
	require.NoError(t, err)

	p, err := r.Get(ctx, "agent-1")
	require.NoError(t, err)
	p.PerTx[domain.AssetSTX] = 999

	again, err := r.Get(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, uint64(10), again.PerTxLimit(domain.AssetSTX))

	missing, err := r.Get(ctx, "nobody")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestAuthorize(t *testing.T) {
	ctx := context.Background()
	r, _ := newRegistry()
	_, err := r.Authorize(ctx, "agent-1", "agent-1")
	assert.ErrorIs(t, err, domain.ErrNoPolicy)

	_, err = r.Create(ctx, "agent-1", "agent-1", stx(1, 1))
	require.NoError(t, err)

	_, err = r.Authorize(ctx, "agent-1", "agent-1")
	assert.NoError(t, err)
	_, err = r.Authorize(ctx, "other", "agent-1")
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
}

func TestConcurrentCreateSingleWinner(t *testing.T) {
	ctx := context.Background()
	r, _ := newRegistry()

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := r.Create(ctx, "admin", "agent-1", stx(1, 1)); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}
