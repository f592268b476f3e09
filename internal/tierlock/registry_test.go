package tierlock

import (
	"context"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/emission-ledger/internal/types"
)

var (
	alice = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	bob   = common.HexToAddress("0x00000000000000000000000000000000000000b1")
)

func TestRegistry_LockBuildsTimeline(t *testing.T) {
	reg := NewRegistry()
	ctx := context.Background()

	require.NoError(t, reg.Lock(alice, 1, uint256.NewInt(100), 10))
	require.NoError(t, reg.Lock(alice, 1, uint256.NewInt(150), 15), "same tier only updates the amount")
	require.NoError(t, reg.Lock(alice, 2, uint256.NewInt(300), 20))
	require.NoError(t, reg.Unlock(alice, 30))
	require.NoError(t, reg.Lock(alice, 3, uint256.NewInt(500), 40))

	got, err := reg.IntervalsOverlapping(ctx, alice, 0, 1_000)
	require.NoError(t, err)
	assert.Equal(t, []types.TierInterval{
		{Tier: 1, Start: 10, End: 20},
		{Tier: 2, Start: 20, End: 30},
		{Tier: 3, Start: 40, End: types.OpenEnd},
	}, got)

	tier, locked, err := reg.GetTier(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, types.Tier(3), tier)
	assert.Equal(t, uint64(500), locked.Uint64())
}

func TestRegistry_IntervalsOverlapping(t *testing.T) {
	reg := NewRegistry()
	ctx := context.Background()
	require.NoError(t, reg.Lock(alice, 1, uint256.NewInt(1), 10))
	require.NoError(t, reg.Lock(alice, 2, uint256.NewInt(1), 20))
	require.NoError(t, reg.Lock(alice, 3, uint256.NewInt(1), 30))

	tests := []struct {
		name     string
		from, to uint64
		tiers    []types.Tier
	}{
		{name: "before timeline", from: 0, to: 10},
		{name: "first interval only", from: 12, to: 18, tiers: []types.Tier{1}},
		{name: "boundary is exclusive", from: 20, to: 21, tiers: []types.Tier{2}},
		{name: "spans two", from: 15, to: 25, tiers: []types.Tier{1, 2}},
		{name: "open tail", from: 1_000, to: 2_000, tiers: []types.Tier{3}},
		{name: "everything", from: 0, to: 2_000, tiers: []types.Tier{1, 2, 3}},
		{name: "empty range", from: 15, to: 15},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := reg.IntervalsOverlapping(ctx, alice, tt.from, tt.to)
			require.NoError(t, err)
			var tiers []types.Tier
			for _, iv := range got {
				tiers = append(tiers, iv.Tier)
			}
			assert.Equal(t, tt.tiers, tiers)
		})
	}

	got, err := reg.IntervalsOverlapping(ctx, bob, 0, 100)
	require.NoError(t, err)
	assert.Empty(t, got, "unknown owner has no intervals")
}

func TestRegistry_LockRejectsTimeTravel(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Lock(alice, 1, uint256.NewInt(1), 10))
	require.NoError(t, reg.Lock(alice, 2, uint256.NewInt(1), 20))

	err := reg.Lock(alice, 3, uint256.NewInt(1), 15)
	assert.True(t, errors.Is(err, types.ErrValidation))

	require.NoError(t, reg.Unlock(alice, 30))
	err = reg.Lock(alice, 1, uint256.NewInt(1), 25)
	assert.True(t, errors.Is(err, types.ErrValidation), "cannot reopen before the last close")

	assert.True(t, errors.Is(reg.Lock(common.Address{}, 1, uint256.NewInt(1), 40), types.ErrValidation))
}

func TestRegistry_SameBlockReplacement(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Lock(alice, 1, uint256.NewInt(1), 10))
	require.NoError(t, reg.Lock(alice, 2, uint256.NewInt(2), 10))

	got, err := reg.IntervalsOverlapping(context.Background(), alice, 0, 100)
	require.NoError(t, err)
	assert.Equal(t, []types.TierInterval{{Tier: 2, Start: 10, End: types.OpenEnd}}, got)
}

func TestRegistry_NotifyAutoRestake(t *testing.T) {
	reg := NewRegistry()
	ctx := context.Background()
	require.NoError(t, reg.Lock(alice, 1, uint256.NewInt(100), 10))

	locked, err := reg.NotifyAutoRestake(ctx, alice, uint256.NewInt(25))
	require.NoError(t, err)
	assert.Equal(t, uint64(125), locked.Uint64())

	tier, amount, err := reg.GetTier(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, types.Tier(1), tier, "restake keeps the tier")
	assert.Equal(t, uint64(125), amount.Uint64())
}

func TestRegistry_SnapshotRestore(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Lock(bob, 2, uint256.NewInt(7), 5))
	require.NoError(t, reg.Lock(alice, 1, uint256.NewInt(3), 10))

	entries := reg.Snapshot()
	require.Len(t, entries, 2)
	assert.Equal(t, alice, entries[0].Owner)

	restored := NewRegistry()
	restored.Restore(entries)
	assert.Equal(t, entries, restored.Snapshot())

	tier, amount, err := restored.GetTier(context.Background(), bob)
	require.NoError(t, err)
	assert.Equal(t, types.Tier(2), tier)
	assert.Equal(t, uint64(7), amount.Uint64())
}
