package penalty

import (
	"errors"
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/emission-ledger/internal/types"
)

func TestApply(t *testing.T) {
	deposit := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	policy := DefaultPolicy()

	tests := []struct {
		name          string
		pending       uint64
		now           time.Time
		wantForfeited uint64
		wantPayable   uint64
	}{
		{name: "inside window", pending: 1000, now: deposit.Add(time.Hour), wantForfeited: 500, wantPayable: 500},
		{name: "floor rounding", pending: 999, now: deposit.Add(time.Hour), wantForfeited: 499, wantPayable: 500},
		{name: "window boundary", pending: 1000, now: deposit.Add(72 * time.Hour), wantForfeited: 0, wantPayable: 1000},
		{name: "after window", pending: 1000, now: deposit.Add(100 * time.Hour), wantForfeited: 0, wantPayable: 1000},
		{name: "zero pending", pending: 0, now: deposit, wantForfeited: 0, wantPayable: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			forfeited, payable := policy.Apply(uint256.NewInt(tt.pending), deposit, tt.now)
			assert.Equal(t, tt.wantForfeited, forfeited.Uint64(), "forfeited")
			assert.Equal(t, tt.wantPayable, payable.Uint64(), "payable")
			assert.Equal(t, tt.pending, new(uint256.Int).Add(forfeited, payable).Uint64(), "split must be exact")
		})
	}
}

func TestApply_DoesNotMutateInput(t *testing.T) {
	pending := uint256.NewInt(1000)
	now := time.Now()
	Calculate(pending, now, now, time.Hour, 50)
	assert.Equal(t, uint64(1000), pending.Uint64())
}

func TestApply_EarlyStrictlyReduces(t *testing.T) {
	deposit := time.Unix(1_700_000_000, 0)
	pending := uint256.NewInt(1000)

	_, early := Calculate(pending, deposit, deposit.Add(time.Minute), time.Hour, 1)
	_, late := Calculate(pending, deposit, deposit.Add(2*time.Hour), time.Hour, 1)
	assert.True(t, early.Lt(late), "early withdrawal should pay less")
}

func TestValidate(t *testing.T) {
	assert.NoError(t, DefaultPolicy().Validate())
	assert.NoError(t, Policy{Period: 0, Percent: 100}.Validate())

	err := Policy{Period: time.Hour, Percent: 101}.Validate()
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrValidation))

	err = Policy{Period: -time.Second, Percent: 10}.Validate()
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrValidation))
}
