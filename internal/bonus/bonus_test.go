package bonus

import (
	"errors"
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/emission-ledger/internal/schedule"
	"github.com/yourorg/emission-ledger/internal/types"
)

// rates per period: 100, 50, 25, 12, 6 over blocks [200, 210)
func halvingSchedule(t *testing.T) *schedule.Schedule {
	t.Helper()
	s, err := schedule.New(schedule.Config{
		StartBlock:       200,
		BlocksPerPeriod:  2,
		PeriodCount:      5,
		BaseRate:         uint256.NewInt(100),
		DecayNumerator:   1,
		DecayDenominator: 2,
	})
	require.NoError(t, err)
	return s
}

func TestCompute(t *testing.T) {
	calc := New(halvingSchedule(t))
	rates := DefaultTable()

	tests := []struct {
		name      string
		pending   uint64
		from, to  uint64
		intervals []types.TierInterval
		want      uint64
	}{
		{
			name:      "interval fully contains pending range",
			pending:   1000,
			from:      201,
			to:        205,
			intervals: []types.TierInterval{{Tier: 1, Start: 200, End: 210}},
			want:      200,
		},
		{
			name:      "open interval",
			pending:   1000,
			from:      201,
			to:        205,
			intervals: []types.TierInterval{{Tier: 3, Start: 150, End: types.OpenEnd}},
			want:      500,
		},
		{
			// E(201,205)=225, E(201,203)=150, E(203,205)=75
			name:    "tier change weighted by emission",
			pending: 900,
			from:    201,
			to:      205,
			intervals: []types.TierInterval{
				{Tier: 1, Start: 200, End: 203},
				{Tier: 2, Start: 203, End: types.OpenEnd},
			},
			want: 120 + 90,
		},
		{
			name:      "gap earns nothing",
			pending:   900,
			from:      201,
			to:        205,
			intervals: []types.TierInterval{{Tier: 2, Start: 203, End: 300}},
			want:      90,
		},
		{
			name:      "tier zero earns nothing",
			pending:   900,
			from:      201,
			to:        205,
			intervals: []types.TierInterval{{Tier: 0, Start: 0, End: types.OpenEnd}},
			want:      0,
		},
		{
			name:      "unknown tier earns nothing",
			pending:   900,
			from:      201,
			to:        205,
			intervals: []types.TierInterval{{Tier: 9, Start: 0, End: types.OpenEnd}},
			want:      0,
		},
		{
			name:      "intervals outside range",
			pending:   900,
			from:      201,
			to:        205,
			intervals: []types.TierInterval{{Tier: 1, Start: 100, End: 201}, {Tier: 1, Start: 205, End: 300}},
			want:      0,
		},
		{
			name:      "empty range",
			pending:   900,
			from:      205,
			to:        205,
			intervals: []types.TierInterval{{Tier: 1, Start: 0, End: types.OpenEnd}},
			want:      0,
		},
		{
			name:      "range after schedule end",
			pending:   900,
			from:      210,
			to:        220,
			intervals: []types.TierInterval{{Tier: 1, Start: 0, End: types.OpenEnd}},
			want:      0,
		},
		{
			name:      "unsorted timeline",
			pending:   900,
			from:      201,
			to:        205,
			intervals: []types.TierInterval{{Tier: 2, Start: 203, End: 300}, {Tier: 1, Start: 200, End: 203}},
			want:      210,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := calc.Compute(uint256.NewInt(tt.pending), tt.from, tt.to, tt.intervals, rates)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.Uint64())
		})
	}
}

func TestCompute_RejectsOverlappingTimeline(t *testing.T) {
	calc := New(halvingSchedule(t))
	_, err := calc.Compute(uint256.NewInt(900), 201, 205, []types.TierInterval{
		{Tier: 1, Start: 200, End: 204},
		{Tier: 2, Start: 203, End: 300},
	}, DefaultTable())
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrOracleUnavailable))
}

func TestTable(t *testing.T) {
	rates := DefaultTable()
	rate, ok := rates.Rate(3)
	assert.True(t, ok)
	assert.Equal(t, uint64(50), rate)

	_, ok = rates.Rate(4)
	assert.False(t, ok)

	assert.NoError(t, rates.Validate())
	assert.True(t, errors.Is(Table{}.Validate(), types.ErrValidation))
	assert.True(t, errors.Is(Table{5, 10}.Validate(), types.ErrValidation))

	clone := rates.Clone()
	clone[1] = 99
	assert.Equal(t, uint64(20), rates[1])
}
