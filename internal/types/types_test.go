package types

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAmount(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr error
	}{
		{in: "0", want: "0"},
		{in: "010", want: "10"},
		{in: " 30000000000000000000 ", want: "30000000000000000000"},
		{in: "0x10", want: "16"},
		{in: "", wantErr: ErrValidation},
		{in: "-1", wantErr: ErrValidation},
		{in: "1.5", wantErr: ErrValidation},
		{in: "0x1" + strings.Repeat("0", 64), wantErr: ErrOverflow},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseAmount(tt.in)
			if tt.wantErr != nil {
				require.Error(t, err)
				assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.Dec())
		})
	}
}

func TestTierInterval(t *testing.T) {
	closed := TierInterval{Tier: 1, Start: 10, End: 20}
	open := TierInterval{Tier: 2, Start: 20, End: OpenEnd}

	assert.False(t, closed.IsOpen())
	assert.True(t, open.IsOpen())

	assert.True(t, closed.Overlaps(15, 30))
	assert.True(t, closed.Overlaps(0, 11))
	assert.False(t, closed.Overlaps(20, 30), "end is exclusive")
	assert.False(t, closed.Overlaps(0, 10), "range end is exclusive")
	assert.True(t, open.Overlaps(1_000_000, 1_000_001))
}
