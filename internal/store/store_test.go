package store

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/emission-ledger/internal/model"
	"github.com/yourorg/emission-ledger/internal/tierlock"
	"github.com/yourorg/emission-ledger/internal/token"
	"github.com/yourorg/emission-ledger/internal/types"
)

var (
	owner  = common.HexToAddress("0x0000000000000000000000000000000000000001")
	lpAddr = common.HexToAddress("0x00000000000000000000000000000000000000c2")
	t0     = time.Date(2021, 7, 1, 0, 0, 0, 0, time.UTC)
)

func testSnapshot() Snapshot {
	pool := model.NewPool(0, lpAddr, 200, 200)
	pool.AccRewardPerShare.SetUint64(1_013_200_000_000)
	pool.TotalStaked.SetUint64(1_000_000)

	pos := model.NewPosition(0, owner)
	pos.StakedAmount.SetUint64(1_000_000)
	pos.FinishedBlock = 203
	pos.LastDepositTime = t0

	totals := model.NewTotals()
	totals.Emitted.Set(types.MustParseAmount("192158406400000000000"))

	return Snapshot{
		Ledger: model.State{
			Params: model.Params{
				Admin:          common.HexToAddress("0xad"),
				TreasuryBps:    2450,
				CommunityBps:   2450,
				PoolBps:        5100,
				TierBonusRates: []uint64{0, 20, 30, 50},
				PenaltyPeriod:  72 * time.Hour,
				PenaltyPercent: 50,
			},
			TotalPoolWeight: 200,
			Pools:           []model.Pool{pool},
			Positions:       []model.Position{pos},
			Totals:          totals,
		},
		Tokens: token.State{
			Tokens: []token.TokenState{{
				Address:  lpAddr,
				Owner:    common.HexToAddress("0xad"),
				Supply:   uint256.NewInt(1_000_000),
				Accounts: []token.Account{{Address: owner, Balance: uint256.NewInt(1_000_000)}},
			}},
			Contracts: []common.Address{lpAddr},
		},
		TierLock: []tierlock.Entry{{
			Owner:    owner,
			Locked:   uint256.NewInt(10),
			Timeline: []types.TierInterval{{Tier: 1, Start: 0, End: types.OpenEnd}},
		}},
	}
}

func TestStore_EmptyLoad(t *testing.T) {
	s, err := OpenMemory()
	require.NoError(t, err)
	defer s.Close()

	_, ok, err := s.Load()
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, uint64(0), s.Sequence())
}

func TestStore_CommitLoad(t *testing.T) {
	s, err := OpenMemory()
	require.NoError(t, err)
	defer s.Close()

	snap := testSnapshot()
	seq, err := s.Commit(snap, Record{Op: "deposit", Caller: owner, Block: 203, At: t0})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), seq)

	got, ok, err := s.Load()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, snap, got)
}

func TestStore_JournalSurvivesReopen(t *testing.T) {
	dir := t.TempDir()

	s, err := Open(DefaultConfig(dir))
	require.NoError(t, err)
	payload, _ := json.Marshal(map[string]string{"amount": "1000000"})
	for i := uint64(0); i < 5; i++ {
		_, err := s.Commit(testSnapshot(), Record{Op: "deposit", Caller: owner, Block: 200 + i, At: t0, Payload: payload})
		require.NoError(t, err)
	}
	require.NoError(t, s.Close())
	require.NoError(t, s.Close(), "second close is a no-op")

	_, err = s.Commit(testSnapshot(), Record{})
	assert.True(t, errors.Is(err, ErrClosed))

	s, err = Open(DefaultConfig(dir))
	require.NoError(t, err)
	defer s.Close()
	assert.Equal(t, uint64(5), s.Sequence())

	records, err := s.Journal(2, 2)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, uint64(3), records[0].Seq)
	assert.Equal(t, uint64(203), records[1].Block)
	assert.JSONEq(t, `{"amount":"1000000"}`, string(records[0].Payload))

	all, err := s.Journal(0, 0)
	require.NoError(t, err)
	assert.Len(t, all, 5)

	seq, err := s.Commit(testSnapshot(), Record{Op: "withdraw"})
	require.NoError(t, err)
	assert.Equal(t, uint64(6), seq)
}

func TestStore_Nonces(t *testing.T) {
	s, err := OpenMemory()
	require.NoError(t, err)
	defer s.Close()

	other := common.HexToAddress("0x02")
	require.NoError(t, s.UseNonce(owner, 1, t0))
	require.NoError(t, s.UseNonce(owner, 2, t0.Add(time.Hour)))
	require.NoError(t, s.UseNonce(other, 1, t0))

	err = s.UseNonce(owner, 1, t0.Add(2*time.Hour))
	assert.True(t, errors.Is(err, ErrNonceUsed))

	removed, err := s.PruneNonces(t0.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	assert.NoError(t, s.UseNonce(owner, 1, t0.Add(3*time.Hour)))
	assert.True(t, errors.Is(s.UseNonce(owner, 2, t0), ErrNonceUsed))
}
