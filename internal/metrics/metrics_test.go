package metrics

import (
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/yourorg/emission-ledger/internal/circuitbreaker"
	"github.com/yourorg/emission-ledger/internal/model"
	"github.com/yourorg/emission-ledger/internal/types"
)

func TestTokens(t *testing.T) {
	assert.Equal(t, 0.0, Tokens(nil))
	assert.InDelta(t, 14.9, Tokens(types.MustParseAmount("14900000000000000000")), 1e-12)
	assert.Equal(t, 0.5, Tokens(types.MustParseAmount("500000000000000000")))
}

func TestCollector_SettleApplied(t *testing.T) {
	c := New(prometheus.NewRegistry())

	c.SettleApplied(model.SettleResult{
		PoolID:    1,
		FromBlock: 200,
		ToBlock:   202,
		Reward:    types.MustParseAmount("10000000000000000000"),
		Treasury:  types.MustParseAmount("2450000000000000000"),
		Community: types.MustParseAmount("2450000000000000000"),
		PoolShare: types.MustParseAmount("5100000000000000000"),
	})
	c.SettleApplied(model.SettleResult{
		PoolID:     0,
		FromBlock:  200,
		ToBlock:    202,
		Reward:     types.MustParseAmount("2000000000000000000"),
		Treasury:   types.MustParseAmount("500000000000000000"),
		Community:  types.MustParseAmount("500000000000000000"),
		PoolShare:  types.MustParseAmount("1000000000000000000"),
		Redirected: true,
	})

	assert.Equal(t, 1.0, testutil.ToFloat64(c.settlements.WithLabelValues("1", "false")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.settlements.WithLabelValues("0", "true")))
	assert.InDelta(t, 2.95, testutil.ToFloat64(c.minted.WithLabelValues("treasury")), 1e-9)
	assert.InDelta(t, 3.95, testutil.ToFloat64(c.minted.WithLabelValues("community")), 1e-9)
	assert.InDelta(t, 5.1, testutil.ToFloat64(c.minted.WithLabelValues("pool")), 1e-9)
}

func TestCollector_Operations(t *testing.T) {
	c := New(prometheus.NewRegistry())

	r := model.NewReceipt(0, common.HexToAddress("0x01"), 204)
	r.Reward.Set(types.MustParseAmount("20000000000000000000"))
	r.Bonus.Set(types.MustParseAmount("4000000000000000000"))
	r.Penalty.Set(types.MustParseAmount("20000000000000000000"))
	c.OperationCompleted("withdraw", r)
	c.OperationCompleted("deposit", model.NewReceipt(1, common.HexToAddress("0x02"), 205))
	c.OperationFailed("deposit")

	assert.Equal(t, 1.0, testutil.ToFloat64(c.operations.WithLabelValues("withdraw", StatusSuccess)))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.operations.WithLabelValues("deposit", StatusSuccess)))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.operations.WithLabelValues("deposit", StatusFailure)))
	assert.Equal(t, 20.0, testutil.ToFloat64(c.paid.WithLabelValues("reward")))
	assert.Equal(t, 4.0, testutil.ToFloat64(c.paid.WithLabelValues("bonus")))
	assert.Equal(t, 4.0, testutil.ToFloat64(c.minted.WithLabelValues("bonus")))
	assert.Equal(t, 20.0, testutil.ToFloat64(c.paid.WithLabelValues("penalty")))
}

func TestCollector_PoolAndBreaker(t *testing.T) {
	c := New(prometheus.NewRegistry())

	pool := model.NewPool(2, common.HexToAddress("0xc2"), 300, 200)
	pool.TotalStaked = uint256.NewInt(3).Mul(uint256.NewInt(3), types.Precision)
	c.PoolUpdated(pool)
	assert.Equal(t, 3.0, testutil.ToFloat64(c.poolStaked.WithLabelValues("2")))
	assert.Equal(t, 300.0, testutil.ToFloat64(c.poolWeight.WithLabelValues("2")))
	assert.Equal(t, 0.0, testutil.ToFloat64(c.poolAcc.WithLabelValues("2")))

	c.BreakerTripped("consecutive failures")
	assert.Equal(t, 1.0, testutil.ToFloat64(c.breakerState))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.breakerTrips.WithLabelValues("consecutive failures")))
	c.SetBreakerState(circuitbreaker.StateHalfOpen)
	assert.Equal(t, 2.0, testutil.ToFloat64(c.breakerState))

	c.AuditCompleted(map[string]int{"weights_sum_to_total": 1})
	assert.Equal(t, 1.0, testutil.ToFloat64(c.auditFindings.WithLabelValues("weights_sum_to_total")))
	c.AuditCompleted(nil)
	assert.Equal(t, 0.0, testutil.ToFloat64(c.auditFindings.WithLabelValues("weights_sum_to_total")))

	c.ObserveRequest("/v1/pools", 200, 15*time.Millisecond)
	assert.Equal(t, 1.0, testutil.ToFloat64(c.requestCounter.WithLabelValues("/v1/pools", "200")))
}

func TestNew_RegistersOnce(t *testing.T) {
	reg := prometheus.NewRegistry()
	New(reg)
	assert.Panics(t, func() { New(reg) })
}
