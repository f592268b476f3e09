// Package metrics exposes ledger activity as Prometheus collectors.
package metrics

import (
	"math/big"
	"strconv"
	"time"

	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/yourorg/emission-ledger/internal/circuitbreaker"
	"github.com/yourorg/emission-ledger/internal/model"
	"github.com/yourorg/emission-ledger/internal/types"
)

const namespace = "ledger"

// Operation outcomes
const (
	StatusSuccess = "success"
	StatusFailure = "failure"
)

// Collector holds every ledger metric. It implements the ledger's Observer.
type Collector struct {
	operations      *prometheus.CounterVec
	settlements     *prometheus.CounterVec
	minted          *prometheus.CounterVec
	paid            *prometheus.CounterVec
	poolAcc         *prometheus.GaugeVec
	poolStaked      *prometheus.GaugeVec
	poolWeight      *prometheus.GaugeVec
	breakerState    prometheus.Gauge
	breakerTrips    *prometheus.CounterVec
	auditFindings   *prometheus.GaugeVec
	requestCounter  *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
}

// New creates the collectors and registers them with reg
func New(reg prometheus.Registerer) *Collector {
	c := &Collector{
		operations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "operations_total",
				Help:      "Position operations by outcome",
			},
			[]string{"op", "status"},
		),
		settlements: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "settlements_total",
				Help:      "Pool settlements that advanced the pool",
			},
			[]string{"pool", "redirected"},
		),
		minted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "minted_reward_tokens_total",
				Help:      "Reward minted by settlement, in whole tokens",
			},
			[]string{"destination"},
		),
		paid: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "paid_reward_tokens_total",
				Help:      "Reward paid or forfeited by position operations, in whole tokens",
			},
			[]string{"kind"},
		),
		poolAcc: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "pool_acc_reward_per_share",
				Help:      "Accumulated reward per staked unit, unscaled",
			},
			[]string{"pool"},
		),
		poolStaked: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "pool_total_staked_tokens",
				Help:      "Principal staked in the pool, in whole tokens",
			},
			[]string{"pool"},
		),
		poolWeight: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "pool_weight",
				Help:      "Pool weight",
			},
			[]string{"pool"},
		),
		breakerState: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "oracle_circuit_breaker_state",
				Help:      "Oracle circuit breaker state (0=closed, 1=open, 2=half-open)",
			},
		),
		breakerTrips: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "oracle_circuit_breaker_trips_total",
				Help:      "Times the oracle circuit breaker opened",
			},
			[]string{"reason"},
		),
		auditFindings: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "audit_findings",
				Help:      "Findings of the most recent audit by check",
			},
			[]string{"check"},
		),
		requestCounter: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_total",
				Help:      "Total number of requests processed",
			},
			[]string{"route", "status"},
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "request_duration_seconds",
				Help:      "Request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"route"},
		),
	}

	reg.MustRegister(
		c.operations,
		c.settlements,
		c.minted,
		c.paid,
		c.poolAcc,
		c.poolStaked,
		c.poolWeight,
		c.breakerState,
		c.breakerTrips,
		c.auditFindings,
		c.requestCounter,
		c.requestDuration,
	)
	return c
}

// SettleApplied records what a settlement minted
func (c *Collector) SettleApplied(r model.SettleResult) {
	pool := poolLabel(r.PoolID)
	c.settlements.WithLabelValues(pool, strconv.FormatBool(r.Redirected)).Inc()
	c.minted.WithLabelValues("treasury").Add(Tokens(r.Treasury))
	if r.Redirected {
		c.minted.WithLabelValues("community").Add(Tokens(r.Community) + Tokens(r.PoolShare))
		return
	}
	c.minted.WithLabelValues("community").Add(Tokens(r.Community))
	c.minted.WithLabelValues("pool").Add(Tokens(r.PoolShare))
}

// OperationCompleted records a successful position operation
func (c *Collector) OperationCompleted(op string, r model.Receipt) {
	c.operations.WithLabelValues(op, StatusSuccess).Inc()
	c.paid.WithLabelValues("reward").Add(Tokens(r.Reward))
	if r.Bonus != nil && !r.Bonus.IsZero() {
		c.paid.WithLabelValues("bonus").Add(Tokens(r.Bonus))
		c.minted.WithLabelValues("bonus").Add(Tokens(r.Bonus))
	}
	if r.Penalty != nil && !r.Penalty.IsZero() {
		c.paid.WithLabelValues("penalty").Add(Tokens(r.Penalty))
	}
}

// OperationFailed records a rejected position operation
func (c *Collector) OperationFailed(op string) {
	c.operations.WithLabelValues(op, StatusFailure).Inc()
}

// PoolUpdated refreshes the pool gauges
func (c *Collector) PoolUpdated(p model.Pool) {
	pool := poolLabel(p.ID)
	c.poolAcc.WithLabelValues(pool).Set(Tokens(p.AccRewardPerShare))
	c.poolStaked.WithLabelValues(pool).Set(Tokens(p.TotalStaked))
	c.poolWeight.WithLabelValues(pool).Set(float64(p.Weight))
}

// SetBreakerState publishes the oracle breaker state
func (c *Collector) SetBreakerState(s circuitbreaker.State) {
	c.breakerState.Set(float64(s))
}

// BreakerTripped counts a breaker trip; pass it to the breaker's trip callback
func (c *Collector) BreakerTripped(reason string) {
	c.breakerTrips.WithLabelValues(reason).Inc()
	c.breakerState.Set(float64(circuitbreaker.StateOpen))
}

// AuditCompleted publishes per-check finding counts. Checks absent from counts are reset.
func (c *Collector) AuditCompleted(counts map[string]int) {
	c.auditFindings.Reset()
	for check, n := range counts {
		c.auditFindings.WithLabelValues(check).Set(float64(n))
	}
}

// ObserveRequest records one HTTP request
func (c *Collector) ObserveRequest(route string, status int, elapsed time.Duration) {
	c.requestCounter.WithLabelValues(route, strconv.Itoa(status)).Inc()
	c.requestDuration.WithLabelValues(route).Observe(elapsed.Seconds())
}

var precision = new(big.Float).SetInt(types.Precision.ToBig())

// Tokens converts a fixed-point amount to whole tokens. Gauges lose precision past 2^53.
func Tokens(x *uint256.Int) float64 {
	if x == nil {
		return 0
	}
	f, _ := new(big.Float).Quo(new(big.Float).SetInt(x.ToBig()), precision).Float64()
	return f
}

func poolLabel(id uint64) string {
	return strconv.FormatUint(id, 10)
}
