// Package ledger implements the emission ledger: the pool registry, lazy reward accrual,
// per-owner positions, and the admin surface.
//
// Every mutating call runs under a single writer lock in four steps: preconditions,
// read-only oracle queries, computation on copied records, and finally external effects
// followed by the commit of the copies. A call that fails before its commit leaves the
// ledger unchanged.
package ledger

import (
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/sirupsen/logrus"

	"github.com/yourorg/emission-ledger/internal/bonus"
	"github.com/yourorg/emission-ledger/internal/model"
	"github.com/yourorg/emission-ledger/internal/penalty"
	"github.com/yourorg/emission-ledger/internal/schedule"
	"github.com/yourorg/emission-ledger/internal/tierlock"
	"github.com/yourorg/emission-ledger/internal/token"
	"github.com/yourorg/emission-ledger/internal/types"
	"github.com/yourorg/emission-ledger/internal/validation"
)

// Split divides each settlement between the treasury wallet, the community wallet and the
// pool, in basis points of 10_000
type Split struct {
	TreasuryBps  uint64 `json:"treasury_bps" toml:"treasury_bps"`
	CommunityBps uint64 `json:"community_bps" toml:"community_bps"`
	PoolBps      uint64 `json:"pool_bps" toml:"pool_bps"`
}

// DefaultSplit returns 24.5% treasury, 24.5% community, 51% pool
func DefaultSplit() Split {
	return Split{TreasuryBps: 2450, CommunityBps: 2450, PoolBps: 5100}
}

// Config holds everything needed to construct an engine
type Config struct {
	Schedule schedule.Config

	// Self is the engine's own account: it holds staked principal and undistributed
	// reward, and must own the reward token to mint
	Self common.Address

	// Admin is the only caller allowed to change parameters
	Admin common.Address

	RewardToken common.Address

	// TierLockToken is staked in the bonus pool; restaked rewards are sent to it
	TierLockToken common.Address

	TreasuryWallet  common.Address
	CommunityWallet common.Address

	Split           Split
	BonusPoolWeight uint64
	TierBonusRates  bonus.Table
	Penalty         penalty.Policy
}

// DefaultConfig fills the reward parameters with their stock values. Addresses and the
// schedule window are left for the caller.
func DefaultConfig() Config {
	return Config{
		Schedule: schedule.Config{
			BaseRate:         types.MustParseAmount("30000000000000000000"),
			DecayNumerator:   9650,
			DecayDenominator: 10000,
		},
		Split:           DefaultSplit(),
		BonusPoolWeight: 200,
		TierBonusRates:  bonus.DefaultTable(),
		Penalty:         penalty.DefaultPolicy(),
	}
}

// Observer receives committed ledger events; the metrics collector implements it
type Observer interface {
	SettleApplied(result model.SettleResult)
	OperationCompleted(op string, receipt model.Receipt)
	PoolUpdated(pool model.Pool)
}

type nopObserver struct{}

func (nopObserver) SettleApplied(model.SettleResult)         {}
func (nopObserver) OperationCompleted(string, model.Receipt) {}
func (nopObserver) PoolUpdated(model.Pool)                   {}

// Option customizes an engine
type Option func(*Engine)

// WithObserver registers observers for committed events, called in order
func WithObserver(obs ...Observer) Option {
	return func(e *Engine) {
		if len(obs) == 1 {
			e.observer = obs[0]
			return
		}
		e.observer = observers(obs)
	}
}

type observers []Observer

func (o observers) SettleApplied(r model.SettleResult) {
	for _, ob := range o {
		ob.SettleApplied(r)
	}
}

func (o observers) OperationCompleted(op string, r model.Receipt) {
	for _, ob := range o {
		ob.OperationCompleted(op, r)
	}
}

func (o observers) PoolUpdated(p model.Pool) {
	for _, ob := range o {
		ob.PoolUpdated(p)
	}
}

// WithValidationOptions overrides the admin parameter bounds
func WithValidationOptions(opts validation.ValidationOptions) Option {
	return func(e *Engine) { e.validationOpts = &opts }
}

type positionKey struct {
	pool  uint64
	owner common.Address
}

// Engine is the ledger state machine. It is safe for concurrent use: mutations are
// serialized and reads observe a consistent snapshot.
type Engine struct {
	mu sync.RWMutex

	self           common.Address
	sched          *schedule.Schedule
	bonusCalc      *bonus.Calculator
	tokens         token.Resolver
	oracle         tierlock.Oracle
	validator      *validation.Validator
	validationOpts *validation.ValidationOptions
	observer       Observer

	params      model.Params
	bonusPoolID uint64
	totalWeight uint64
	pools       []model.Pool
	byToken     map[common.Address]uint64
	positions   map[positionKey]model.Position
	totals      model.Totals
}

// New validates cfg and creates an engine with the bonus pool registered as pool 0
func New(cfg Config, tokens token.Resolver, oracle tierlock.Oracle, opts ...Option) (*Engine, error) {
	sched, err := schedule.New(cfg.Schedule)
	if err != nil {
		return nil, fmt.Errorf("invalid schedule: %w", err)
	}

	e := &Engine{
		self:      cfg.Self,
		sched:     sched,
		bonusCalc: bonus.New(sched),
		tokens:    tokens,
		oracle:    oracle,
		observer:  nopObserver{},
		byToken:   make(map[common.Address]uint64),
		positions: make(map[positionKey]model.Position),
		totals:    model.NewTotals(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.validationOpts != nil {
		e.validator = validation.NewWithOptions(tokens, *e.validationOpts)
	} else {
		e.validator = validation.New(tokens)
	}

	v := e.validator
	checks := []error{
		v.Account("engine account", cfg.Self),
		v.Account("admin", cfg.Admin),
		v.Contract("reward token", cfg.RewardToken),
		v.Contract("tier-lock token", cfg.TierLockToken),
		v.Wallets(cfg.TreasuryWallet, cfg.CommunityWallet),
		v.Split(cfg.Split.TreasuryBps, cfg.Split.CommunityBps, cfg.Split.PoolBps),
		v.Weight(cfg.BonusPoolWeight),
		v.BonusTable(cfg.TierBonusRates),
		v.Penalty(cfg.Penalty.Period, cfg.Penalty.Percent),
	}
	for _, err := range checks {
		if err != nil {
			return nil, err
		}
	}
	if cfg.TierLockToken == cfg.RewardToken {
		return nil, fmt.Errorf("%w: tier-lock token should not be the reward token", types.ErrValidation)
	}

	e.params = model.Params{
		Admin:           cfg.Admin,
		RewardToken:     cfg.RewardToken,
		TreasuryWallet:  cfg.TreasuryWallet,
		CommunityWallet: cfg.CommunityWallet,
		TreasuryBps:     cfg.Split.TreasuryBps,
		CommunityBps:    cfg.Split.CommunityBps,
		PoolBps:         cfg.Split.PoolBps,
		TierBonusRates:  cfg.TierBonusRates.Clone(),
		PenaltyPeriod:   cfg.Penalty.Period,
		PenaltyPercent:  cfg.Penalty.Percent,
	}

	bonusPool := model.NewPool(0, cfg.TierLockToken, cfg.BonusPoolWeight, sched.StartBlock())
	e.pools = []model.Pool{bonusPool}
	e.byToken[cfg.TierLockToken] = bonusPool.ID
	e.bonusPoolID = bonusPool.ID
	e.totalWeight = cfg.BonusPoolWeight

	logrus.WithFields(logrus.Fields{
		"start_block":  sched.StartBlock(),
		"end_block":    sched.EndBlock(),
		"periods":      sched.PeriodCount(),
		"bonus_weight": cfg.BonusPoolWeight,
	}).Info("Emission ledger initialized")
	return e, nil
}

func (e *Engine) split() Split {
	return Split{
		TreasuryBps:  e.params.TreasuryBps,
		CommunityBps: e.params.CommunityBps,
		PoolBps:      e.params.PoolBps,
	}
}

func (e *Engine) penaltyPolicy() penalty.Policy {
	return penalty.Policy{Period: e.params.PenaltyPeriod, Percent: e.params.PenaltyPercent}
}

func (e *Engine) requireAdmin(call types.Call) error {
	if call.Caller != e.params.Admin {
		logrus.WithField("caller", call.Caller.Hex()).Warn("Rejected admin call")
		return fmt.Errorf("%w: %s is not the admin", types.ErrUnauthorized, call.Caller.Hex())
	}
	return nil
}

func (e *Engine) poolIndex(id uint64) (model.Pool, error) {
	if id >= uint64(len(e.pools)) {
		return model.Pool{}, fmt.Errorf("%w: %d", types.ErrPoolNotFound, id)
	}
	return e.pools[id], nil
}

func (e *Engine) position(poolID uint64, owner common.Address) model.Position {
	if pos, ok := e.positions[positionKey{pool: poolID, owner: owner}]; ok {
		return pos.Clone()
	}
	return model.NewPosition(poolID, owner)
}

// rewardToken returns the reward token and checks that the engine may mint it
func (e *Engine) rewardToken() (token.Token, error) {
	tok, err := e.tokens.Token(e.params.RewardToken)
	if err != nil {
		return nil, fmt.Errorf("resolving reward token: %w", err)
	}
	if tok.Owner() != e.self {
		return nil, fmt.Errorf("%w: owner is %s", types.ErrNotMinter, tok.Owner().Hex())
	}
	return tok, nil
}

// accrued returns staked * acc / Precision
func accrued(staked, acc *uint256.Int) (*uint256.Int, error) {
	v, overflow := new(uint256.Int).MulOverflow(staked, acc)
	if overflow {
		return nil, fmt.Errorf("%w: staked amount times accumulator", types.ErrOverflow)
	}
	return v.Div(v, types.Precision), nil
}

// pendingOf returns the reward a position has earned since its debt was last set
func pendingOf(pos model.Position, pool model.Pool) (*uint256.Int, error) {
	acc, err := accrued(pos.StakedAmount, pool.AccRewardPerShare)
	if err != nil {
		return nil, err
	}
	if acc.Lt(pos.RewardDebt) {
		logrus.WithFields(logrus.Fields{
			"pool":    pool.ID,
			"owner":   pos.Owner.Hex(),
			"accrued": acc.Dec(),
			"debt":    pos.RewardDebt.Dec(),
		}).Error("Reward debt exceeds accrued reward")
		return nil, fmt.Errorf("%w: pool %d owner %s", types.ErrPrecisionUnderflow, pool.ID, pos.Owner.Hex())
	}
	return acc.Sub(acc, pos.RewardDebt), nil
}

// Schedule returns the emission schedule
func (e *Engine) Schedule() *schedule.Schedule {
	return e.sched
}

// Self returns the engine's own account
func (e *Engine) Self() common.Address {
	return e.self
}

// BonusPoolID returns the id of the tier-bonus pool
func (e *Engine) BonusPoolID() uint64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.bonusPoolID
}

// Params returns a copy of the admin parameters
func (e *Engine) Params() model.Params {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.params.Clone()
}

// PoolLength returns the number of pools
func (e *Engine) PoolLength() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.pools)
}

// TotalPoolWeight returns the sum of all pool weights
func (e *Engine) TotalPoolWeight() uint64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.totalWeight
}

// Pool returns a copy of one pool
func (e *Engine) Pool(id uint64) (model.Pool, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	pool, err := e.poolIndex(id)
	if err != nil {
		return model.Pool{}, err
	}
	return pool.Clone(), nil
}

// PoolByToken returns the pool staking tokenAddr
func (e *Engine) PoolByToken(tokenAddr common.Address) (model.Pool, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	id, ok := e.byToken[tokenAddr]
	if !ok {
		return model.Pool{}, fmt.Errorf("%w: no pool stakes %s", types.ErrPoolNotFound, tokenAddr.Hex())
	}
	return e.pools[id].Clone(), nil
}

// Pools returns copies of every pool in id order
func (e *Engine) Pools() []model.Pool {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]model.Pool, len(e.pools))
	for i, p := range e.pools {
		out[i] = p.Clone()
	}
	return out
}

// Position returns the owner's position in a pool. Owners that never deposited get an
// empty position.
func (e *Engine) Position(poolID uint64, owner common.Address) (model.Position, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if _, err := e.poolIndex(poolID); err != nil {
		return model.Position{}, err
	}
	return e.position(poolID, owner), nil
}

// Totals returns the running reward sums
func (e *Engine) Totals() model.Totals {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.totals.Clone()
}
