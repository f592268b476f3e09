// Package model defines the core data structures for the emission ledger.
package model

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Pool is a weighted reward-sharing bucket associated with one stake token.
type Pool struct {
	// ID is assigned at creation and never reused
	ID uint64 `json:"id"`

	// StakeToken is the token staked into this pool, unique across pools
	StakeToken common.Address `json:"stake_token"`

	// Weight is the pool's share of the total pool weight
	Weight uint64 `json:"weight"`

	// AccRewardPerShare is the cumulative reward per staked unit, scaled by Precision
	AccRewardPerShare *uint256.Int `json:"acc_reward_per_share"`

	// LastRewardBlock is the block through which the pool has been settled
	LastRewardBlock uint64 `json:"last_reward_block"`

	// TotalStaked is the sum of all positions' staked amounts
	TotalStaked *uint256.Int `json:"total_staked"`
}

// NewPool creates a pool with a zero accumulator
func NewPool(id uint64, stakeToken common.Address, weight, lastRewardBlock uint64) Pool {
	return Pool{
		ID:                id,
		StakeToken:        stakeToken,
		Weight:            weight,
		AccRewardPerShare: new(uint256.Int),
		LastRewardBlock:   lastRewardBlock,
		TotalStaked:       new(uint256.Int),
	}
}

// Clone returns a deep copy of the pool
func (p Pool) Clone() Pool {
	p.AccRewardPerShare = cloneInt(p.AccRewardPerShare)
	p.TotalStaked = cloneInt(p.TotalStaked)
	return p
}

// Position is one owner's stake in one pool.
type Position struct {
	PoolID uint64         `json:"pool_id"`
	Owner  common.Address `json:"owner"`

	// StakedAmount is the principal currently staked
	StakedAmount *uint256.Int `json:"staked_amount"`

	// RewardDebt is StakedAmount * AccRewardPerShare / Precision at the last settlement
	RewardDebt *uint256.Int `json:"reward_debt"`

	// FinishedBlock is the block through which tier bonus has been paid
	FinishedBlock uint64 `json:"finished_block"`

	// LastDepositTime is when the stake last increased; it opens the penalty window
	LastDepositTime time.Time `json:"last_deposit_time"`

	// ReceivedBonus is the cumulative tier bonus paid, never decreasing
	ReceivedBonus *uint256.Int `json:"received_bonus"`

	// ReceivedReward is the cumulative base reward paid after penalties
	ReceivedReward *uint256.Int `json:"received_reward"`
}

// NewPosition creates an empty position
func NewPosition(poolID uint64, owner common.Address) Position {
	return Position{
		PoolID:         poolID,
		Owner:          owner,
		StakedAmount:   new(uint256.Int),
		RewardDebt:     new(uint256.Int),
		ReceivedBonus:  new(uint256.Int),
		ReceivedReward: new(uint256.Int),
	}
}

// Clone returns a deep copy of the position
func (p Position) Clone() Position {
	p.StakedAmount = cloneInt(p.StakedAmount)
	p.RewardDebt = cloneInt(p.RewardDebt)
	p.ReceivedBonus = cloneInt(p.ReceivedBonus)
	p.ReceivedReward = cloneInt(p.ReceivedReward)
	return p
}

// SettleResult describes what one settlement of one pool minted
type SettleResult struct {
	PoolID    uint64 `json:"pool_id"`
	FromBlock uint64 `json:"from_block"`
	ToBlock   uint64 `json:"to_block"`

	// Reward is the pool's weighted share of emission over [FromBlock, ToBlock)
	Reward *uint256.Int `json:"reward"`

	Treasury  *uint256.Int `json:"treasury"`
	Community *uint256.Int `json:"community"`

	// PoolShare is the part folded into the accumulator, or redirected to the
	// community wallet when Redirected is set
	PoolShare  *uint256.Int `json:"pool_share"`
	Redirected bool         `json:"redirected"`
}

// Applied reports whether the settlement advanced the pool
func (r SettleResult) Applied() bool {
	return r.ToBlock > r.FromBlock
}

// Receipt summarizes a position operation
type Receipt struct {
	PoolID uint64         `json:"pool_id"`
	Owner  common.Address `json:"owner"`
	Block  uint64         `json:"block"`

	// Amount is the principal moved in or out
	Amount *uint256.Int `json:"amount"`

	// Reward is the base reward paid after penalty
	Reward *uint256.Int `json:"reward"`

	// Bonus is the tier bonus paid
	Bonus *uint256.Int `json:"bonus"`

	// Penalty is the reward forfeited by an early withdrawal
	Penalty *uint256.Int `json:"penalty"`

	// Restaked is set when the harvest was compounded into the tier lock
	Restaked bool `json:"restaked,omitempty"`

	// StakedAmount is the position's stake after the operation
	StakedAmount *uint256.Int `json:"staked_amount"`
}

// NewReceipt creates a receipt with zero amounts
func NewReceipt(poolID uint64, owner common.Address, block uint64) Receipt {
	return Receipt{
		PoolID:       poolID,
		Owner:        owner,
		Block:        block,
		Amount:       new(uint256.Int),
		Reward:       new(uint256.Int),
		Bonus:        new(uint256.Int),
		Penalty:      new(uint256.Int),
		StakedAmount: new(uint256.Int),
	}
}

// Totals are running sums over the ledger's lifetime, used for conservation checks
type Totals struct {
	// Emitted is the weighted emission attributed to pools by settlement
	Emitted *uint256.Int `json:"emitted"`

	Treasury  *uint256.Int `json:"treasury"`
	Community *uint256.Int `json:"community"`

	// PoolShare is the part credited to pool accumulators
	PoolShare *uint256.Int `json:"pool_share"`

	// Paid is base reward transferred to owners or restaked
	Paid *uint256.Int `json:"paid"`

	// Bonus is tier bonus minted on top of emission
	Bonus *uint256.Int `json:"bonus"`

	// Forfeited is reward moved to the community wallet by early-withdrawal penalties
	Forfeited *uint256.Int `json:"forfeited"`
}

// NewTotals creates zeroed totals
func NewTotals() Totals {
	return Totals{
		Emitted:   new(uint256.Int),
		Treasury:  new(uint256.Int),
		Community: new(uint256.Int),
		PoolShare: new(uint256.Int),
		Paid:      new(uint256.Int),
		Bonus:     new(uint256.Int),
		Forfeited: new(uint256.Int),
	}
}

// Clone returns a deep copy
func (t Totals) Clone() Totals {
	return Totals{
		Emitted:   cloneInt(t.Emitted),
		Treasury:  cloneInt(t.Treasury),
		Community: cloneInt(t.Community),
		PoolShare: cloneInt(t.PoolShare),
		Paid:      cloneInt(t.Paid),
		Bonus:     cloneInt(t.Bonus),
		Forfeited: cloneInt(t.Forfeited),
	}
}

// Params are the admin-mutable ledger parameters
type Params struct {
	Admin           common.Address `json:"admin"`
	RewardToken     common.Address `json:"reward_token"`
	TreasuryWallet  common.Address `json:"treasury_wallet"`
	CommunityWallet common.Address `json:"community_wallet"`

	// Split in basis points of 10_000
	TreasuryBps  uint64 `json:"treasury_bps"`
	CommunityBps uint64 `json:"community_bps"`
	PoolBps      uint64 `json:"pool_bps"`

	// TierBonusRates is indexed by tier, in whole percent
	TierBonusRates []uint64 `json:"tier_bonus_rates"`

	PenaltyPeriod  time.Duration `json:"penalty_period"`
	PenaltyPercent uint64        `json:"penalty_percent"`
}

// Clone returns a deep copy
func (p Params) Clone() Params {
	p.TierBonusRates = append([]uint64(nil), p.TierBonusRates...)
	return p
}

// State is the persisted form of the whole ledger
type State struct {
	Params          Params     `json:"params"`
	BonusPoolID     uint64     `json:"bonus_pool_id"`
	TotalPoolWeight uint64     `json:"total_pool_weight"`
	Pools           []Pool     `json:"pools"`
	Positions       []Position `json:"positions"`
	Totals          Totals     `json:"totals"`
}

func cloneInt(v *uint256.Int) *uint256.Int {
	if v == nil {
		return new(uint256.Int)
	}
	return new(uint256.Int).Set(v)
}
