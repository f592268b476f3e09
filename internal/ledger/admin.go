package ledger

import (
	"fmt"
	"math"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"

	"github.com/yourorg/emission-ledger/internal/bonus"
	"github.com/yourorg/emission-ledger/internal/model"
	"github.com/yourorg/emission-ledger/internal/types"
)

// checkStakeToken requires a contract not yet staked by any pool and distinct from the
// reward token, so principal and reward balances never mix
func (e *Engine) checkStakeToken(addr common.Address) error {
	if err := e.validator.Contract("stake token", addr); err != nil {
		return err
	}
	if id, ok := e.byToken[addr]; ok {
		return fmt.Errorf("%w: stake token %s already used by pool %d", types.ErrValidation, addr.Hex(), id)
	}
	if addr == e.params.RewardToken {
		return fmt.Errorf("%w: stake token should not be the reward token", types.ErrValidation)
	}
	return nil
}

// AddPool registers a pool for stakeToken. With massSettle set, every existing pool is
// settled first so the weight change only affects future blocks.
func (e *Engine) AddPool(call types.Call, stakeToken common.Address, weight uint64, massSettle bool) (model.Pool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.requireAdmin(call); err != nil {
		return model.Pool{}, err
	}
	if e.sched.Closed(call.Block) {
		return model.Pool{}, fmt.Errorf("%w: block %d is past end block %d", types.ErrScheduleClosed, call.Block, e.sched.EndBlock())
	}
	if err := e.checkStakeToken(stakeToken); err != nil {
		return model.Pool{}, err
	}
	if err := e.validator.Weight(weight); err != nil {
		return model.Pool{}, err
	}
	if weight > math.MaxUint64-e.totalWeight {
		return model.Pool{}, fmt.Errorf("%w: total pool weight", types.ErrOverflow)
	}

	b := e.newBatch()
	if massSettle {
		if err := b.settleAll(call.Block); err != nil {
			return model.Pool{}, err
		}
	}
	if err := b.apply(); err != nil {
		return model.Pool{}, err
	}

	lastReward := call.Block
	if start := e.sched.StartBlock(); lastReward < start {
		lastReward = start
	}
	pool := model.NewPool(uint64(len(e.pools)), stakeToken, weight, lastReward)
	e.pools = append(e.pools, pool)
	e.byToken[stakeToken] = pool.ID
	e.totalWeight += weight
	e.observer.PoolUpdated(pool.Clone())

	logrus.WithFields(logrus.Fields{
		"pool":         pool.ID,
		"stake_token":  stakeToken.Hex(),
		"weight":       weight,
		"total_weight": e.totalWeight,
	}).Info("Pool added")
	return pool.Clone(), nil
}

// SetWeight changes a pool's weight, optionally settling every pool first
func (e *Engine) SetWeight(call types.Call, poolID, weight uint64, massSettle bool) (model.Pool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.requireAdmin(call); err != nil {
		return model.Pool{}, err
	}
	current, err := e.poolIndex(poolID)
	if err != nil {
		return model.Pool{}, err
	}
	if err := e.validator.Weight(weight); err != nil {
		return model.Pool{}, err
	}
	rest := e.totalWeight - current.Weight
	if weight > math.MaxUint64-rest {
		return model.Pool{}, fmt.Errorf("%w: total pool weight", types.ErrOverflow)
	}

	b := e.newBatch()
	if massSettle {
		if err := b.settleAll(call.Block); err != nil {
			return model.Pool{}, err
		}
	}
	if err := b.apply(); err != nil {
		return model.Pool{}, err
	}

	e.pools[poolID].Weight = weight
	e.totalWeight = rest + weight
	e.observer.PoolUpdated(e.pools[poolID].Clone())

	logrus.WithFields(logrus.Fields{
		"pool":         poolID,
		"old_weight":   current.Weight,
		"weight":       weight,
		"total_weight": e.totalWeight,
	}).Info("Pool weight updated")
	return e.pools[poolID].Clone(), nil
}

// SetStakeToken replaces the stake token of an empty pool
func (e *Engine) SetStakeToken(call types.Call, poolID uint64, stakeToken common.Address) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.requireAdmin(call); err != nil {
		return err
	}
	pool, err := e.poolIndex(poolID)
	if err != nil {
		return err
	}
	if !pool.TotalStaked.IsZero() {
		return fmt.Errorf("%w: pool %d still holds %s staked", types.ErrValidation, poolID, pool.TotalStaked.Dec())
	}
	if err := e.checkStakeToken(stakeToken); err != nil {
		return err
	}

	delete(e.byToken, pool.StakeToken)
	e.byToken[stakeToken] = poolID
	e.pools[poolID].StakeToken = stakeToken
	e.observer.PoolUpdated(e.pools[poolID].Clone())

	logrus.WithFields(logrus.Fields{
		"pool":        poolID,
		"old_token":   pool.StakeToken.Hex(),
		"stake_token": stakeToken.Hex(),
	}).Info("Stake token replaced")
	return nil
}

// SetRewardToken points the engine at a different reward token
func (e *Engine) SetRewardToken(call types.Call, rewardToken common.Address) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.requireAdmin(call); err != nil {
		return err
	}
	if err := e.validator.Contract("reward token", rewardToken); err != nil {
		return err
	}
	if id, ok := e.byToken[rewardToken]; ok {
		return fmt.Errorf("%w: reward token is staked by pool %d", types.ErrValidation, id)
	}

	old := e.params.RewardToken
	e.params.RewardToken = rewardToken
	logrus.WithFields(logrus.Fields{
		"old_token":    old.Hex(),
		"reward_token": rewardToken.Hex(),
	}).Info("Reward token replaced")
	return nil
}

// SetBonusTable replaces the per-tier bonus rates
func (e *Engine) SetBonusTable(call types.Call, rates []uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.requireAdmin(call); err != nil {
		return err
	}
	if err := e.validator.BonusTable(rates); err != nil {
		return err
	}

	e.params.TierBonusRates = bonus.Table(rates).Clone()
	logrus.WithField("rates", rates).Info("Tier bonus table updated")
	return nil
}

// SetEarlyWithdrawalPenalty replaces the penalty window and percentage
func (e *Engine) SetEarlyWithdrawalPenalty(call types.Call, period time.Duration, percent uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.requireAdmin(call); err != nil {
		return err
	}
	if err := e.validator.Penalty(period, percent); err != nil {
		return err
	}

	e.params.PenaltyPeriod = period
	e.params.PenaltyPercent = percent
	logrus.WithFields(logrus.Fields{
		"period":  period.String(),
		"percent": percent,
	}).Info("Early withdrawal penalty updated")
	return nil
}

// SetWalletAddresses replaces the treasury and community wallets
func (e *Engine) SetWalletAddresses(call types.Call, treasury, community common.Address) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.requireAdmin(call); err != nil {
		return err
	}
	if err := e.validator.Wallets(treasury, community); err != nil {
		return err
	}

	e.params.TreasuryWallet = treasury
	e.params.CommunityWallet = community
	logrus.WithFields(logrus.Fields{
		"treasury":  treasury.Hex(),
		"community": community.Hex(),
	}).Info("Wallet addresses updated")
	return nil
}

// SetRewardSplit changes the treasury, community and pool shares. Every pool is settled
// under the old split first.
func (e *Engine) SetRewardSplit(call types.Call, split Split) ([]model.SettleResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.requireAdmin(call); err != nil {
		return nil, err
	}
	if err := e.validator.Split(split.TreasuryBps, split.CommunityBps, split.PoolBps); err != nil {
		return nil, err
	}

	b := e.newBatch()
	if err := b.settleAll(call.Block); err != nil {
		return nil, err
	}
	if err := b.apply(); err != nil {
		return nil, err
	}

	e.params.TreasuryBps = split.TreasuryBps
	e.params.CommunityBps = split.CommunityBps
	e.params.PoolBps = split.PoolBps
	logrus.WithFields(logrus.Fields{
		"treasury_bps":  split.TreasuryBps,
		"community_bps": split.CommunityBps,
		"pool_bps":      split.PoolBps,
	}).Info("Reward split updated")
	return b.results, nil
}

// TransferTokenOwnership hands minting authority over the reward token to newOwner
func (e *Engine) TransferTokenOwnership(call types.Call, newOwner common.Address) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.requireAdmin(call); err != nil {
		return err
	}
	if err := e.validator.Account("new owner", newOwner); err != nil {
		return err
	}
	reward, err := e.rewardToken()
	if err != nil {
		return err
	}
	if err := reward.TransferOwnership(newOwner); err != nil {
		return fmt.Errorf("transferring reward token ownership: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"reward_token": e.params.RewardToken.Hex(),
		"new_owner":    newOwner.Hex(),
	}).Warn("Reward token ownership transferred away from the engine")
	return nil
}

// TransferAdmin hands the admin role to newAdmin
func (e *Engine) TransferAdmin(call types.Call, newAdmin common.Address) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.requireAdmin(call); err != nil {
		return err
	}
	if err := e.validator.Account("new admin", newAdmin); err != nil {
		return err
	}

	e.params.Admin = newAdmin
	logrus.WithFields(logrus.Fields{
		"old_admin": call.Caller.Hex(),
		"admin":     newAdmin.Hex(),
	}).Info("Admin transferred")
	return nil
}
