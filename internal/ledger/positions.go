package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/sirupsen/logrus"

	"github.com/yourorg/emission-ledger/internal/bonus"
	"github.com/yourorg/emission-ledger/internal/model"
	"github.com/yourorg/emission-ledger/internal/token"
	"github.com/yourorg/emission-ledger/internal/types"
)

// Operation names reported to the observer
const (
	OpDeposit           = "deposit"
	OpWithdraw          = "withdraw"
	OpEmergencyWithdraw = "emergency_withdraw"
	OpYield             = "yield"
)

// tierBonus asks the oracle for the owner's timeline since the last bonus payment and
// prices the pending reward against it. Only the bonus pool earns a tier bonus.
func (e *Engine) tierBonus(ctx context.Context, poolID uint64, pos model.Position, pending *uint256.Int, block uint64) (*uint256.Int, error) {
	if poolID != e.bonusPoolID || pending.IsZero() || block <= pos.FinishedBlock {
		return new(uint256.Int), nil
	}
	intervals, err := e.oracle.IntervalsOverlapping(ctx, pos.Owner, pos.FinishedBlock, block)
	if err != nil {
		return nil, oracleError("reading tier intervals", err)
	}
	return e.bonusCalc.Compute(pending, pos.FinishedBlock, block, intervals, bonus.Table(e.params.TierBonusRates))
}

func oracleError(action string, err error) error {
	if errors.Is(err, types.ErrOracleUnavailable) {
		return fmt.Errorf("%s: %w", action, err)
	}
	return fmt.Errorf("%s: %w: %v", action, types.ErrOracleUnavailable, err)
}

// checkFunds makes sure the engine can cover outgoing transfers of tok once incoming
// mints have landed
func (e *Engine) checkFunds(tok token.Token, incoming, outgoing *uint256.Int) error {
	have := new(uint256.Int).Add(tok.BalanceOf(e.self), incoming)
	if have.Lt(outgoing) {
		logrus.WithFields(logrus.Fields{
			"token": tok.Address().Hex(),
			"have":  have.Dec(),
			"need":  outgoing.Dec(),
		}).Error("Engine balance cannot cover payout")
		return fmt.Errorf("%w: engine holds %s of %s, needs %s",
			types.ErrInsufficientBalance, have.Dec(), tok.Address().Hex(), outgoing.Dec())
	}
	return nil
}

func (e *Engine) stakeToken(pool model.Pool) (token.Token, error) {
	tok, err := e.tokens.Token(pool.StakeToken)
	if err != nil {
		return nil, fmt.Errorf("resolving stake token of pool %d: %w", pool.ID, err)
	}
	return tok, nil
}

func (e *Engine) storePosition(pos model.Position) {
	e.positions[positionKey{pool: pos.PoolID, owner: pos.Owner}] = pos
}

func (e *Engine) recordPaid(reward, forfeited *uint256.Int) {
	e.totals.Paid.Add(e.totals.Paid, reward)
	e.totals.Forfeited.Add(e.totals.Forfeited, forfeited)
}

// Deposit settles the pool, pays the caller's pending reward plus tier bonus, and stakes
// amount. A zero amount only harvests. Deposits never incur the early-withdrawal penalty.
func (e *Engine) Deposit(ctx context.Context, call types.Call, poolID uint64, amount *uint256.Int) (model.Receipt, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	receipt, err := e.deposit(ctx, call, poolID, amount)
	if err != nil {
		return model.Receipt{}, err
	}
	e.observer.OperationCompleted(OpDeposit, receipt)
	return receipt, nil
}

func (e *Engine) deposit(ctx context.Context, call types.Call, poolID uint64, amount *uint256.Int) (model.Receipt, error) {
	if amount == nil {
		amount = new(uint256.Int)
	}
	if _, err := e.poolIndex(poolID); err != nil {
		return model.Receipt{}, err
	}
	if err := e.validator.Account("owner", call.Caller); err != nil {
		return model.Receipt{}, err
	}
	reward, err := e.rewardToken()
	if err != nil {
		return model.Receipt{}, err
	}

	b := e.newBatch()
	pool, err := b.settle(poolID, call.Block)
	if err != nil {
		return model.Receipt{}, err
	}
	stake, err := e.stakeToken(pool)
	if err != nil {
		return model.Receipt{}, err
	}

	pos := e.position(poolID, call.Caller)
	pending, err := pendingOf(pos, pool)
	if err != nil {
		return model.Receipt{}, err
	}
	bonusAmt, err := e.tierBonus(ctx, poolID, pos, pending, call.Block)
	if err != nil {
		return model.Receipt{}, err
	}
	b.bonus = bonusAmt

	staked, overflow := new(uint256.Int).AddOverflow(pos.StakedAmount, amount)
	if overflow {
		return model.Receipt{}, fmt.Errorf("%w: staked amount", types.ErrOverflow)
	}
	if _, overflow := pool.TotalStaked.AddOverflow(pool.TotalStaked, amount); overflow {
		return model.Receipt{}, fmt.Errorf("%w: pool %d total staked", types.ErrOverflow, poolID)
	}
	debt, err := accrued(staked, pool.AccRewardPerShare)
	if err != nil {
		return model.Receipt{}, err
	}
	b.put(pool)

	payout := new(uint256.Int).Add(pending, bonusAmt)
	if err := e.checkFunds(reward, new(uint256.Int).Add(b.self, b.bonus), payout); err != nil {
		return model.Receipt{}, err
	}

	if !amount.IsZero() {
		if err := stake.TransferIn(call.Caller, amount); err != nil {
			return model.Receipt{}, fmt.Errorf("not enough stake token balance: %w", err)
		}
	}
	if err := b.mint(reward); err != nil {
		return model.Receipt{}, err
	}
	if !payout.IsZero() {
		if err := reward.TransferOut(call.Caller, payout); err != nil {
			return model.Receipt{}, fmt.Errorf("paying reward: %w", err)
		}
	}

	b.commit()
	pos.StakedAmount = staked
	pos.RewardDebt = debt
	pos.FinishedBlock = call.Block
	if !amount.IsZero() {
		pos.LastDepositTime = call.Time
	}
	pos.ReceivedReward.Add(pos.ReceivedReward, pending)
	pos.ReceivedBonus.Add(pos.ReceivedBonus, bonusAmt)
	e.storePosition(pos)
	e.recordPaid(pending, new(uint256.Int))
	e.observer.PoolUpdated(pool.Clone())

	logrus.WithFields(logrus.Fields{
		"pool":   poolID,
		"owner":  call.Caller.Hex(),
		"amount": amount.Dec(),
		"reward": pending.Dec(),
		"bonus":  bonusAmt.Dec(),
		"block":  call.Block,
	}).Debug("Deposit applied")

	receipt := model.NewReceipt(poolID, call.Caller, call.Block)
	receipt.Amount.Set(amount)
	receipt.Reward.Set(pending)
	receipt.Bonus.Set(bonusAmt)
	receipt.StakedAmount.Set(staked)
	return receipt, nil
}

// Withdraw settles the pool, pays pending reward net of any early-withdrawal penalty plus
// tier bonus on the net amount, and returns amount of principal.
func (e *Engine) Withdraw(ctx context.Context, call types.Call, poolID uint64, amount *uint256.Int) (model.Receipt, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if amount == nil {
		amount = new(uint256.Int)
	}
	if _, err := e.poolIndex(poolID); err != nil {
		return model.Receipt{}, err
	}
	pos := e.position(poolID, call.Caller)
	if pos.StakedAmount.Lt(amount) {
		return model.Receipt{}, fmt.Errorf("%w: not enough stake balance, staked %s, requested %s",
			types.ErrInsufficientBalance, pos.StakedAmount.Dec(), amount.Dec())
	}
	reward, err := e.rewardToken()
	if err != nil {
		return model.Receipt{}, err
	}

	b := e.newBatch()
	pool, err := b.settle(poolID, call.Block)
	if err != nil {
		return model.Receipt{}, err
	}
	stake, err := e.stakeToken(pool)
	if err != nil {
		return model.Receipt{}, err
	}

	pending, err := pendingOf(pos, pool)
	if err != nil {
		return model.Receipt{}, err
	}
	forfeited, payable := e.penaltyPolicy().Apply(pending, pos.LastDepositTime, call.Time)
	bonusAmt, err := e.tierBonus(ctx, poolID, pos, payable, call.Block)
	if err != nil {
		return model.Receipt{}, err
	}
	b.bonus = bonusAmt

	staked := new(uint256.Int).Sub(pos.StakedAmount, amount)
	pool.TotalStaked.Sub(pool.TotalStaked, amount)
	debt, err := accrued(staked, pool.AccRewardPerShare)
	if err != nil {
		return model.Receipt{}, err
	}
	b.put(pool)

	payout := new(uint256.Int).Add(payable, bonusAmt)
	outgoing := new(uint256.Int).Add(payout, forfeited)
	if err := e.checkFunds(reward, new(uint256.Int).Add(b.self, b.bonus), outgoing); err != nil {
		return model.Receipt{}, err
	}
	if err := e.checkFunds(stake, new(uint256.Int), amount); err != nil {
		return model.Receipt{}, err
	}

	if err := b.mint(reward); err != nil {
		return model.Receipt{}, err
	}
	if !payout.IsZero() {
		if err := reward.TransferOut(call.Caller, payout); err != nil {
			return model.Receipt{}, fmt.Errorf("paying reward: %w", err)
		}
	}
	if !forfeited.IsZero() {
		if err := reward.TransferOut(e.params.CommunityWallet, forfeited); err != nil {
			return model.Receipt{}, fmt.Errorf("moving forfeited reward: %w", err)
		}
	}
	if !amount.IsZero() {
		if err := stake.TransferOut(call.Caller, amount); err != nil {
			return model.Receipt{}, fmt.Errorf("returning principal: %w", err)
		}
	}

	b.commit()
	pos.StakedAmount = staked
	pos.RewardDebt = debt
	pos.FinishedBlock = call.Block
	pos.ReceivedReward.Add(pos.ReceivedReward, payable)
	pos.ReceivedBonus.Add(pos.ReceivedBonus, bonusAmt)
	e.storePosition(pos)
	e.recordPaid(payable, forfeited)
	e.observer.PoolUpdated(pool.Clone())

	fields := logrus.Fields{
		"pool":   poolID,
		"owner":  call.Caller.Hex(),
		"amount": amount.Dec(),
		"reward": payable.Dec(),
		"bonus":  bonusAmt.Dec(),
		"block":  call.Block,
	}
	if !forfeited.IsZero() {
		fields["penalty"] = forfeited.Dec()
		logrus.WithFields(fields).Info("Early withdrawal penalty applied")
	} else {
		logrus.WithFields(fields).Debug("Withdrawal applied")
	}

	receipt := model.NewReceipt(poolID, call.Caller, call.Block)
	receipt.Amount.Set(amount)
	receipt.Reward.Set(payable)
	receipt.Bonus.Set(bonusAmt)
	receipt.Penalty.Set(forfeited)
	receipt.StakedAmount.Set(staked)
	e.observer.OperationCompleted(OpWithdraw, receipt)
	return receipt, nil
}

// EmergencyWithdraw returns the caller's whole principal and forfeits pending reward. It
// tries to settle the pool first but proceeds without settling if that fails, so
// principal stays reachable when minting or accrual is broken.
func (e *Engine) EmergencyWithdraw(call types.Call, poolID uint64) (model.Receipt, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, err := e.poolIndex(poolID); err != nil {
		return model.Receipt{}, err
	}
	pos := e.position(poolID, call.Caller)
	amount := new(uint256.Int).Set(pos.StakedAmount)

	stake, err := e.stakeToken(e.pools[poolID])
	if err != nil {
		return model.Receipt{}, err
	}
	if err := e.checkFunds(stake, new(uint256.Int), amount); err != nil {
		return model.Receipt{}, err
	}

	b := e.newBatch()
	if err := e.trySettle(b, poolID, call.Block); err != nil {
		logrus.WithFields(logrus.Fields{
			"pool":  poolID,
			"owner": call.Caller.Hex(),
			"error": err,
		}).Warn("Settlement failed during emergency withdrawal, continuing without it")
		b = e.newBatch()
	}

	pool := b.pool(poolID)
	pool.TotalStaked.Sub(pool.TotalStaked, amount)
	b.put(pool)

	if !amount.IsZero() {
		if err := stake.TransferOut(call.Caller, amount); err != nil {
			return model.Receipt{}, fmt.Errorf("returning principal: %w", err)
		}
	}

	b.commit()
	pos.StakedAmount = new(uint256.Int)
	pos.RewardDebt = new(uint256.Int)
	pos.FinishedBlock = 0
	e.storePosition(pos)
	e.observer.PoolUpdated(pool.Clone())

	logrus.WithFields(logrus.Fields{
		"pool":   poolID,
		"owner":  call.Caller.Hex(),
		"amount": amount.Dec(),
		"block":  call.Block,
	}).Warn("Emergency withdrawal")

	receipt := model.NewReceipt(poolID, call.Caller, call.Block)
	receipt.Amount.Set(amount)
	e.observer.OperationCompleted(OpEmergencyWithdraw, receipt)
	return receipt, nil
}

// trySettle settles and mints in one step. A failed settlement or mint check issues nothing
// and the caller drops the batch.
func (e *Engine) trySettle(b *batch, poolID, block uint64) error {
	if _, err := b.settle(poolID, block); err != nil {
		return err
	}
	if !b.mints() {
		return nil
	}
	reward, err := e.rewardToken()
	if err != nil {
		return err
	}
	return b.mint(reward)
}

// Yield harvests the caller's reward. In the bonus pool the harvest, bonus included, is
// added to both the tier lock and the caller's stake. In any other pool it behaves like a
// zero deposit.
func (e *Engine) Yield(ctx context.Context, call types.Call, poolID uint64) (model.Receipt, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, err := e.poolIndex(poolID); err != nil {
		return model.Receipt{}, err
	}
	var (
		receipt model.Receipt
		err     error
	)
	if poolID == e.bonusPoolID {
		receipt, err = e.restake(ctx, call, poolID)
	} else {
		receipt, err = e.deposit(ctx, call, poolID, new(uint256.Int))
	}
	if err != nil {
		return model.Receipt{}, err
	}
	e.observer.OperationCompleted(OpYield, receipt)
	return receipt, nil
}

func (e *Engine) restake(ctx context.Context, call types.Call, poolID uint64) (model.Receipt, error) {
	reward, err := e.rewardToken()
	if err != nil {
		return model.Receipt{}, err
	}

	b := e.newBatch()
	pool, err := b.settle(poolID, call.Block)
	if err != nil {
		return model.Receipt{}, err
	}
	stake, err := e.stakeToken(pool)
	if err != nil {
		return model.Receipt{}, err
	}

	pos := e.position(poolID, call.Caller)
	pending, err := pendingOf(pos, pool)
	if err != nil {
		return model.Receipt{}, err
	}
	bonusAmt, err := e.tierBonus(ctx, poolID, pos, pending, call.Block)
	if err != nil {
		return model.Receipt{}, err
	}
	b.bonus = bonusAmt
	harvest := new(uint256.Int).Add(pending, bonusAmt)

	staked, overflow := new(uint256.Int).AddOverflow(pos.StakedAmount, harvest)
	if overflow {
		return model.Receipt{}, fmt.Errorf("%w: restaked amount", types.ErrOverflow)
	}
	if _, overflow := pool.TotalStaked.AddOverflow(pool.TotalStaked, harvest); overflow {
		return model.Receipt{}, fmt.Errorf("%w: pool %d total staked", types.ErrOverflow, poolID)
	}
	debt, err := accrued(staked, pool.AccRewardPerShare)
	if err != nil {
		return model.Receipt{}, err
	}
	b.put(pool)
	if err := b.checkMint(reward); err != nil {
		return model.Receipt{}, err
	}

	if !harvest.IsZero() {
		// restaked principal is backed by newly minted lock shares
		if stake.Owner() != e.self {
			return model.Receipt{}, fmt.Errorf("%w: cannot mint tier-lock shares, owner is %s",
				types.ErrNotMinter, stake.Owner().Hex())
		}
		if err := mintable(stake, harvest); err != nil {
			return model.Receipt{}, err
		}
		if err := e.checkFunds(reward, new(uint256.Int).Add(b.self, b.bonus), harvest); err != nil {
			return model.Receipt{}, err
		}
		if err := e.notifyRestake(ctx, call.Caller, harvest); err != nil {
			return model.Receipt{}, err
		}
	}

	// nothing below fails once the checks above have passed
	if err := b.mint(reward); err != nil {
		return model.Receipt{}, err
	}
	if !harvest.IsZero() {
		if err := reward.TransferOut(pool.StakeToken, harvest); err != nil {
			return model.Receipt{}, fmt.Errorf("moving harvest to tier lock: %w", err)
		}
		if err := stake.Mint(e.self, harvest); err != nil {
			return model.Receipt{}, fmt.Errorf("minting tier-lock shares: %w", err)
		}
	}

	b.commit()
	pos.StakedAmount = staked
	pos.RewardDebt = debt
	pos.FinishedBlock = call.Block
	if !harvest.IsZero() {
		pos.LastDepositTime = call.Time
	}
	pos.ReceivedReward.Add(pos.ReceivedReward, pending)
	pos.ReceivedBonus.Add(pos.ReceivedBonus, bonusAmt)
	e.storePosition(pos)
	e.recordPaid(pending, new(uint256.Int))
	e.observer.PoolUpdated(pool.Clone())

	logrus.WithFields(logrus.Fields{
		"owner":  call.Caller.Hex(),
		"reward": pending.Dec(),
		"bonus":  bonusAmt.Dec(),
		"staked": staked.Dec(),
		"block":  call.Block,
	}).Debug("Harvest restaked")

	receipt := model.NewReceipt(poolID, call.Caller, call.Block)
	receipt.Reward.Set(pending)
	receipt.Bonus.Set(bonusAmt)
	receipt.Restaked = !harvest.IsZero()
	receipt.StakedAmount.Set(staked)
	return receipt, nil
}

// notifyRestake adds harvest to the owner's tier lock. The oracle must grow the lock by
// exactly harvest; any other answer is treated as an unavailable oracle.
func (e *Engine) notifyRestake(ctx context.Context, owner common.Address, harvest *uint256.Int) error {
	_, before, err := e.oracle.GetTier(ctx, owner)
	if err != nil {
		return oracleError("reading tier lock", err)
	}
	want, overflow := new(uint256.Int).AddOverflow(before, harvest)
	if overflow {
		return fmt.Errorf("%w: tier lock of %s", types.ErrOverflow, owner.Hex())
	}

	locked, err := e.oracle.NotifyAutoRestake(ctx, owner, harvest)
	if err != nil {
		return oracleError("restaking harvest", err)
	}
	if locked == nil || !locked.Eq(want) {
		got := "nil"
		if locked != nil {
			got = locked.Dec()
		}
		logrus.WithFields(logrus.Fields{
			"owner":    owner.Hex(),
			"before":   before.Dec(),
			"harvest":  harvest.Dec(),
			"reported": got,
		}).Error("Tier lock did not grow by the restaked harvest")
		return fmt.Errorf("%w: tier lock reported %s, expected %s",
			types.ErrOracleUnavailable, got, want.Dec())
	}
	return nil
}

// PendingReward returns the base reward owner could harvest at block, without the tier
// bonus or any penalty. It does not change state.
func (e *Engine) PendingReward(block, poolID uint64, owner common.Address) (*uint256.Int, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	pending, _, err := e.pendingAt(block, poolID, owner)
	return pending, err
}

func (e *Engine) pendingAt(block, poolID uint64, owner common.Address) (*uint256.Int, model.Position, error) {
	pool, err := e.poolIndex(poolID)
	if err != nil {
		return nil, model.Position{}, err
	}
	settled, _, err := settlePool(e.sched, pool, e.totalWeight, e.split(), block)
	if err != nil {
		return nil, model.Position{}, err
	}
	pos := e.position(poolID, owner)
	pending, err := pendingOf(pos, settled)
	if err != nil {
		return nil, model.Position{}, err
	}
	return pending, pos, nil
}

// PendingBonus returns the tier bonus owner would receive on a harvest at block. The
// oracle is queried outside the lock on a copy of the position.
func (e *Engine) PendingBonus(ctx context.Context, block, poolID uint64, owner common.Address) (*uint256.Int, error) {
	e.mu.RLock()
	pending, pos, err := e.pendingAt(block, poolID, owner)
	bonusPoolID := e.bonusPoolID
	rates := bonus.Table(e.params.TierBonusRates).Clone()
	e.mu.RUnlock()
	if err != nil {
		return nil, err
	}

	if poolID != bonusPoolID || pending.IsZero() || block <= pos.FinishedBlock {
		return new(uint256.Int), nil
	}
	intervals, err := e.oracle.IntervalsOverlapping(ctx, owner, pos.FinishedBlock, block)
	if err != nil {
		return nil, oracleError("reading tier intervals", err)
	}
	return e.bonusCalc.Compute(pending, pos.FinishedBlock, block, intervals, rates)
}
