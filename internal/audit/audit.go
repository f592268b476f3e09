// Package audit checks a ledger snapshot against token balances for conservation.
//
// Ledger-wide checks run on the running totals; per-pool checks run in parallel, one
// goroutine per pool, and their findings are merged in pool order.
package audit

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/sirupsen/logrus"

	"github.com/yourorg/emission-ledger/internal/model"
	"github.com/yourorg/emission-ledger/internal/schedule"
	"github.com/yourorg/emission-ledger/internal/types"
)

// Check names
const (
	CheckSplit       = "split_sums_to_emission"
	CheckEmissionCap = "emission_within_schedule"
	CheckPayoutCover = "pool_share_covers_payouts"
	CheckRewardFunds = "engine_holds_unclaimed_reward"
	CheckWeights     = "weights_sum_to_total"
	CheckTotalStaked = "positions_sum_to_total_staked"
	CheckStakeFunds  = "engine_holds_staked_principal"
	CheckRewardDebt  = "reward_debt_within_accrued"
	CheckUnknownPool = "position_pool_exists"
)

// Balances answers token balance queries
type Balances interface {
	BalanceOf(tokenAddr, account common.Address) *uint256.Int
}

// Finding is one failed check
type Finding struct {
	Check  string  `json:"check"`
	PoolID *uint64 `json:"pool_id,omitempty"`
	Detail string  `json:"detail"`
}

// Report is the outcome of one audit run
type Report struct {
	Block     uint64    `json:"block"`
	CheckedAt time.Time `json:"checked_at"`
	Pools     int       `json:"pools"`
	Positions int       `json:"positions"`
	Findings  []Finding `json:"findings"`
}

// OK reports whether every check passed
func (r Report) OK() bool {
	return len(r.Findings) == 0
}

// Auditor checks snapshots taken from one engine
type Auditor struct {
	sched    *schedule.Schedule
	self     common.Address
	balances Balances
}

// New creates an auditor for the engine account self
func New(sched *schedule.Schedule, self common.Address, balances Balances) *Auditor {
	return &Auditor{sched: sched, self: self, balances: balances}
}

// Run audits state as of block. It returns early with the findings collected so far when
// ctx is cancelled.
func (a *Auditor) Run(ctx context.Context, state model.State, block uint64) Report {
	report := Report{
		Block:     block,
		CheckedAt: time.Now().UTC(),
		Pools:     len(state.Pools),
		Positions: len(state.Positions),
	}
	report.Findings = append(report.Findings, a.checkTotals(state, block)...)

	byPool := make(map[uint64][]model.Position, len(state.Pools))
	for _, pos := range state.Positions {
		if pos.PoolID >= uint64(len(state.Pools)) {
			report.Findings = append(report.Findings, poolFinding(CheckUnknownPool, pos.PoolID,
				fmt.Sprintf("position of %s references a missing pool", pos.Owner.Hex())))
			continue
		}
		byPool[pos.PoolID] = append(byPool[pos.PoolID], pos)
	}

	var (
		mu       sync.Mutex
		wg       sync.WaitGroup
		findings []Finding
	)
	for i := range state.Pools {
		wg.Add(1)
		go func(pool model.Pool) {
			defer wg.Done()

			select {
			case <-ctx.Done():
				return
			default:
			}
			found := a.checkPool(pool, byPool[pool.ID])
			if len(found) == 0 {
				return
			}
			mu.Lock()
			findings = append(findings, found...)
			mu.Unlock()
		}(state.Pools[i])
	}
	wg.Wait()

	sort.SliceStable(findings, func(i, j int) bool {
		return *findings[i].PoolID < *findings[j].PoolID
	})
	report.Findings = append(report.Findings, findings...)

	if !report.OK() {
		logrus.WithFields(logrus.Fields{
			"block":    block,
			"findings": len(report.Findings),
		}).Error("Ledger audit failed")
	}
	return report
}

func (a *Auditor) checkTotals(state model.State, block uint64) []Finding {
	var findings []Finding
	t := state.Totals.Clone()

	parts := new(uint256.Int).Add(t.Treasury, t.Community)
	parts.Add(parts, t.PoolShare)
	if !parts.Eq(t.Emitted) {
		findings = append(findings, Finding{Check: CheckSplit,
			Detail: fmt.Sprintf("treasury+community+pool = %s, emitted = %s", parts.Dec(), t.Emitted.Dec())})
	}

	ceiling := a.sched.EmissionBetween(a.sched.StartBlock(), block)
	if t.Emitted.Gt(ceiling) {
		findings = append(findings, Finding{Check: CheckEmissionCap,
			Detail: fmt.Sprintf("emitted %s exceeds schedule emission %s through block %d", t.Emitted.Dec(), ceiling.Dec(), block)})
	}

	out := new(uint256.Int).Add(t.Paid, t.Forfeited)
	if out.Gt(t.PoolShare) {
		findings = append(findings, Finding{Check: CheckPayoutCover,
			Detail: fmt.Sprintf("paid+forfeited %s exceeds pool share %s", out.Dec(), t.PoolShare.Dec())})
	} else {
		unclaimed := new(uint256.Int).Sub(t.PoolShare, out)
		held := a.balances.BalanceOf(state.Params.RewardToken, a.self)
		if held.Lt(unclaimed) {
			findings = append(findings, Finding{Check: CheckRewardFunds,
				Detail: fmt.Sprintf("engine holds %s reward, owes up to %s", held.Dec(), unclaimed.Dec())})
		}
	}

	var weight uint64
	for _, p := range state.Pools {
		weight += p.Weight
	}
	if weight != state.TotalPoolWeight {
		findings = append(findings, Finding{Check: CheckWeights,
			Detail: fmt.Sprintf("weights sum to %d, total says %d", weight, state.TotalPoolWeight)})
	}
	return findings
}

func (a *Auditor) checkPool(pool model.Pool, positions []model.Position) []Finding {
	var findings []Finding

	staked := new(uint256.Int)
	for _, pos := range positions {
		staked.Add(staked, pos.StakedAmount)

		acc, overflow := new(uint256.Int).MulOverflow(pos.StakedAmount, pool.AccRewardPerShare)
		if overflow {
			findings = append(findings, poolFinding(CheckRewardDebt, pool.ID,
				fmt.Sprintf("%s: %v", pos.Owner.Hex(), types.ErrOverflow)))
			continue
		}
		acc.Div(acc, types.Precision)
		if acc.Lt(pos.RewardDebt) {
			findings = append(findings, poolFinding(CheckRewardDebt, pool.ID,
				fmt.Sprintf("%s: debt %s above accrued %s", pos.Owner.Hex(), pos.RewardDebt.Dec(), acc.Dec())))
		}
	}
	if !staked.Eq(pool.TotalStaked) {
		findings = append(findings, poolFinding(CheckTotalStaked, pool.ID,
			fmt.Sprintf("positions hold %s, pool says %s", staked.Dec(), pool.TotalStaked.Dec())))
	}

	held := a.balances.BalanceOf(pool.StakeToken, a.self)
	if held.Lt(pool.TotalStaked) {
		findings = append(findings, poolFinding(CheckStakeFunds, pool.ID,
			fmt.Sprintf("engine holds %s of %s, pool says %s", held.Dec(), pool.StakeToken.Hex(), pool.TotalStaked.Dec())))
	}
	return findings
}

func poolFinding(check string, poolID uint64, detail string) Finding {
	return Finding{Check: check, PoolID: &poolID, Detail: detail}
}
