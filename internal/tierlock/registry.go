package tierlock

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/sirupsen/logrus"

	"github.com/yourorg/emission-ledger/internal/types"
)

type account struct {
	locked   *uint256.Int
	timeline []types.TierInterval
}

func (a *account) current() (types.Tier, bool) {
	if n := len(a.timeline); n > 0 && a.timeline[n-1].IsOpen() {
		return a.timeline[n-1].Tier, true
	}
	return 0, false
}

// Registry is an in-memory tier-lock oracle. Each owner's timeline is append-only and
// sorted by start block, and closed intervals never change, so overlap queries are a
// binary search followed by a short scan.
type Registry struct {
	mu       sync.RWMutex
	accounts map[common.Address]*account
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{accounts: make(map[common.Address]*account)}
}

func (r *Registry) account(owner common.Address) *account {
	acc, ok := r.accounts[owner]
	if !ok {
		acc = &account{locked: new(uint256.Int)}
		r.accounts[owner] = acc
	}
	return acc
}

// Lock sets the owner's locked amount and tier from block onward. A tier change closes the
// running interval at block and opens a new one; tier 0 closes without opening.
func (r *Registry) Lock(owner common.Address, tier types.Tier, amount *uint256.Int, block uint64) error {
	if owner == (common.Address{}) {
		return fmt.Errorf("%w: owner is zero", types.ErrValidation)
	}
	if block == types.OpenEnd {
		return fmt.Errorf("%w: block %d is reserved", types.ErrValidation, block)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	acc := r.account(owner)
	if n := len(acc.timeline); n > 0 {
		last := acc.timeline[n-1]
		if block < last.Start || (!last.IsOpen() && block < last.End) {
			return fmt.Errorf("%w: block %d precedes the latest tier change", types.ErrValidation, block)
		}
	}

	if cur, open := acc.current(); !open || cur != tier {
		if open {
			n := len(acc.timeline)
			if acc.timeline[n-1].Start == block {
				// replaced within the same block; drop the empty interval
				acc.timeline = acc.timeline[:n-1]
			} else {
				acc.timeline[n-1].End = block
			}
		}
		if tier != 0 {
			acc.timeline = append(acc.timeline, types.TierInterval{Tier: tier, Start: block, End: types.OpenEnd})
		}
	}
	acc.locked = new(uint256.Int).Set(amount)

	logrus.WithFields(logrus.Fields{
		"owner":  owner.Hex(),
		"tier":   tier,
		"amount": amount.Dec(),
		"block":  block,
	}).Debug("Tier lock updated")
	return nil
}

// Unlock releases the owner's lock at block
func (r *Registry) Unlock(owner common.Address, block uint64) error {
	return r.Lock(owner, 0, new(uint256.Int), block)
}

// GetTier implements Oracle
func (r *Registry) GetTier(_ context.Context, owner common.Address) (types.Tier, *uint256.Int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	acc, ok := r.accounts[owner]
	if !ok {
		return 0, new(uint256.Int), nil
	}
	tier, _ := acc.current()
	return tier, new(uint256.Int).Set(acc.locked), nil
}

// IntervalsOverlapping implements Oracle
func (r *Registry) IntervalsOverlapping(_ context.Context, owner common.Address, fromBlock, toBlock uint64) ([]types.TierInterval, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	acc, ok := r.accounts[owner]
	if !ok || toBlock <= fromBlock {
		return nil, nil
	}

	// intervals are disjoint and sorted, so End is sorted too
	first := sort.Search(len(acc.timeline), func(i int) bool {
		return acc.timeline[i].End > fromBlock
	})

	var out []types.TierInterval
	for _, iv := range acc.timeline[first:] {
		if iv.Start >= toBlock {
			break
		}
		out = append(out, iv)
	}
	return out, nil
}

// NotifyAutoRestake implements Oracle
func (r *Registry) NotifyAutoRestake(_ context.Context, owner common.Address, amount *uint256.Int) (*uint256.Int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	acc := r.account(owner)
	locked, overflow := new(uint256.Int).AddOverflow(acc.locked, amount)
	if overflow {
		return nil, fmt.Errorf("%w: locked amount", types.ErrOverflow)
	}
	acc.locked = locked
	return new(uint256.Int).Set(locked), nil
}

// Entry is the persisted form of one owner
type Entry struct {
	Owner    common.Address       `json:"owner"`
	Locked   *uint256.Int         `json:"locked"`
	Timeline []types.TierInterval `json:"timeline"`
}

// Snapshot returns every owner's lock sorted by address
func (r *Registry) Snapshot() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entries := make([]Entry, 0, len(r.accounts))
	for owner, acc := range r.accounts {
		entries = append(entries, Entry{
			Owner:    owner,
			Locked:   new(uint256.Int).Set(acc.locked),
			Timeline: append([]types.TierInterval(nil), acc.timeline...),
		})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Owner.Cmp(entries[j].Owner) < 0 })
	return entries
}

// Restore replaces the registry contents
func (r *Registry) Restore(entries []Entry) {
	accounts := make(map[common.Address]*account, len(entries))
	for _, e := range entries {
		acc := &account{
			locked:   new(uint256.Int),
			timeline: append([]types.TierInterval(nil), e.Timeline...),
		}
		if e.Locked != nil {
			acc.locked.Set(e.Locked)
		}
		accounts[e.Owner] = acc
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.accounts = accounts
}
