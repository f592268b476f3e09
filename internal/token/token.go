// Package token models the stake and reward tokens the ledger moves.
//
// A Book keeps balances for any number of tokens plus a registry of which addresses are
// contracts. Callers act on a token through a Handle bound to an operator address: the
// operator pulls stake in, pays out of its own balance, and mints when it owns the token.
package token

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/sirupsen/logrus"

	"github.com/yourorg/emission-ledger/internal/types"
)

var (
	// ErrUnknownToken is returned for addresses with no token registered
	ErrUnknownToken = errors.New("unknown token")

	// ErrNotOwner is returned when a non-owner mints or hands over ownership
	ErrNotOwner = errors.New("caller is not the token owner")
)

// Token is the surface the ledger needs from a stake or reward token
type Token interface {
	Address() common.Address
	TransferIn(from common.Address, amount *uint256.Int) error
	TransferOut(to common.Address, amount *uint256.Int) error
	Mint(to common.Address, amount *uint256.Int) error
	BalanceOf(account common.Address) *uint256.Int
	TotalSupply() *uint256.Int
	Owner() common.Address
	TransferOwnership(newOwner common.Address) error
}

// Resolver looks up tokens and answers contract checks
type Resolver interface {
	Token(addr common.Address) (Token, error)
	IsContract(addr common.Address) bool
}

type ledger struct {
	owner    common.Address
	supply   *uint256.Int
	balances map[common.Address]*uint256.Int
}

func (l *ledger) balance(account common.Address) *uint256.Int {
	if b, ok := l.balances[account]; ok {
		return b
	}
	return new(uint256.Int)
}

func (l *ledger) move(from, to common.Address, amount *uint256.Int) error {
	src := l.balance(from)
	if src.Lt(amount) {
		return fmt.Errorf("%w: %s holds %s, needs %s", types.ErrInsufficientBalance, from.Hex(), src.Dec(), amount.Dec())
	}
	if amount.IsZero() || from == to {
		return nil
	}
	l.balances[from] = new(uint256.Int).Sub(src, amount)
	l.balances[to] = new(uint256.Int).Add(l.balance(to), amount)
	return nil
}

func (l *ledger) mint(to common.Address, amount *uint256.Int) error {
	supply, overflow := new(uint256.Int).AddOverflow(l.supply, amount)
	if overflow {
		return fmt.Errorf("%w: token supply", types.ErrOverflow)
	}
	l.supply = supply
	l.balances[to] = new(uint256.Int).Add(l.balance(to), amount)
	return nil
}

// Book is an in-memory multi-token balance sheet. It is safe for concurrent use.
type Book struct {
	mu        sync.RWMutex
	tokens    map[common.Address]*ledger
	contracts map[common.Address]struct{}
}

// NewBook creates an empty book
func NewBook() *Book {
	return &Book{
		tokens:    make(map[common.Address]*ledger),
		contracts: make(map[common.Address]struct{}),
	}
}

// RegisterContract marks addr as a contract without creating a token
func (b *Book) RegisterContract(addr common.Address) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.contracts[addr] = struct{}{}
}

// IsContract reports whether addr was registered as a contract or token
func (b *Book) IsContract(addr common.Address) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.contracts[addr]
	return ok
}

// CreateToken deploys a token at addr owned by owner. Tokens are contracts.
func (b *Book) CreateToken(addr, owner common.Address) error {
	if addr == (common.Address{}) {
		return fmt.Errorf("%w: token address is zero", types.ErrValidation)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.tokens[addr]; exists {
		return fmt.Errorf("%w: token %s already exists", types.ErrValidation, addr.Hex())
	}
	b.tokens[addr] = &ledger{
		owner:    owner,
		supply:   new(uint256.Int),
		balances: make(map[common.Address]*uint256.Int),
	}
	b.contracts[addr] = struct{}{}

	logrus.WithFields(logrus.Fields{
		"token": addr.Hex(),
		"owner": owner.Hex(),
	}).Debug("Created token")
	return nil
}

// Issue mints directly as the token owner, used for pre-mints and funding
func (b *Book) Issue(tokenAddr, to common.Address, amount *uint256.Int) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	l, ok := b.tokens[tokenAddr]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownToken, tokenAddr.Hex())
	}
	return l.mint(to, amount)
}

// Transfer moves amount between two accounts, as if from signed it
func (b *Book) Transfer(tokenAddr, from, to common.Address, amount *uint256.Int) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	l, ok := b.tokens[tokenAddr]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownToken, tokenAddr.Hex())
	}
	return l.move(from, to, amount)
}

// BalanceOf returns a copy of the account's balance, zero for unknown tokens
func (b *Book) BalanceOf(tokenAddr, account common.Address) *uint256.Int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	l, ok := b.tokens[tokenAddr]
	if !ok {
		return new(uint256.Int)
	}
	return new(uint256.Int).Set(l.balance(account))
}

// TotalSupply returns everything minted for the token
func (b *Book) TotalSupply(tokenAddr common.Address) *uint256.Int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	l, ok := b.tokens[tokenAddr]
	if !ok {
		return new(uint256.Int)
	}
	return new(uint256.Int).Set(l.supply)
}

// Bind returns a resolver whose handles act as operator
func (b *Book) Bind(operator common.Address) Resolver {
	return &binding{book: b, operator: operator}
}

// Handle returns one token acting as operator
func (b *Book) Handle(tokenAddr, operator common.Address) (*Handle, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if _, ok := b.tokens[tokenAddr]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownToken, tokenAddr.Hex())
	}
	return &Handle{book: b, addr: tokenAddr, operator: operator}, nil
}

type binding struct {
	book     *Book
	operator common.Address
}

func (r *binding) Token(addr common.Address) (Token, error) {
	return r.book.Handle(addr, r.operator)
}

func (r *binding) IsContract(addr common.Address) bool {
	return r.book.IsContract(addr)
}

// Handle is a Token view bound to one operator
type Handle struct {
	book     *Book
	addr     common.Address
	operator common.Address
}

// Address returns the token address
func (h *Handle) Address() common.Address { return h.addr }

// Operator returns the account the handle acts as
func (h *Handle) Operator() common.Address { return h.operator }

// TransferIn pulls amount from the account into the operator
func (h *Handle) TransferIn(from common.Address, amount *uint256.Int) error {
	return h.with(func(l *ledger) error { return l.move(from, h.operator, amount) })
}

// TransferOut pays amount from the operator to the account
func (h *Handle) TransferOut(to common.Address, amount *uint256.Int) error {
	return h.with(func(l *ledger) error { return l.move(h.operator, to, amount) })
}

// Mint creates amount for to; only the token owner may mint
func (h *Handle) Mint(to common.Address, amount *uint256.Int) error {
	return h.with(func(l *ledger) error {
		if l.owner != h.operator {
			return fmt.Errorf("%w: %s cannot mint %s", ErrNotOwner, h.operator.Hex(), h.addr.Hex())
		}
		return l.mint(to, amount)
	})
}

// BalanceOf returns the account balance
func (h *Handle) BalanceOf(account common.Address) *uint256.Int {
	return h.book.BalanceOf(h.addr, account)
}

// TotalSupply returns the minted supply
func (h *Handle) TotalSupply() *uint256.Int {
	return h.book.TotalSupply(h.addr)
}

// Owner returns the minting authority, or the zero address once the token is gone
func (h *Handle) Owner() common.Address {
	var owner common.Address
	_ = h.with(func(l *ledger) error {
		owner = l.owner
		return nil
	})
	return owner
}

// TransferOwnership hands minting authority to newOwner
func (h *Handle) TransferOwnership(newOwner common.Address) error {
	if newOwner == (common.Address{}) {
		return fmt.Errorf("%w: new owner is zero", types.ErrValidation)
	}
	return h.with(func(l *ledger) error {
		if l.owner != h.operator {
			return fmt.Errorf("%w: %s does not own %s", ErrNotOwner, h.operator.Hex(), h.addr.Hex())
		}
		l.owner = newOwner
		return nil
	})
}

func (h *Handle) with(fn func(l *ledger) error) error {
	h.book.mu.Lock()
	defer h.book.mu.Unlock()

	l, ok := h.book.tokens[h.addr]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownToken, h.addr.Hex())
	}
	return fn(l)
}

// Account is one balance entry in a token snapshot
type Account struct {
	Address common.Address `json:"address"`
	Balance *uint256.Int   `json:"balance"`
}

// TokenState is the persisted form of one token
type TokenState struct {
	Address  common.Address `json:"address"`
	Owner    common.Address `json:"owner"`
	Supply   *uint256.Int   `json:"supply"`
	Accounts []Account      `json:"accounts"`
}

// State is the persisted form of the whole book
type State struct {
	Tokens    []TokenState     `json:"tokens"`
	Contracts []common.Address `json:"contracts"`
}

// Snapshot returns a deterministic copy of the book
func (b *Book) Snapshot() State {
	b.mu.RLock()
	defer b.mu.RUnlock()

	state := State{
		Tokens:    make([]TokenState, 0, len(b.tokens)),
		Contracts: make([]common.Address, 0, len(b.contracts)),
	}
	for addr, l := range b.tokens {
		ts := TokenState{
			Address:  addr,
			Owner:    l.owner,
			Supply:   new(uint256.Int).Set(l.supply),
			Accounts: make([]Account, 0, len(l.balances)),
		}
		for account, bal := range l.balances {
			if bal.IsZero() {
				continue
			}
			ts.Accounts = append(ts.Accounts, Account{Address: account, Balance: new(uint256.Int).Set(bal)})
		}
		sort.Slice(ts.Accounts, func(i, j int) bool { return lessAddr(ts.Accounts[i].Address, ts.Accounts[j].Address) })
		state.Tokens = append(state.Tokens, ts)
	}
	for addr := range b.contracts {
		state.Contracts = append(state.Contracts, addr)
	}
	sort.Slice(state.Tokens, func(i, j int) bool { return lessAddr(state.Tokens[i].Address, state.Tokens[j].Address) })
	sort.Slice(state.Contracts, func(i, j int) bool { return lessAddr(state.Contracts[i], state.Contracts[j]) })
	return state
}

// Restore replaces the book contents with state
func (b *Book) Restore(state State) {
	tokens := make(map[common.Address]*ledger, len(state.Tokens))
	contracts := make(map[common.Address]struct{}, len(state.Contracts))

	for _, ts := range state.Tokens {
		l := &ledger{
			owner:    ts.Owner,
			supply:   new(uint256.Int),
			balances: make(map[common.Address]*uint256.Int, len(ts.Accounts)),
		}
		if ts.Supply != nil {
			l.supply.Set(ts.Supply)
		}
		for _, acc := range ts.Accounts {
			if acc.Balance == nil {
				continue
			}
			l.balances[acc.Address] = new(uint256.Int).Set(acc.Balance)
		}
		tokens[ts.Address] = l
		contracts[ts.Address] = struct{}{}
	}
	for _, addr := range state.Contracts {
		contracts[addr] = struct{}{}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.tokens = tokens
	b.contracts = contracts
}

func lessAddr(a, b common.Address) bool {
	return a.Cmp(b) < 0
}
