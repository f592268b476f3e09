package token

import (
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/emission-ledger/internal/types"
)

var (
	rewardAddr = common.HexToAddress("0x00000000000000000000000000000000000000d1")
	engine     = common.HexToAddress("0x00000000000000000000000000000000000000e1")
	alice      = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	bob        = common.HexToAddress("0x00000000000000000000000000000000000000b1")
)

func newBook(t *testing.T) *Book {
	t.Helper()
	book := NewBook()
	require.NoError(t, book.CreateToken(rewardAddr, engine))
	return book
}

func TestCreateToken(t *testing.T) {
	book := newBook(t)

	assert.True(t, book.IsContract(rewardAddr), "tokens are contracts")
	assert.False(t, book.IsContract(alice))

	err := book.CreateToken(rewardAddr, engine)
	assert.True(t, errors.Is(err, types.ErrValidation), "duplicate token")

	err = book.CreateToken(common.Address{}, engine)
	assert.True(t, errors.Is(err, types.ErrValidation), "zero address")
}

func TestHandle_Transfers(t *testing.T) {
	book := newBook(t)
	require.NoError(t, book.Issue(rewardAddr, alice, uint256.NewInt(100)))

	h, err := book.Handle(rewardAddr, engine)
	require.NoError(t, err)

	require.NoError(t, h.TransferIn(alice, uint256.NewInt(60)))
	assert.Equal(t, uint64(40), h.BalanceOf(alice).Uint64())
	assert.Equal(t, uint64(60), h.BalanceOf(engine).Uint64())

	require.NoError(t, h.TransferOut(bob, uint256.NewInt(10)))
	assert.Equal(t, uint64(10), h.BalanceOf(bob).Uint64())
	assert.Equal(t, uint64(50), h.BalanceOf(engine).Uint64())

	err = h.TransferIn(alice, uint256.NewInt(41))
	assert.True(t, errors.Is(err, types.ErrInsufficientBalance))
	assert.Equal(t, uint64(40), h.BalanceOf(alice).Uint64(), "failed transfer must not move funds")

	err = h.TransferOut(bob, uint256.NewInt(51))
	assert.True(t, errors.Is(err, types.ErrInsufficientBalance))

	assert.NoError(t, h.TransferIn(bob, new(uint256.Int)), "zero transfer is a no-op")
	assert.Equal(t, uint64(100), book.TotalSupply(rewardAddr).Uint64())
}

func TestHandle_MintAndOwnership(t *testing.T) {
	book := newBook(t)

	owner, err := book.Handle(rewardAddr, engine)
	require.NoError(t, err)
	stranger, err := book.Handle(rewardAddr, alice)
	require.NoError(t, err)

	require.NoError(t, owner.Mint(bob, uint256.NewInt(5)))
	assert.Equal(t, uint64(5), owner.BalanceOf(bob).Uint64())

	err = stranger.Mint(alice, uint256.NewInt(1))
	assert.True(t, errors.Is(err, ErrNotOwner))

	err = stranger.TransferOwnership(alice)
	assert.True(t, errors.Is(err, ErrNotOwner))

	err = owner.TransferOwnership(common.Address{})
	assert.True(t, errors.Is(err, types.ErrValidation))

	require.NoError(t, owner.TransferOwnership(alice))
	assert.Equal(t, alice, owner.Owner())
	assert.True(t, errors.Is(owner.Mint(bob, uint256.NewInt(1)), ErrNotOwner), "previous owner lost minting")
	assert.NoError(t, stranger.Mint(alice, uint256.NewInt(1)))
}

func TestResolver(t *testing.T) {
	book := newBook(t)
	resolver := book.Bind(engine)

	tok, err := resolver.Token(rewardAddr)
	require.NoError(t, err)
	assert.Equal(t, rewardAddr, tok.Address())
	assert.Equal(t, engine, tok.Owner())

	_, err = resolver.Token(alice)
	assert.True(t, errors.Is(err, ErrUnknownToken))

	book.RegisterContract(bob)
	assert.True(t, resolver.IsContract(bob))
}

func TestSnapshotRestore(t *testing.T) {
	book := newBook(t)
	stake := common.HexToAddress("0x00000000000000000000000000000000000000c1")
	require.NoError(t, book.CreateToken(stake, alice))
	require.NoError(t, book.Issue(rewardAddr, alice, uint256.NewInt(7)))
	require.NoError(t, book.Issue(stake, bob, uint256.NewInt(9)))
	book.RegisterContract(common.HexToAddress("0x00000000000000000000000000000000000000f1"))

	state := book.Snapshot()
	require.Len(t, state.Tokens, 2)
	assert.Equal(t, rewardAddr, state.Tokens[1].Address, "tokens sorted by address")

	restored := NewBook()
	restored.Restore(state)

	assert.Equal(t, book.Snapshot(), restored.Snapshot())
	assert.Equal(t, uint64(7), restored.BalanceOf(rewardAddr, alice).Uint64())
	assert.Equal(t, uint64(9), restored.TotalSupply(stake).Uint64())
	assert.True(t, restored.IsContract(common.HexToAddress("0x00000000000000000000000000000000000000f1")))

	h, err := restored.Handle(rewardAddr, engine)
	require.NoError(t, err)
	assert.NoError(t, h.Mint(alice, uint256.NewInt(1)), "ownership survives restore")
}

func TestHandle_TokenDroppedByRestore(t *testing.T) {
	book := newBook(t)
	h, err := book.Handle(rewardAddr, engine)
	require.NoError(t, err)
	require.NoError(t, h.Mint(alice, uint256.NewInt(3)))
	assert.Equal(t, uint64(3), h.TotalSupply().Uint64())

	book.Restore(State{})

	assert.Equal(t, common.Address{}, h.Owner())
	assert.True(t, h.TotalSupply().IsZero())
	assert.True(t, errors.Is(h.Mint(alice, uint256.NewInt(1)), ErrUnknownToken))
}
