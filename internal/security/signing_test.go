package security

import (
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/emission-ledger/internal/types"
)

// well-known development key
const devKey = "0xac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

func TestSignerFromHex(t *testing.T) {
	s, err := SignerFromHex(devKey)
	require.NoError(t, err)
	assert.Equal(t, common.HexToAddress("0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"), s.Address())

	_, err = SignerFromHex("not a key")
	assert.Error(t, err)
}

func TestSignRecover(t *testing.T) {
	s, err := GenerateSigner()
	require.NoError(t, err)
	body := []byte(`{"amount":"1000000","block":204,"nonce":1}`)

	sig, err := s.Sign(body)
	require.NoError(t, err)

	got, err := Recover(body, sig)
	require.NoError(t, err)
	assert.Equal(t, s.Address(), got)

	// 27/28 recovery ids as produced by most wallets
	raw, err := hexutil.Decode(sig)
	require.NoError(t, err)
	raw[64] += 27
	got, err = Recover(body, hexutil.Encode(raw))
	require.NoError(t, err)
	assert.Equal(t, s.Address(), got)

	tampered, err := Recover([]byte(`{"amount":"9000000","block":204,"nonce":1}`), sig)
	if err == nil {
		assert.NotEqual(t, s.Address(), tampered)
	}
}

func TestRecover_Rejects(t *testing.T) {
	body := []byte("{}")
	tests := []struct {
		name string
		sig  string
	}{
		{name: "missing", sig: ""},
		{name: "not hex", sig: "0xzz"},
		{name: "short", sig: "0x0102"},
		{name: "bad recovery id", sig: hexutil.Encode(append(make([]byte, 64), 9))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Recover(body, tt.sig)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrBadSignature))
			assert.True(t, errors.Is(err, types.ErrUnauthorized))
		})
	}
}

func TestSignedPayload(t *testing.T) {
	s, err := SignerFromHex(devKey)
	require.NoError(t, err)

	p, err := s.SignPayload(map[string]interface{}{"block": 209, "findings": []string{}})
	require.NoError(t, err)
	assert.Equal(t, s.Address(), p.Signer)
	require.NoError(t, VerifyPayload(p, time.Minute))

	other, err := GenerateSigner()
	require.NoError(t, err)
	forged := p
	forged.Signer = other.Address()
	assert.True(t, errors.Is(VerifyPayload(forged, 0), ErrBadSignature))

	altered := p
	altered.Payload = []byte(`{"block":210}`)
	assert.Error(t, VerifyPayload(altered, 0))

	stale := p
	stale.Timestamp = time.Now().Add(-time.Hour).Unix()
	assert.True(t, errors.Is(VerifyPayload(stale, time.Minute), ErrBadSignature))
}
