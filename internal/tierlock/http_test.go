package tierlock

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/emission-ledger/internal/circuitbreaker"
	"github.com/yourorg/emission-ledger/internal/types"
)

func TestHTTPOracle_AgainstRegistry(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Lock(alice, 1, uint256.NewInt(100), 10))
	require.NoError(t, reg.Lock(alice, 2, uint256.NewInt(400), 20))

	server := httptest.NewServer(NewHandler(reg))
	defer server.Close()

	oracle := NewHTTPOracle(server.URL + "/")
	ctx := context.Background()

	tier, locked, err := oracle.GetTier(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, types.Tier(2), tier)
	assert.Equal(t, uint64(400), locked.Uint64())

	intervals, err := oracle.IntervalsOverlapping(ctx, alice, 15, 25)
	require.NoError(t, err)
	assert.Equal(t, []types.TierInterval{
		{Tier: 1, Start: 10, End: 20},
		{Tier: 2, Start: 20, End: types.OpenEnd},
	}, intervals, "open intervals survive the round trip")

	locked, err = oracle.NotifyAutoRestake(ctx, alice, uint256.NewInt(50))
	require.NoError(t, err)
	assert.Equal(t, uint64(450), locked.Uint64())

	_, direct, err := reg.GetTier(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, uint64(450), direct.Uint64())
}

func TestHTTPOracle_SendsAPIKey(t *testing.T) {
	var auth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		_, _ = w.Write([]byte(`{"tier":0,"amount":"0"}`))
	}))
	defer server.Close()

	_, _, err := NewHTTPOracle(server.URL, WithAPIKey("secret")).GetTier(context.Background(), alice)
	require.NoError(t, err)
	assert.Equal(t, "Bearer secret", auth)
}

func TestHTTPOracle_Errors(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		errText string
	}{
		{name: "bad request", status: http.StatusBadRequest, body: `{"error":"nope"}`, errText: "status 400"},
		{name: "malformed body", status: http.StatusOK, body: `{`, errText: "error decoding response"},
		{name: "bad amount", status: http.StatusOK, body: `{"tier":1,"amount":"abc"}`, errText: "bad locked amount"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer server.Close()

			_, _, err := NewHTTPOracle(server.URL).GetTier(context.Background(), alice)
			require.Error(t, err)
			assert.True(t, errors.Is(err, types.ErrOracleUnavailable))
			assert.Contains(t, err.Error(), tt.errText)
		})
	}
}

func TestHTTPOracle_RestakeIsNotRetried(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	_, err := NewHTTPOracle(server.URL).NotifyAutoRestake(context.Background(), alice, uint256.NewInt(1))
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrOracleUnavailable))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestHandler_Validation(t *testing.T) {
	server := httptest.NewServer(NewHandler(NewRegistry()))
	defer server.Close()

	resp, err := http.Get(server.URL + "/v1/tiers/not-an-address")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Get(server.URL + "/v1/tiers/" + alice.Hex() + "/intervals?from=x&to=1")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Post(server.URL+"/v1/tiers/"+alice.Hex(), "application/json",
		bytes.NewBufferString(`{"tier":1,"amount":"10","block":5}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Post(server.URL+"/v1/tiers/"+alice.Hex(), "application/json",
		bytes.NewBufferString(`{"tier":2,"amount":"10","block":1}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "lock before the last change is rejected")
}

type failingOracle struct {
	Oracle
	calls int
}

func (f *failingOracle) IntervalsOverlapping(context.Context, common.Address, uint64, uint64) ([]types.TierInterval, error) {
	f.calls++
	return nil, errors.New("unreachable")
}

func TestGuarded_TripsAndFailsFast(t *testing.T) {
	inner := &failingOracle{Oracle: NewRegistry()}
	guarded := NewGuarded(inner, circuitbreaker.New(circuitbreaker.Thresholds{MaxConsecutiveFailures: 2}))
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := guarded.IntervalsOverlapping(ctx, alice, 0, 10)
		require.Error(t, err)
	}
	assert.Equal(t, circuitbreaker.StateOpen, guarded.Breaker().GetState())

	_, err := guarded.IntervalsOverlapping(ctx, alice, 0, 10)
	assert.True(t, errors.Is(err, types.ErrOracleUnavailable))
	assert.Equal(t, 2, inner.calls, "open breaker should not reach the oracle")

	_, _, err = guarded.GetTier(ctx, alice)
	assert.True(t, errors.Is(err, circuitbreaker.ErrOpen))
}

func TestGuarded_PassesThrough(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Lock(alice, 1, uint256.NewInt(10), 0))
	guarded := NewGuarded(reg, circuitbreaker.New(circuitbreaker.DefaultThresholds()))

	intervals, err := guarded.IntervalsOverlapping(context.Background(), alice, 0, 10)
	require.NoError(t, err)
	assert.Len(t, intervals, 1)

	locked, err := guarded.NotifyAutoRestake(context.Background(), alice, uint256.NewInt(5))
	require.NoError(t, err)
	assert.Equal(t, uint64(15), locked.Uint64())
}
