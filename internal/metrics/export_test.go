package metrics

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/emission-ledger/internal/model"
	"github.com/yourorg/emission-ledger/internal/types"
)

type webhook struct {
	mu       sync.Mutex
	status   int
	auth     []string
	payloads []exportPayload
}

type exportPayload struct {
	Events []Event `json:"events"`
	Count  int     `json:"count"`
}

func (w *webhook) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	w.mu.Lock()
	defer w.mu.Unlock()

	var p exportPayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		rw.WriteHeader(http.StatusBadRequest)
		return
	}
	w.auth = append(w.auth, r.Header.Get("Authorization"))
	if w.status != 0 && w.status != http.StatusOK {
		rw.WriteHeader(w.status)
		return
	}
	w.payloads = append(w.payloads, p)
}

func (w *webhook) received() []exportPayload {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]exportPayload(nil), w.payloads...)
}

func newTestExporter(t *testing.T, url string) *Exporter {
	t.Helper()
	e, err := NewExporter(ExporterConfig{
		Enabled:        true,
		WebhookURL:     url,
		WebhookAPIKey:  "secret",
		BatchSize:      100,
		ExportInterval: time.Hour,
	})
	require.NoError(t, err)
	e.client.RetryMax = 0
	t.Cleanup(func() { _ = e.Stop(context.Background()) })
	return e
}

func TestExporter_Flush(t *testing.T) {
	hook := &webhook{}
	srv := httptest.NewServer(hook)
	defer srv.Close()

	e := newTestExporter(t, srv.URL)
	receipt := model.NewReceipt(1, common.HexToAddress("0x01"), 204)
	receipt.Reward.Set(types.MustParseAmount("1346400000000000000"))
	e.SettleApplied(model.SettleResult{PoolID: 1, FromBlock: 203, ToBlock: 204})
	e.OperationCompleted("deposit", receipt)
	e.PoolUpdated(model.NewPool(1, common.HexToAddress("0xc2"), 1, 200))

	assert.Equal(t, 2, e.Status()["queued"])
	require.NoError(t, e.Flush(context.Background()))

	got := hook.received()
	require.Len(t, got, 1)
	assert.Equal(t, 2, got[0].Count)
	require.Len(t, got[0].Events, 2)
	assert.Equal(t, EventSettlement, got[0].Events[0].Kind)
	assert.Equal(t, EventOperation, got[0].Events[1].Kind)
	assert.Equal(t, "deposit", got[0].Events[1].Op)
	assert.Equal(t, "1346400000000000000", got[0].Events[1].Receipt.Reward.Dec())
	assert.Equal(t, []string{"Bearer secret"}, hook.auth)

	status := e.Status()
	assert.Equal(t, 0, status["queued"])
	assert.Equal(t, 2, status["exported"])
	assert.Contains(t, status, "last_export")

	require.NoError(t, e.Flush(context.Background()), "empty queue is a no-op")
	assert.Len(t, hook.received(), 1)
}

func TestExporter_RequeuesOnFailure(t *testing.T) {
	hook := &webhook{status: http.StatusInternalServerError}
	srv := httptest.NewServer(hook)
	defer srv.Close()

	e := newTestExporter(t, srv.URL)
	e.OperationCompleted("withdraw", model.NewReceipt(0, common.HexToAddress("0x02"), 210))

	require.Error(t, e.Flush(context.Background()))
	assert.Equal(t, 1, e.Status()["queued"])

	hook.mu.Lock()
	hook.status = http.StatusOK
	hook.mu.Unlock()

	require.NoError(t, e.Flush(context.Background()))
	assert.Equal(t, 0, e.Status()["queued"])
	require.Len(t, hook.received(), 1)
	assert.Equal(t, "withdraw", hook.received()[0].Events[0].Op)
}

func TestExporter_BatchSizeTriggersFlush(t *testing.T) {
	hook := &webhook{}
	srv := httptest.NewServer(hook)
	defer srv.Close()

	e := newTestExporter(t, srv.URL)
	e.config.BatchSize = 2
	e.OperationCompleted("deposit", model.NewReceipt(1, common.HexToAddress("0x01"), 201))
	e.OperationCompleted("deposit", model.NewReceipt(1, common.HexToAddress("0x02"), 202))

	assert.Eventually(t, func() bool { return len(hook.received()) == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestExporter_Disabled(t *testing.T) {
	e, err := NewExporter(ExporterConfig{})
	require.NoError(t, err)

	e.OperationCompleted("deposit", model.NewReceipt(1, common.HexToAddress("0x01"), 201))
	assert.Equal(t, 0, e.Status()["queued"])
	assert.NoError(t, e.Stop(context.Background()))

	_, err = NewExporter(ExporterConfig{Enabled: true})
	assert.Error(t, err)
}
