package tierlock

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"github.com/yourorg/emission-ledger/internal/types"
)

// NewHandler serves a registry over the remote oracle protocol, so an embedded registry can
// be queried by HTTPOracle clients elsewhere
func NewHandler(reg *Registry) http.Handler {
	h := &handler{reg: reg}
	r := chi.NewRouter()
	r.Get("/v1/tiers/{owner}", h.getTier)
	r.Post("/v1/tiers/{owner}", h.lock)
	r.Get("/v1/tiers/{owner}/intervals", h.intervals)
	r.Post("/v1/restake", h.restake)
	return r
}

type handler struct {
	reg *Registry
}

func (h *handler) getTier(w http.ResponseWriter, r *http.Request) {
	owner, ok := parseOwner(w, chi.URLParam(r, "owner"))
	if !ok {
		return
	}
	tier, locked, err := h.reg.GetTier(r.Context(), owner)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, tierResponse{Tier: tier, Amount: locked.Dec()})
}

func (h *handler) lock(w http.ResponseWriter, r *http.Request) {
	owner, ok := parseOwner(w, chi.URLParam(r, "owner"))
	if !ok {
		return
	}
	var req lockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	amount, err := types.ParseAmount(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := h.reg.Lock(owner, req.Tier, amount, req.Block); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, types.ErrValidation) {
			status = http.StatusBadRequest
		}
		writeError(w, status, err)
		return
	}
	writeJSON(w, http.StatusOK, tierResponse{Tier: req.Tier, Amount: amount.Dec()})
}

func (h *handler) intervals(w http.ResponseWriter, r *http.Request) {
	owner, ok := parseOwner(w, chi.URLParam(r, "owner"))
	if !ok {
		return
	}
	from, err := strconv.ParseUint(r.URL.Query().Get("from"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	to, err := strconv.ParseUint(r.URL.Query().Get("to"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	intervals, err := h.reg.IntervalsOverlapping(r.Context(), owner, from, to)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, intervalsResponse{Intervals: toWire(intervals)})
}

func (h *handler) restake(w http.ResponseWriter, r *http.Request) {
	var req restakeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	owner, ok := parseOwner(w, req.Owner)
	if !ok {
		return
	}
	amount, err := types.ParseAmount(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	locked, err := h.reg.NotifyAutoRestake(r.Context(), owner, amount)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, restakeResponse{Locked: locked.Dec()})
}

func parseOwner(w http.ResponseWriter, raw string) (common.Address, bool) {
	if !common.IsHexAddress(raw) {
		writeError(w, http.StatusBadRequest, errors.New("invalid owner address"))
		return common.Address{}, false
	}
	return common.HexToAddress(raw), true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logrus.WithError(err).Error("Failed to encode tier-lock response")
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error()})
}
