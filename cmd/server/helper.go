package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"github.com/yourorg/emission-ledger/internal/types"
)

// apiResponse is the envelope of every ledger API response
type apiResponse struct {
	StatusCode int         `json:"statusCode"`
	Status     string      `json:"status"`
	Data       interface{} `json:"data,omitempty"`
	Error      string      `json:"error,omitempty"`
}

func writeJSON(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logrus.WithError(err).Warn("Failed to encode response")
	}
}

func successResponse(w http.ResponseWriter, data interface{}) {
	writeJSON(w, http.StatusOK, apiResponse{StatusCode: http.StatusOK, Status: "success", Data: data})
}

// errorResponse returns a formatted error response
func errorResponse(w http.ResponseWriter, statusCode int, errorMsg string) {
	if statusCode >= http.StatusInternalServerError {
		logrus.Error(errorMsg)
	} else {
		logrus.Debug(errorMsg)
	}
	writeJSON(w, statusCode, apiResponse{StatusCode: statusCode, Status: "error", Error: errorMsg})
}

// ledgerError maps the ledger error taxonomy onto an HTTP status
func ledgerError(w http.ResponseWriter, err error) {
	errorResponse(w, statusFor(err), err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, types.ErrValidation), errors.Is(err, types.ErrOverflow):
		return http.StatusBadRequest
	case errors.Is(err, types.ErrInsufficientBalance), errors.Is(err, types.ErrScheduleClosed):
		return http.StatusConflict
	case errors.Is(err, types.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, types.ErrPoolNotFound):
		return http.StatusNotFound
	case errors.Is(err, types.ErrOracleUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// readBody reads at most limit bytes of the request body
func readBody(r *http.Request, limit int64) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	if err != nil {
		return nil, fmt.Errorf("%w: reading body: %v", types.ErrValidation, err)
	}
	if int64(len(body)) > limit {
		return nil, fmt.Errorf("%w: body exceeds %d bytes", types.ErrValidation, limit)
	}
	return body, nil
}

func decodeJSON(body []byte, v interface{}) error {
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("%w: invalid request body: %v", types.ErrValidation, err)
	}
	return nil
}

func poolParam(r *http.Request) (uint64, error) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid pool id %q", types.ErrValidation, raw)
	}
	return id, nil
}

func addressParam(r *http.Request, name string) (common.Address, error) {
	raw := chi.URLParam(r, name)
	if !common.IsHexAddress(raw) {
		return common.Address{}, fmt.Errorf("%w: invalid %s %q", types.ErrValidation, name, raw)
	}
	return common.HexToAddress(raw), nil
}

func uintQuery(r *http.Request, name string, def uint64) (uint64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid %s %q", types.ErrValidation, name, raw)
	}
	return v, nil
}
