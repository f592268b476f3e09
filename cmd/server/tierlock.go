package main

import (
	"bytes"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/yourorg/emission-ledger/internal/types"
)

const opTierLock = "tierlock"

// tierLockWrites guards the embedded registry. Reads pass through; writes need the admin's
// signature and a fresh nonce, and are committed with a journal record once applied.
func (s *Server) tierLockWrites(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet || r.Method == http.MethodHead {
			next.ServeHTTP(w, r)
			return
		}

		var req struct{ callMeta }
		call, body, err := s.authenticate(r, &req)
		if err != nil {
			ledgerError(w, err)
			return
		}
		if admin := s.engine.Params().Admin; call.Caller != admin {
			ledgerError(w, fmt.Errorf("%w: %s cannot change tier locks", types.ErrUnauthorized, call.Caller.Hex()))
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))

		s.writeMu.Lock()
		defer s.writeMu.Unlock()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		if ww.Status() != http.StatusOK {
			return
		}
		// the lock's own block lives in the payload; the record keeps the journal ordered
		call.Block = s.lastBlock
		if _, err := s.persist(opTierLock, call, body); err != nil {
			logrus.WithError(err).Error("Tier-lock write applied but not persisted")
		}
	})
}
