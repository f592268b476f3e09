package main

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/yourorg/emission-ledger/internal/config"
	"github.com/yourorg/emission-ledger/internal/store"
	"github.com/yourorg/emission-ledger/internal/types"
)

const opGenesis = "genesis"

// chainHead derives the current block from the configured anchor and block interval
func chainHead(cfg config.Config, now time.Time) uint64 {
	if cfg.BlockInterval <= 0 {
		return cfg.BlockAnchor
	}
	anchored := startTime
	if cfg.BlockAnchorTime > 0 {
		anchored = time.Unix(cfg.BlockAnchorTime, 0)
	}
	elapsed := now.Sub(anchored)
	if elapsed <= 0 {
		return cfg.BlockAnchor
	}
	return cfg.BlockAnchor + uint64(elapsed/cfg.BlockInterval)
}

// checkBlock accepts a call block between the last applied call and the head. Callers
// hold writeMu.
func (s *Server) checkBlock(block uint64) error {
	if head := s.head(); block > head {
		return fmt.Errorf("%w: block %d is ahead of head %d", types.ErrValidation, block, head)
	}
	if block < s.lastBlock {
		return fmt.Errorf("%w: block %d is behind the last applied block %d",
			types.ErrValidation, block, s.lastBlock)
	}
	return nil
}

// lastCallBlock reads the block of the newest journaled call. Blocks never decrease
// along the journal, so that is the highest one.
func lastCallBlock(st *store.Store) uint64 {
	seq := st.Sequence()
	if seq == 0 {
		return 0
	}
	records, err := st.Journal(seq-1, 1)
	if err != nil {
		logrus.WithError(err).Warn("Failed to read the last journal record")
		return 0
	}
	if len(records) == 0 || records[0].Op == opGenesis {
		return 0
	}
	return records[0].Block
}
