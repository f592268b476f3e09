package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/holiman/uint256"

	"github.com/yourorg/emission-ledger/internal/config"
	"github.com/yourorg/emission-ledger/internal/ledger"
	"github.com/yourorg/emission-ledger/internal/security"
	"github.com/yourorg/emission-ledger/internal/store"
	"github.com/yourorg/emission-ledger/internal/types"
)

const defaultBodyLimit = 1 << 20

// callMeta is carried by every signed request. Block is checked against the server's head;
// the call time always comes from the server clock.
type callMeta struct {
	Block uint64 `json:"block"`
	Nonce uint64 `json:"nonce"`
}

func (m callMeta) meta() callMeta { return m }

type signedRequest interface {
	meta() callMeta
}

// positionRequest is the body of the position endpoints. Amount is a decimal or 0x amount
// in base units; empty means zero.
type positionRequest struct {
	callMeta
	Amount string `json:"amount,omitempty"`
}

func (p positionRequest) amount() (*uint256.Int, error) {
	if p.Amount == "" {
		return new(uint256.Int), nil
	}
	return types.ParseAmount(p.Amount)
}

// authenticate decodes a signed request body into req and returns the call it describes.
// The signer recovered from the X-Signature header is the caller; each signer nonce is
// accepted once.
func (s *Server) authenticate(r *http.Request, req signedRequest) (types.Call, []byte, error) {
	limit := s.config.MaxRequestBodySize
	if limit <= 0 {
		limit = defaultBodyLimit
	}
	body, err := readBody(r, limit)
	if err != nil {
		return types.Call{}, nil, err
	}
	caller, err := security.Recover(body, r.Header.Get(security.SignatureHeader))
	if err != nil {
		return types.Call{}, nil, err
	}
	if err := decodeJSON(body, req); err != nil {
		return types.Call{}, nil, err
	}

	m := req.meta()
	now := s.now().UTC()
	if err := s.store.UseNonce(caller, m.Nonce, now); err != nil {
		return types.Call{}, nil, fmt.Errorf("%w: %v", types.ErrUnauthorized, err)
	}
	return types.NewCall(caller, m.Block, now), body, nil
}

// positionOp decodes and authenticates a position request, then runs fn under mutate
func (s *Server) positionOp(w http.ResponseWriter, r *http.Request, op string, fn func(ctx context.Context, call types.Call, poolID uint64, amount *uint256.Int) (interface{}, error)) {
	poolID, err := poolParam(r)
	if err != nil {
		ledgerError(w, err)
		return
	}
	var req positionRequest
	call, body, err := s.authenticate(r, &req)
	if err != nil {
		ledgerError(w, err)
		return
	}
	amount, err := req.amount()
	if err != nil {
		ledgerError(w, err)
		return
	}
	s.mutate(w, r, op, poolID, call, body, func(ctx context.Context) (interface{}, error) {
		return fn(ctx, call, poolID, amount)
	})
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	s.positionOp(w, r, ledger.OpDeposit, func(ctx context.Context, call types.Call, poolID uint64, amount *uint256.Int) (interface{}, error) {
		return s.engine.Deposit(ctx, call, poolID, amount)
	})
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	s.positionOp(w, r, ledger.OpWithdraw, func(ctx context.Context, call types.Call, poolID uint64, amount *uint256.Int) (interface{}, error) {
		return s.engine.Withdraw(ctx, call, poolID, amount)
	})
}

func (s *Server) handleEmergencyWithdraw(w http.ResponseWriter, r *http.Request) {
	s.positionOp(w, r, ledger.OpEmergencyWithdraw, func(_ context.Context, call types.Call, poolID uint64, _ *uint256.Int) (interface{}, error) {
		return s.engine.EmergencyWithdraw(call, poolID)
	})
}

func (s *Server) handleYield(w http.ResponseWriter, r *http.Request) {
	s.positionOp(w, r, ledger.OpYield, func(ctx context.Context, call types.Call, poolID uint64, _ *uint256.Int) (interface{}, error) {
		return s.engine.Yield(ctx, call, poolID)
	})
}

func (s *Server) handleSettle(w http.ResponseWriter, r *http.Request) {
	s.positionOp(w, r, "settle", func(_ context.Context, call types.Call, poolID uint64, _ *uint256.Int) (interface{}, error) {
		return s.engine.Settle(call, poolID)
	})
}

func (s *Server) handleMassSettle(w http.ResponseWriter, r *http.Request) {
	var req callMeta
	call, body, err := s.authenticate(r, &req)
	if err != nil {
		ledgerError(w, err)
		return
	}
	s.mutate(w, r, "mass_settle", 0, call, body, func(context.Context) (interface{}, error) {
		return s.engine.MassSettle(call)
	})
}

// adminRequest carries the arguments of every admin operation; each op reads the fields
// it needs
type adminRequest struct {
	callMeta
	PoolID     uint64        `json:"pool_id"`
	StakeToken string        `json:"stake_token,omitempty"`
	Weight     uint64        `json:"weight"`
	MassSettle bool          `json:"mass_settle"`
	Token      string        `json:"token,omitempty"`
	Rates      []uint64      `json:"rates,omitempty"`
	Period     string        `json:"period,omitempty"`
	Percent    uint64        `json:"percent"`
	Treasury   string        `json:"treasury,omitempty"`
	Community  string        `json:"community,omitempty"`
	Split      *ledger.Split `json:"split,omitempty"`
	NewOwner   string        `json:"new_owner,omitempty"`
	NewAdmin   string        `json:"new_admin,omitempty"`
}

type adminOp func(s *Server, call types.Call, req adminRequest) (interface{}, error)

var adminOps = map[string]adminOp{
	"add-pool": func(s *Server, call types.Call, req adminRequest) (interface{}, error) {
		stake, err := config.ParseAddress("stake_token", req.StakeToken)
		if err != nil {
			return nil, err
		}
		return s.engine.AddPool(call, stake, req.Weight, req.MassSettle)
	},
	"set-weight": func(s *Server, call types.Call, req adminRequest) (interface{}, error) {
		return s.engine.SetWeight(call, req.PoolID, req.Weight, req.MassSettle)
	},
	"set-stake-token": func(s *Server, call types.Call, req adminRequest) (interface{}, error) {
		stake, err := config.ParseAddress("stake_token", req.StakeToken)
		if err != nil {
			return nil, err
		}
		if err := s.engine.SetStakeToken(call, req.PoolID, stake); err != nil {
			return nil, err
		}
		return s.engine.Pool(req.PoolID)
	},
	"set-reward-token": func(s *Server, call types.Call, req adminRequest) (interface{}, error) {
		tok, err := config.ParseAddress("token", req.Token)
		if err != nil {
			return nil, err
		}
		if err := s.engine.SetRewardToken(call, tok); err != nil {
			return nil, err
		}
		return s.engine.Params(), nil
	},
	"set-bonus-table": func(s *Server, call types.Call, req adminRequest) (interface{}, error) {
		if err := s.engine.SetBonusTable(call, req.Rates); err != nil {
			return nil, err
		}
		return s.engine.Params(), nil
	},
	"set-penalty": func(s *Server, call types.Call, req adminRequest) (interface{}, error) {
		period, err := time.ParseDuration(req.Period)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid period %q", types.ErrValidation, req.Period)
		}
		if err := s.engine.SetEarlyWithdrawalPenalty(call, period, req.Percent); err != nil {
			return nil, err
		}
		return s.engine.Params(), nil
	},
	"set-wallets": func(s *Server, call types.Call, req adminRequest) (interface{}, error) {
		treasury, err := config.ParseAddress("treasury", req.Treasury)
		if err != nil {
			return nil, err
		}
		community, err := config.ParseAddress("community", req.Community)
		if err != nil {
			return nil, err
		}
		if err := s.engine.SetWalletAddresses(call, treasury, community); err != nil {
			return nil, err
		}
		return s.engine.Params(), nil
	},
	"set-split": func(s *Server, call types.Call, req adminRequest) (interface{}, error) {
		if req.Split == nil {
			return nil, fmt.Errorf("%w: split is required", types.ErrValidation)
		}
		return s.engine.SetRewardSplit(call, *req.Split)
	},
	"transfer-token-ownership": func(s *Server, call types.Call, req adminRequest) (interface{}, error) {
		owner, err := config.ParseAddress("new_owner", req.NewOwner)
		if err != nil {
			return nil, err
		}
		if err := s.engine.TransferTokenOwnership(call, owner); err != nil {
			return nil, err
		}
		return map[string]string{"new_owner": owner.Hex()}, nil
	},
	"transfer-admin": func(s *Server, call types.Call, req adminRequest) (interface{}, error) {
		admin, err := config.ParseAddress("new_admin", req.NewAdmin)
		if err != nil {
			return nil, err
		}
		if err := s.engine.TransferAdmin(call, admin); err != nil {
			return nil, err
		}
		return s.engine.Params(), nil
	},
}

func (s *Server) handleAdmin(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "op")
	op, ok := adminOps[name]
	if !ok {
		errorResponse(w, http.StatusNotFound, fmt.Sprintf("unknown admin operation %q", name))
		return
	}
	var req adminRequest
	call, body, err := s.authenticate(r, &req)
	if err != nil {
		ledgerError(w, err)
		return
	}
	s.mutate(w, r, name, req.PoolID, call, body, func(context.Context) (interface{}, error) {
		return op(s, call, req)
	})
}

func (s *Server) handleParams(w http.ResponseWriter, r *http.Request) {
	successResponse(w, s.engine.Params())
}

func (s *Server) handleTotals(w http.ResponseWriter, r *http.Request) {
	successResponse(w, s.engine.Totals())
}

func (s *Server) handlePools(w http.ResponseWriter, r *http.Request) {
	successResponse(w, s.engine.Pools())
}

func (s *Server) handlePool(w http.ResponseWriter, r *http.Request) {
	poolID, err := poolParam(r)
	if err != nil {
		ledgerError(w, err)
		return
	}
	pool, err := s.engine.Pool(poolID)
	if err != nil {
		ledgerError(w, err)
		return
	}
	successResponse(w, pool)
}

func (s *Server) handlePosition(w http.ResponseWriter, r *http.Request) {
	poolID, err := poolParam(r)
	if err != nil {
		ledgerError(w, err)
		return
	}
	owner, err := addressParam(r, "owner")
	if err != nil {
		ledgerError(w, err)
		return
	}
	pos, err := s.engine.Position(poolID, owner)
	if err != nil {
		ledgerError(w, err)
		return
	}
	successResponse(w, pos)
}

// handlePending previews the reward and tier bonus an owner would harvest at ?block=, by
// default the pool's last settled block
func (s *Server) handlePending(w http.ResponseWriter, r *http.Request) {
	poolID, err := poolParam(r)
	if err != nil {
		ledgerError(w, err)
		return
	}
	owner, err := addressParam(r, "owner")
	if err != nil {
		ledgerError(w, err)
		return
	}
	pool, err := s.engine.Pool(poolID)
	if err != nil {
		ledgerError(w, err)
		return
	}
	block, err := uintQuery(r, "block", pool.LastRewardBlock)
	if err != nil {
		ledgerError(w, err)
		return
	}

	reward, err := s.engine.PendingReward(block, poolID, owner)
	if err != nil {
		ledgerError(w, err)
		return
	}
	bonusAmt, err := s.engine.PendingBonus(r.Context(), block, poolID, owner)
	if err != nil {
		ledgerError(w, err)
		return
	}
	successResponse(w, map[string]interface{}{
		"pool_id": poolID,
		"owner":   owner.Hex(),
		"block":   block,
		"reward":  reward,
		"bonus":   bonusAmt,
	})
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	tok, err := addressParam(r, "token")
	if err != nil {
		ledgerError(w, err)
		return
	}
	account, err := addressParam(r, "account")
	if err != nil {
		ledgerError(w, err)
		return
	}
	if !s.book.IsContract(tok) {
		errorResponse(w, http.StatusNotFound, fmt.Sprintf("unknown token %s", tok.Hex()))
		return
	}
	successResponse(w, map[string]interface{}{
		"token":   tok.Hex(),
		"account": account.Hex(),
		"balance": s.book.BalanceOf(tok, account),
	})
}

// handleAudit runs the conservation audit now. The report is signed when the daemon has a
// signing key.
func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	report := s.runAudit(r.Context())
	var body interface{} = report
	if s.signer != nil {
		signed, err := s.signer.SignPayload(report)
		if err != nil {
			errorResponse(w, http.StatusInternalServerError, fmt.Sprintf("failed to sign audit report: %v", err))
			return
		}
		body = signed
	}
	successResponse(w, map[string]interface{}{
		"ok":     report.OK(),
		"report": body,
	})
}

const maxJournalPage = 500

func (s *Server) handleJournal(w http.ResponseWriter, r *http.Request) {
	after, err := uintQuery(r, "after", 0)
	if err != nil {
		ledgerError(w, err)
		return
	}
	limit, err := uintQuery(r, "limit", 100)
	if err != nil {
		ledgerError(w, err)
		return
	}
	if limit == 0 || limit > maxJournalPage {
		limit = maxJournalPage
	}
	records, err := s.store.Journal(after, int(limit))
	if err != nil {
		ledgerError(w, err)
		return
	}
	if records == nil {
		records = []store.Record{}
	}
	successResponse(w, map[string]interface{}{
		"records": records,
		"seq":     s.store.Sequence(),
	})
}
