package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"

	"github.com/yourorg/emission-ledger/internal/bonus"
	"github.com/yourorg/emission-ledger/internal/ledger"
	"github.com/yourorg/emission-ledger/internal/penalty"
	"github.com/yourorg/emission-ledger/internal/schedule"
	"github.com/yourorg/emission-ledger/internal/token"
	"github.com/yourorg/emission-ledger/internal/types"
)

// Params is the ledger parameter file
type Params struct {
	Schedule ScheduleParams `toml:"schedule"`
	Accounts AccountParams  `toml:"accounts"`
	Split    ledger.Split   `toml:"split"`
	Bonus    BonusParams    `toml:"bonus"`
	Penalty  PenaltyParams  `toml:"penalty"`

	// Tokens seed the token book on first start
	Tokens []TokenParams `toml:"tokens"`
}

// ScheduleParams describes the emission window. BaseRate is a decimal or 0x amount in
// reward base units per block.
type ScheduleParams struct {
	StartBlock       uint64 `toml:"start_block"`
	BlocksPerPeriod  uint64 `toml:"blocks_per_period"`
	PeriodCount      uint64 `toml:"period_count"`
	BaseRate         string `toml:"base_rate"`
	DecayNumerator   uint64 `toml:"decay_numerator"`
	DecayDenominator uint64 `toml:"decay_denominator"`
}

// AccountParams are hex addresses
type AccountParams struct {
	Self            string `toml:"self"`
	Admin           string `toml:"admin"`
	RewardToken     string `toml:"reward_token"`
	TierLockToken   string `toml:"tier_lock_token"`
	TreasuryWallet  string `toml:"treasury_wallet"`
	CommunityWallet string `toml:"community_wallet"`
}

// BonusParams configure the distinguished bonus pool
type BonusParams struct {
	PoolWeight uint64   `toml:"pool_weight"`
	TierRates  []uint64 `toml:"tier_rates"`
}

// PenaltyParams configure early withdrawal
type PenaltyParams struct {
	Period  time.Duration `toml:"period"`
	Percent uint64        `toml:"percent"`
}

// TokenParams declares a token and its initial balances
type TokenParams struct {
	Address string       `toml:"address"`
	Owner   string       `toml:"owner"`
	Mint    []MintParams `toml:"mint"`
}

// MintParams is one initial balance
type MintParams struct {
	Account string `toml:"account"`
	Amount  string `toml:"amount"`
}

// DefaultParams returns the stock reward parameters; the schedule window and every
// address still have to be configured
func DefaultParams() Params {
	def := ledger.DefaultConfig()
	return Params{
		Schedule: ScheduleParams{
			BaseRate:         def.Schedule.BaseRate.Dec(),
			DecayNumerator:   def.Schedule.DecayNumerator,
			DecayDenominator: def.Schedule.DecayDenominator,
		},
		Split: def.Split,
		Bonus: BonusParams{
			PoolWeight: def.BonusPoolWeight,
			TierRates:  def.TierBonusRates.Clone(),
		},
		Penalty: PenaltyParams{
			Period:  def.Penalty.Period,
			Percent: def.Penalty.Percent,
		},
	}
}

// LoadParams reads a TOML parameter file over the defaults. Keys the file sets replace
// the default; unknown keys are logged and ignored.
func LoadParams(path string) (Params, error) {
	p := DefaultParams()
	md, err := toml.DecodeFile(path, &p)
	if err != nil {
		return Params{}, fmt.Errorf("failed to read config file: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		logrus.WithField("keys", strings.Join(keys, ",")).Warn("Ignoring unknown keys in ledger config")
	}
	return p, nil
}

// ParseParams decodes TOML text over the defaults
func ParseParams(data string) (Params, error) {
	p := DefaultParams()
	if _, err := toml.Decode(data, &p); err != nil {
		return Params{}, fmt.Errorf("failed to parse config: %w", err)
	}
	return p, nil
}

// LedgerConfig converts the file into an engine configuration
func (p Params) LedgerConfig() (ledger.Config, error) {
	rate, err := types.ParseAmount(p.Schedule.BaseRate)
	if err != nil {
		return ledger.Config{}, fmt.Errorf("schedule.base_rate: %w", err)
	}

	cfg := ledger.Config{
		Schedule: schedule.Config{
			StartBlock:       p.Schedule.StartBlock,
			BlocksPerPeriod:  p.Schedule.BlocksPerPeriod,
			PeriodCount:      p.Schedule.PeriodCount,
			BaseRate:         rate,
			DecayNumerator:   p.Schedule.DecayNumerator,
			DecayDenominator: p.Schedule.DecayDenominator,
		},
		Split:           p.Split,
		BonusPoolWeight: p.Bonus.PoolWeight,
		TierBonusRates:  bonus.Table(p.Bonus.TierRates).Clone(),
		Penalty:         penalty.Policy{Period: p.Penalty.Period, Percent: p.Penalty.Percent},
	}

	accounts := []struct {
		field string
		raw   string
		dst   *common.Address
	}{
		{"accounts.self", p.Accounts.Self, &cfg.Self},
		{"accounts.admin", p.Accounts.Admin, &cfg.Admin},
		{"accounts.reward_token", p.Accounts.RewardToken, &cfg.RewardToken},
		{"accounts.tier_lock_token", p.Accounts.TierLockToken, &cfg.TierLockToken},
		{"accounts.treasury_wallet", p.Accounts.TreasuryWallet, &cfg.TreasuryWallet},
		{"accounts.community_wallet", p.Accounts.CommunityWallet, &cfg.CommunityWallet},
	}
	for _, a := range accounts {
		addr, err := ParseAddress(a.field, a.raw)
		if err != nil {
			return ledger.Config{}, err
		}
		*a.dst = addr
	}
	return cfg, nil
}

// SeedBook creates the declared tokens and their initial balances. Tokens already in the
// book are left alone.
func (p Params) SeedBook(book *token.Book) error {
	for i, tp := range p.Tokens {
		addr, err := ParseAddress(fmt.Sprintf("tokens[%d].address", i), tp.Address)
		if err != nil {
			return err
		}
		if book.IsContract(addr) {
			continue
		}
		owner, err := ParseAddress(fmt.Sprintf("tokens[%d].owner", i), tp.Owner)
		if err != nil {
			return err
		}
		if err := book.CreateToken(addr, owner); err != nil {
			return err
		}
		for j, m := range tp.Mint {
			account, err := ParseAddress(fmt.Sprintf("tokens[%d].mint[%d].account", i, j), m.Account)
			if err != nil {
				return err
			}
			amount, err := types.ParseAmount(m.Amount)
			if err != nil {
				return fmt.Errorf("tokens[%d].mint[%d].amount: %w", i, j, err)
			}
			if err := book.Issue(addr, account, amount); err != nil {
				return err
			}
		}
		logrus.WithFields(logrus.Fields{
			"token": addr.Hex(),
			"owner": owner.Hex(),
			"mints": len(tp.Mint),
		}).Info("Token created from config")
	}
	return nil
}

// ParseAddress parses a hex address, rejecting malformed input
func ParseAddress(field, raw string) (common.Address, error) {
	raw = strings.TrimSpace(raw)
	if !common.IsHexAddress(raw) {
		return common.Address{}, fmt.Errorf("%w: %s: %q is not a hex address", types.ErrValidation, field, raw)
	}
	return common.HexToAddress(raw), nil
}
