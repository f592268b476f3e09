// Package schedule maps block indices to the reward amount mintable at each block.
//
// Emission runs for PeriodCount periods of BlocksPerPeriod blocks starting at StartBlock.
// The per-block rate of period 1 is BaseRate and every following period's rate is the
// previous one multiplied by DecayNumerator/DecayDenominator, floored.
package schedule

import (
	"fmt"
	"math"

	"github.com/holiman/uint256"

	"github.com/yourorg/emission-ledger/internal/types"
)

// Config holds the fixed schedule constants
type Config struct {
	StartBlock       uint64       `json:"start_block"`
	BlocksPerPeriod  uint64       `json:"blocks_per_period"`
	PeriodCount      uint64       `json:"period_count"`
	BaseRate         *uint256.Int `json:"base_rate"`
	DecayNumerator   uint64       `json:"decay_numerator"`
	DecayDenominator uint64       `json:"decay_denominator"`
}

// Schedule is an immutable emission table
type Schedule struct {
	cfg      Config
	rates    []*uint256.Int
	endBlock uint64
}

// New validates the configuration and derives the per-period rate table
func New(cfg Config) (*Schedule, error) {
	if cfg.PeriodCount == 0 {
		return nil, fmt.Errorf("%w: period count must be greater than zero", types.ErrValidation)
	}
	if cfg.BlocksPerPeriod == 0 {
		return nil, fmt.Errorf("%w: blocks per period must be greater than zero", types.ErrValidation)
	}
	if cfg.DecayDenominator == 0 {
		return nil, fmt.Errorf("%w: decay denominator must be greater than zero", types.ErrValidation)
	}
	if cfg.DecayNumerator > cfg.DecayDenominator {
		return nil, fmt.Errorf("%w: decay factor %d/%d would increase the rate",
			types.ErrValidation, cfg.DecayNumerator, cfg.DecayDenominator)
	}
	if cfg.BaseRate == nil {
		return nil, fmt.Errorf("%w: base rate is required", types.ErrValidation)
	}
	if cfg.PeriodCount > (math.MaxUint64-cfg.StartBlock)/cfg.BlocksPerPeriod {
		return nil, fmt.Errorf("%w: end block overflows", types.ErrValidation)
	}

	totalBlocks := cfg.BlocksPerPeriod * cfg.PeriodCount
	// Bounding the undecayed total keeps every later emission sum inside 256 bits.
	if _, overflow := new(uint256.Int).MulOverflow(cfg.BaseRate, uint256.NewInt(totalBlocks)); overflow {
		return nil, fmt.Errorf("%w: base rate times schedule length overflows", types.ErrValidation)
	}

	cfg.BaseRate = new(uint256.Int).Set(cfg.BaseRate)
	rates := make([]*uint256.Int, cfg.PeriodCount)
	rates[0] = new(uint256.Int).Set(cfg.BaseRate)
	num := uint256.NewInt(cfg.DecayNumerator)
	den := uint256.NewInt(cfg.DecayDenominator)
	for i := uint64(1); i < cfg.PeriodCount; i++ {
		next, overflow := new(uint256.Int).MulOverflow(rates[i-1], num)
		if overflow {
			return nil, fmt.Errorf("%w: rate of period %d overflows", types.ErrOverflow, i+1)
		}
		rates[i] = next.Div(next, den)
	}

	return &Schedule{
		cfg:      cfg,
		rates:    rates,
		endBlock: cfg.StartBlock + totalBlocks,
	}, nil
}

// Config returns a copy of the schedule constants
func (s *Schedule) Config() Config {
	cfg := s.cfg
	cfg.BaseRate = new(uint256.Int).Set(s.cfg.BaseRate)
	return cfg
}

// StartBlock is the first block that emits
func (s *Schedule) StartBlock() uint64 { return s.cfg.StartBlock }

// EndBlock is the first block that no longer emits
func (s *Schedule) EndBlock() uint64 { return s.endBlock }

// PeriodCount is the number of emission periods
func (s *Schedule) PeriodCount() uint64 { return s.cfg.PeriodCount }

// BlocksPerPeriod is the length of each period
func (s *Schedule) BlocksPerPeriod() uint64 { return s.cfg.BlocksPerPeriod }

// PeriodRate returns the per-block rate of the 1-indexed period, or zero when out of range
func (s *Schedule) PeriodRate(period uint64) *uint256.Int {
	if period == 0 || period > s.cfg.PeriodCount {
		return new(uint256.Int)
	}
	return new(uint256.Int).Set(s.rates[period-1])
}

// PeriodOf returns the 1-indexed period containing block. The second result is false
// when the block is outside [StartBlock, EndBlock).
func (s *Schedule) PeriodOf(block uint64) (uint64, bool) {
	if block < s.cfg.StartBlock || block >= s.endBlock {
		return 0, false
	}
	period := 1 + (block-s.cfg.StartBlock)/s.cfg.BlocksPerPeriod
	if period > s.cfg.PeriodCount {
		period = s.cfg.PeriodCount
	}
	return period, true
}

// RateAt returns the amount mintable at block
func (s *Schedule) RateAt(block uint64) *uint256.Int {
	period, ok := s.PeriodOf(block)
	if !ok {
		return new(uint256.Int)
	}
	return s.PeriodRate(period)
}

// EmissionBetween sums the per-block rate over [fromBlock, toBlock), walking period
// boundaries so every sub-range is priced at its own rate.
func (s *Schedule) EmissionBetween(fromBlock, toBlock uint64) *uint256.Int {
	total := new(uint256.Int)
	if fromBlock < s.cfg.StartBlock {
		fromBlock = s.cfg.StartBlock
	}
	if toBlock > s.endBlock {
		toBlock = s.endBlock
	}
	if toBlock <= fromBlock {
		return total
	}

	segment := new(uint256.Int)
	for cursor := fromBlock; cursor < toBlock; {
		index := (cursor - s.cfg.StartBlock) / s.cfg.BlocksPerPeriod
		periodEnd := s.cfg.StartBlock + (index+1)*s.cfg.BlocksPerPeriod
		segmentEnd := toBlock
		if periodEnd < segmentEnd {
			segmentEnd = periodEnd
		}
		segment.Mul(s.rates[index], uint256.NewInt(segmentEnd-cursor))
		total.Add(total, segment)
		cursor = segmentEnd
	}
	return total
}

// TotalEmission is the emission of the whole schedule
func (s *Schedule) TotalEmission() *uint256.Int {
	return s.EmissionBetween(s.cfg.StartBlock, s.endBlock)
}

// Closed reports whether block is at or beyond the end of emission
func (s *Schedule) Closed(block uint64) bool {
	return block >= s.endBlock
}
