package tierlock

import (
	"github.com/yourorg/emission-ledger/internal/types"
)

// JSON bodies of the remote oracle protocol. Amounts travel as decimal strings and an
// interval end of 0 marks a running interval.

type tierResponse struct {
	Tier   types.Tier `json:"tier"`
	Amount string     `json:"amount"`
}

type wireInterval struct {
	Tier  types.Tier `json:"tier"`
	Start uint64     `json:"start"`
	End   uint64     `json:"end"`
}

type intervalsResponse struct {
	Intervals []wireInterval `json:"intervals"`
}

type restakeRequest struct {
	Owner  string `json:"owner"`
	Amount string `json:"amount"`
}

type restakeResponse struct {
	Locked string `json:"locked"`
}

type lockRequest struct {
	Tier   types.Tier `json:"tier"`
	Amount string     `json:"amount"`
	Block  uint64     `json:"block"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func toWire(intervals []types.TierInterval) []wireInterval {
	out := make([]wireInterval, 0, len(intervals))
	for _, iv := range intervals {
		end := iv.End
		if iv.IsOpen() {
			end = 0
		}
		out = append(out, wireInterval{Tier: iv.Tier, Start: iv.Start, End: end})
	}
	return out
}

func fromWire(intervals []wireInterval) []types.TierInterval {
	out := make([]types.TierInterval, 0, len(intervals))
	for _, iv := range intervals {
		end := iv.End
		if end == 0 {
			end = types.OpenEnd
		}
		out = append(out, types.TierInterval{Tier: iv.Tier, Start: iv.Start, End: end})
	}
	return out
}
