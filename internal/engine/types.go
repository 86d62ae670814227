package engine

import (
	"time"

	"balanceflow/internal/venue"
)

// PositionsByAsset is the merged cross-venue position map, keyed by
// canonical asset and sub-keyed by venue name.
type PositionsByAsset map[string]map[string]venue.Position

// AssetExposure is the net cross-venue exposure for one asset. TotalUSD
// is computed from one shared reference price so venues with slightly
// different marks cannot hide a real imbalance.
type AssetExposure struct {
	Asset     string  `json:"asset"`
	TotalCoin float64 `json:"total_coin"`
	TotalUSD  float64 `json:"total_usd"`
}

// Disbalance is an exposure that crossed the action threshold, with the
// identifier that ties the resulting order and audit events together.
type Disbalance struct {
	ID           string
	Asset        string
	CoinAmount   float64
	USDAmount    float64
	ThresholdUSD float64
}

// CycleState is everything one reconciliation cycle produces. It is
// allocated at cycle start, filled step by step, and superseded by the
// next cycle; only Positions and TotalBalance survive into the next
// cycle for the anomaly checks.
type CycleState struct {
	StartedAt    time.Time
	Positions    PositionsByAsset
	CountByVenue map[string]int
	Exposures    map[string]AssetExposure
	Balances     map[string]float64
	TotalBalance float64
	OrdersPlaced int
	GateBlocked  bool
}

// NewCycleState allocates an empty state for a starting cycle.
func NewCycleState() *CycleState {
	return &CycleState{
		StartedAt:    time.Now().UTC(),
		Positions:    make(PositionsByAsset),
		CountByVenue: make(map[string]int),
		Exposures:    make(map[string]AssetExposure),
		Balances:     make(map[string]float64),
	}
}

// EmptyVenues returns the venues that contributed no positions this
// cycle, in the order of the supplied client list. A venue going silent
// is indistinguishable from a real flat book, which is exactly why the
// safety gate treats it as suspect.
func (s *CycleState) EmptyVenues(clients []venue.Client) []string {
	var empty []string
	for _, client := range clients {
		if s.CountByVenue[client.Name()] == 0 {
			empty = append(empty, client.Name())
		}
	}
	return empty
}
