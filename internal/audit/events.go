package audit

import "time"

// Event statuses mirror the disbalance lifecycle: the engine only ever
// writes Processing; downstream consumers mark records resolved or
// failed.
const (
	StatusProcessing = "Processing"
	StatusResolved   = "Resolved"
	StatusFailed     = "Failed"
)

// Alert groups. Normal alerts are operational chatter; the alert group
// is for anomalies that need a human to look.
const (
	GroupNormal = "normal"
	GroupAlert  = "alert"
)

// OrderIntentEvent records one corrective order at the moment it was
// submitted. Fill fields belong to the sink, not this engine, so the
// event is immutable after creation.
type OrderIntentEvent struct {
	ID            string        `json:"id"`
	DisbalanceID  string        `json:"disbalance_id"`
	Venue         string        `json:"venue"`
	Asset         string        `json:"asset"`
	Symbol        string        `json:"symbol"`
	Side          string        `json:"side"`
	ExpectedPrice float64       `json:"expected_price"`
	ExpectedSize  float64       `json:"expected_size_coin"`
	ExpectedUSD   float64       `json:"expected_usd"`
	ExpectedFee   float64       `json:"expected_fee"`
	OrderID       string        `json:"order_id"`
	PlacedAt      time.Time     `json:"placed_at"`
	OneWayLatency time.Duration `json:"one_way_latency"`
	Env           string        `json:"env"`
}

// DisbalanceEvent is the snapshot of one net exposure that crossed the
// action threshold.
type DisbalanceEvent struct {
	ID           string    `json:"id"`
	Asset        string    `json:"asset"`
	CoinAmount   float64   `json:"coin_amount"`
	USDAmount    float64   `json:"usd_amount"`
	ThresholdUSD float64   `json:"threshold_usd"`
	Status       string    `json:"status"`
	Env          string    `json:"env"`
	Timestamp    time.Time `json:"timestamp"`
}

// BalanceCheckpointEvent is the per-venue balance picture taken each
// cycle and after each corrective order.
type BalanceCheckpointEvent struct {
	Balances  map[string]float64 `json:"balances"`
	TotalUSD  float64            `json:"total_usd"`
	Env       string             `json:"env"`
	Timestamp time.Time          `json:"timestamp"`
}

// AlertEvent is a free-text message for a human operator, tagged with
// the severity group that selects the delivery channel.
type AlertEvent struct {
	Text      string    `json:"text"`
	Group     string    `json:"group"`
	Timestamp time.Time `json:"timestamp"`
}
