package query

import "time"

// Amounts in responses are decimal strings of base units; *_display fields
// render 18-decimal values for humans.

// AccountView is a user's position as seen by the engine at AsOfSequence.
type AccountView struct {
	User                string              `json:"user"`
	Debt                string              `json:"debt"`
	CollateralValueUSD  string              `json:"collateral_value_usd"`
	HealthFactor        string              `json:"health_factor"`
	HealthFactorDisplay string              `json:"health_factor_display"`
	Status              string              `json:"status"`
	Collateral          []CollateralBalance `json:"collateral"`
	AsOfSequence        int64               `json:"as_of_sequence"`
}

// CollateralBalance is one asset deposited by a user.
type CollateralBalance struct {
	User         string `json:"user"`
	Asset        string `json:"asset"`
	Amount       string `json:"amount"`
	ValueUSD     string `json:"value_usd,omitempty"`
	AsOfSequence int64  `json:"as_of_sequence"`
}

// CollateralToken is a registered asset and its current price. PriceError
// is set instead of Price when the feed is stale or invalid.
type CollateralToken struct {
	Asset           string `json:"asset"`
	StalenessWindow string `json:"staleness_window"`
	Price           string `json:"price,omitempty"`
	PriceDisplay    string `json:"price_display,omitempty"`
	PriceError      string `json:"price_error,omitempty"`
}

// ProtocolParams are the fixed risk constants.
type ProtocolParams struct {
	LiquidationThreshold int64  `json:"liquidation_threshold"`
	LiquidationBonus     int64  `json:"liquidation_bonus"`
	LiquidationPrecision int64  `json:"liquidation_precision"`
	MinHealthFactor      string `json:"min_health_factor"`
}

// LiquidationView is one executed liquidation.
type LiquidationView struct {
	Sequence       int64     `json:"sequence"`
	RequestID      string    `json:"request_id"`
	Liquidator     string    `json:"liquidator"`
	Target         string    `json:"target"`
	Asset          string    `json:"asset"`
	Price          string    `json:"price"`
	DebtCovered    string    `json:"debt_covered"`
	TokenAmount    string    `json:"token_amount"`
	Bonus          string    `json:"bonus"`
	TotalSeized    string    `json:"total_seized"`
	StartingHealth string    `json:"starting_health"`
	EndingHealth   string    `json:"ending_health"`
	Timestamp      time.Time `json:"timestamp"`
}

// LiquidationPage is a page of liquidations, newest first. NextBefore is
// the cursor for the following page, 0 when exhausted.
type LiquidationPage struct {
	Liquidations []LiquidationView `json:"liquidations"`
	NextBefore   int64             `json:"next_before,omitempty"`
	AsOfSequence int64             `json:"as_of_sequence"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy       bool                `json:"is_healthy"`
	LastSequence    int64               `json:"last_sequence"`
	HashChainBreaks []int64             `json:"hash_chain_breaks,omitempty"`
	Undercollateral []SolvencyViolation `json:"undercollateralized,omitempty"`
}

// SolvencyViolation is an indebted user below the minimum health factor.
type SolvencyViolation struct {
	User         string `json:"user"`
	HealthFactor string `json:"health_factor"`
}
