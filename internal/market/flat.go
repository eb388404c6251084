package market

import (
	"time"

	"github.com/shopspring/decimal"
)

// FlatPrice is the flat row form shared by the query API and the manual
// importer: one field per zone, named <zone>_price_in_rs_per_mwh.
type FlatPrice struct {
	SettlementPeriodStart time.Time           `json:"settlement_period_start_datetime"`
	A1                    decimal.NullDecimal `json:"a1_price_in_rs_per_mwh"`
	A2                    decimal.NullDecimal `json:"a2_price_in_rs_per_mwh"`
	E1                    decimal.NullDecimal `json:"e1_price_in_rs_per_mwh"`
	E2                    decimal.NullDecimal `json:"e2_price_in_rs_per_mwh"`
	N1                    decimal.NullDecimal `json:"n1_price_in_rs_per_mwh"`
	N2                    decimal.NullDecimal `json:"n2_price_in_rs_per_mwh"`
	N3                    decimal.NullDecimal `json:"n3_price_in_rs_per_mwh"`
	S1                    decimal.NullDecimal `json:"s1_price_in_rs_per_mwh"`
	S2                    decimal.NullDecimal `json:"s2_price_in_rs_per_mwh"`
	S3                    decimal.NullDecimal `json:"s3_price_in_rs_per_mwh"`
	W1                    decimal.NullDecimal `json:"w1_price_in_rs_per_mwh"`
	W2                    decimal.NullDecimal `json:"w2_price_in_rs_per_mwh"`
	W3                    decimal.NullDecimal `json:"w3_price_in_rs_per_mwh"`
	MCP                   decimal.NullDecimal `json:"mcp_price_in_rs_per_mwh"`
	SessionID             *string             `json:"session_id,omitempty"`
}

// zones follows the order of Zones.
func (f *FlatPrice) zones() [ZoneCount]*decimal.NullDecimal {
	return [ZoneCount]*decimal.NullDecimal{
		&f.A1, &f.A2, &f.E1, &f.E2, &f.N1, &f.N2, &f.N3,
		&f.S1, &f.S2, &f.S3, &f.W1, &f.W2, &f.W3,
	}
}

// Flatten converts rec with its start expressed in loc.
func Flatten(rec PriceRecord, loc *time.Location) FlatPrice {
	flat := FlatPrice{
		SettlementPeriodStart: rec.SettlementPeriodStart.In(loc),
		MCP:                   rec.MarketClearingPrice,
	}
	if rec.Market == RTM {
		flat.SessionID = rec.SessionID
	}
	for i, field := range flat.zones() {
		*field = rec.ZonePrices[i]
	}
	return flat
}

// Record converts f into a PriceRecord of market m. Session ids are kept for RTM only.
func (f FlatPrice) Record(m Type, loc *time.Location) PriceRecord {
	rec := PriceRecord{
		Market:                m,
		SettlementPeriodStart: f.SettlementPeriodStart.In(loc),
		MarketClearingPrice:   f.MCP,
	}
	if m == RTM {
		rec.SessionID = f.SessionID
	}
	for i, field := range f.zones() {
		rec.ZonePrices[i] = *field
	}
	return rec
}
