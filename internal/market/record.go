package market

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Zone is one of the exchange's bidding areas.
type Zone string

// ZoneCount is the number of bidding areas reported per settlement period.
const ZoneCount = 13

// Zones in the column order of the report table.
var Zones = [ZoneCount]Zone{
	"A1", "A2", "E1", "E2", "N1", "N2", "N3", "S1", "S2", "S3", "W1", "W2", "W3",
}

// ZoneIndex returns the position of z within Zones.
func ZoneIndex(z Zone) (int, bool) {
	for i, candidate := range Zones {
		if candidate == z {
			return i, true
		}
	}
	return -1, false
}

// PriceRecord holds the prices of one 15-minute settlement period in Rs/MWh.
// A missing price is an invalid NullDecimal, never zero.
type PriceRecord struct {
	Market                Type
	SettlementPeriodStart time.Time
	ZonePrices            [ZoneCount]decimal.NullDecimal
	MarketClearingPrice   decimal.NullDecimal
	SessionID             *string
}

// ZonePrice returns the price for z.
func (r PriceRecord) ZonePrice(z Zone) decimal.NullDecimal {
	idx, ok := ZoneIndex(z)
	if !ok {
		return decimal.NullDecimal{}
	}
	return r.ZonePrices[idx]
}

// Key is the dedup identity of a record.
type Key struct {
	Market Type
	Start  int64
}

// Key returns the (market, settlement start) identity.
func (r PriceRecord) Key() Key {
	return Key{Market: r.Market, Start: r.SettlementPeriodStart.UnixNano()}
}

type recordJSON struct {
	Market                Type                         `json:"market"`
	SettlementPeriodStart time.Time                    `json:"settlement_period_start"`
	ZonePrices            map[Zone]decimal.NullDecimal `json:"zone_prices"`
	MarketClearingPrice   decimal.NullDecimal          `json:"market_clearing_price"`
	SessionID             *string                      `json:"session_id,omitempty"`
}

// MarshalJSON renders zone prices as an object keyed by zone code.
func (r PriceRecord) MarshalJSON() ([]byte, error) {
	payload := recordJSON{
		Market:                r.Market,
		SettlementPeriodStart: r.SettlementPeriodStart,
		ZonePrices:            make(map[Zone]decimal.NullDecimal, ZoneCount),
		MarketClearingPrice:   r.MarketClearingPrice,
		SessionID:             r.SessionID,
	}
	for i, z := range Zones {
		payload.ZonePrices[z] = r.ZonePrices[i]
	}
	return json.Marshal(payload)
}

// UnmarshalJSON accepts the format produced by MarshalJSON.
func (r *PriceRecord) UnmarshalJSON(data []byte) error {
	var payload recordJSON
	if err := json.Unmarshal(data, &payload); err != nil {
		return err
	}
	out := PriceRecord{
		Market:                payload.Market,
		SettlementPeriodStart: payload.SettlementPeriodStart,
		MarketClearingPrice:   payload.MarketClearingPrice,
		SessionID:             payload.SessionID,
	}
	for z, price := range payload.ZonePrices {
		idx, ok := ZoneIndex(z)
		if !ok {
			return fmt.Errorf("unknown zone %q", z)
		}
		out.ZonePrices[idx] = price
	}
	*r = out
	return nil
}
