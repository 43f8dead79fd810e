package ingestion

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"DefiLedger/internal/asset"
	"DefiLedger/internal/fault"
	fpmath "DefiLedger/internal/math"
)

var ErrMalformedUpdate = fault.New(fault.KindValidation, "ingestion: malformed price update")

// PriceUpdate is a reference-unit price for one asset, as published on
// defi.prices.<code>.
type PriceUpdate struct {
	Asset       asset.Asset
	Price       fpmath.Amount
	PublishedAt time.Time
}

// --- JSON wire format ---
// Field names use snake_case to match upstream producers. Prices are decimal
// strings so no precision is lost in transit.

type priceUpdateJSON struct {
	Asset       string `json:"asset"`
	Price       string `json:"price"`
	TimestampUs int64  `json:"timestamp_us"`
}

// ParsePriceUpdate validates a raw price message. The last subject token must
// name the asset's code.
func ParsePriceUpdate(subject string, data []byte) (PriceUpdate, error) {
	var j priceUpdateJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return PriceUpdate{}, fmt.Errorf("%w: %v", ErrMalformedUpdate, err)
	}

	a, err := asset.Parse(j.Asset)
	if err != nil {
		return PriceUpdate{}, fmt.Errorf("parse asset: %w", err)
	}
	if tok := subjectToken(subject); tok != "" && !strings.EqualFold(tok, a.Code) {
		return PriceUpdate{}, fault.Invalid("subject", fmt.Sprintf("%q does not match asset %s", subject, a))
	}

	price, err := fpmath.ParseAmount(j.Price)
	if err != nil {
		return PriceUpdate{}, fmt.Errorf("%w: price: %v", ErrMalformedUpdate, err)
	}
	if err := fault.RequirePositive("price", price); err != nil {
		return PriceUpdate{}, err
	}
	if j.TimestampUs <= 0 {
		return PriceUpdate{}, fault.Invalid("timestamp_us", "must be set")
	}

	return PriceUpdate{
		Asset:       a,
		Price:       price,
		PublishedAt: time.UnixMicro(j.TimestampUs).UTC(),
	}, nil
}

// subjectToken returns the part after PriceSubjectBase, or "" for other
// subjects.
func subjectToken(subject string) string {
	rest, ok := strings.CutPrefix(subject, PriceSubjectBase+".")
	if !ok {
		return ""
	}
	return rest
}
