package types

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

// BucketFill is the running total credited to one named waterfall bucket.
type BucketFill struct {
	Name   string          `json:"name"`
	Filled decimal.Decimal `json:"filled"`
}

// BucketFills keeps bucket totals in plan order and is persisted as JSONB.
type BucketFills []BucketFill

// Value marshals the fills into JSON for Postgres.
func (b BucketFills) Value() (driver.Value, error) {
	if b == nil {
		return "[]", nil
	}
	buf, err := json.Marshal(b)
	if err != nil {
		return nil, err
	}
	return string(buf), nil
}

// Scan decodes JSONB into the slice.
func (b *BucketFills) Scan(value interface{}) error {
	if value == nil {
		*b = nil
		return nil
	}

	var raw []byte
	switch v := value.(type) {
	case string:
		raw = []byte(v)
	case []byte:
		raw = v
	default:
		return fmt.Errorf("bucket fills: unsupported scan type %T", value)
	}

	var result BucketFills
	if err := json.Unmarshal(raw, &result); err != nil {
		return err
	}
	*b = result
	return nil
}

// Filled returns the amount recorded for name, zero when absent.
func (b BucketFills) Filled(name string) decimal.Decimal {
	for _, fill := range b {
		if fill.Name == name {
			return fill.Filled
		}
	}
	return decimal.Zero
}

// Set overwrites the amount for name, appending the bucket when it is new.
func (b BucketFills) Set(name string, filled decimal.Decimal) BucketFills {
	for i := range b {
		if b[i].Name == name {
			b[i].Filled = filled
			return b
		}
	}
	return append(b, BucketFill{Name: name, Filled: filled})
}

// Total sums every fill.
func (b BucketFills) Total() decimal.Decimal {
	total := decimal.Zero
	for _, fill := range b {
		total = total.Add(fill.Filled)
	}
	return total
}
