package server

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/shopspring/decimal"
)

const toolsCall = "tools/call"

// Price decides what an operation costs. It is one of FlatPrice, PriceTable,
// PriceFunc or *DynamicPrice.
type Price interface {
	chargeFor(ctx context.Context, operation string) (decimal.Decimal, error)
}

// FlatPrice charges the same amount for every tools/call operation and
// nothing for anything else.
type FlatPrice decimal.Decimal

func (p FlatPrice) chargeFor(_ context.Context, operation string) (decimal.Decimal, error) {
	if operation == toolsCall || strings.HasPrefix(operation, toolsCall+":") {
		return decimal.Decimal(p), nil
	}
	return decimal.Zero, nil
}

// PriceTable maps operations to amounts. See ChargeForOperation.
type PriceTable map[string]decimal.Decimal

func (t PriceTable) chargeFor(_ context.Context, operation string) (decimal.Decimal, error) {
	return ChargeForOperation(operation, t), nil
}

// PriceFunc computes the amount for an operation.
type PriceFunc func(ctx context.Context, operation string) (decimal.Decimal, error)

func (f PriceFunc) chargeFor(ctx context.Context, operation string) (decimal.Decimal, error) {
	return f(ctx, operation)
}

// ChargeForOperation looks operation up in table. An exact entry wins. An
// operation starting with "tools/call:" falls back to a bare "tools/call"
// entry. No other operation gets a prefix match, and anything unmatched
// costs zero.
func ChargeForOperation(operation string, table PriceTable) decimal.Decimal {
	if amount, ok := table[operation]; ok {
		return amount
	}
	if strings.HasPrefix(operation, toolsCall+":") {
		if amount, ok := table[toolsCall]; ok {
			return amount
		}
	}
	return decimal.Zero
}

// ResolveCharge returns what operation costs under price. A nil price is free.
func ResolveCharge(ctx context.Context, price Price, operation string) (decimal.Decimal, error) {
	if price == nil {
		return decimal.Zero, nil
	}
	amount, err := price.chargeFor(ctx, operation)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to price %s: %w", operation, err)
	}
	if amount.IsNegative() {
		return decimal.Zero, fmt.Errorf("negative price %s for %s", amount, operation)
	}
	return amount, nil
}

// DynamicPrice is a PriceTable that can be replaced while requests are served.
type DynamicPrice struct {
	table atomic.Pointer[PriceTable]
}

// NewDynamicPrice creates a DynamicPrice starting with table.
func NewDynamicPrice(table PriceTable) *DynamicPrice {
	d := &DynamicPrice{}
	d.Store(table)
	return d
}

// Store replaces the table.
func (d *DynamicPrice) Store(table PriceTable) {
	cp := make(PriceTable, len(table))
	for op, amount := range table {
		cp[op] = amount
	}
	d.table.Store(&cp)
}

// Load returns the current table. It must not be modified.
func (d *DynamicPrice) Load() PriceTable {
	if t := d.table.Load(); t != nil {
		return *t
	}
	return nil
}

func (d *DynamicPrice) chargeFor(_ context.Context, operation string) (decimal.Decimal, error) {
	return ChargeForOperation(operation, d.Load()), nil
}
