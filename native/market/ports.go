package market

import (
	"context"
	"math/big"
)

// Custody is the asset-custody service. TransferPayout only dispatches the
// request; the answer is delivered later through Engine.Resolve. A returned
// error means the request was never sent.
type Custody interface {
	TransferPayout(ctx context.Context, req TransferPayout) error
}

// Transferer moves funds out of the engine. Transfers are fire-and-forget:
// failures belong to the currency service's own resolution mechanism and are
// only logged and counted here.
type Transferer interface {
	Transfer(ctx context.Context, currency Currency, recipient string, amount *big.Int) error
}

// Metrics receives settlement telemetry.
type Metrics interface {
	RecordSettlement(currency, state string)
	RecordPayoutRejection(reason string)
	RecordTransferFailure(currency, reason string)
	RecordBid(currency string)
	RecordListings(delta int)
}

type noopMetrics struct{}

func (noopMetrics) RecordSettlement(string, string)      {}
func (noopMetrics) RecordPayoutRejection(string)         {}
func (noopMetrics) RecordTransferFailure(string, string) {}
func (noopMetrics) RecordBid(string)                     {}
func (noopMetrics) RecordListings(int)                   {}

// CustodyFunc adapts a function to the Custody interface.
type CustodyFunc func(ctx context.Context, req TransferPayout) error

// TransferPayout implements Custody.
func (f CustodyFunc) TransferPayout(ctx context.Context, req TransferPayout) error {
	if f == nil {
		return errNilCustody
	}
	return f(ctx, req)
}

// TransferFunc adapts a function to the Transferer interface.
type TransferFunc func(ctx context.Context, currency Currency, recipient string, amount *big.Int) error

// Transfer implements Transferer.
func (f TransferFunc) Transfer(ctx context.Context, currency Currency, recipient string, amount *big.Int) error {
	if f == nil {
		return errNilTransfer
	}
	return f(ctx, currency, recipient, amount)
}
