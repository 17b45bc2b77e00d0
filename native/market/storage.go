package market

import (
	"context"
	"fmt"
	"math/big"
	"strings"
)

// UnitCost returns the storage charge of one listing.
func (e *Engine) UnitCost() *big.Int { return cloneAmount(e.params.UnitCost) }

// StoragePaid returns the prepaid storage balance of principal.
func (e *Engine) StoragePaid(principal string) (*big.Int, error) {
	var out *big.Int
	err := e.view(func(tx Tx) error {
		var err error
		out, err = tx.StoragePaid(principal)
		return err
	})
	return out, err
}

// CheckAdmissible reports whether principal may hold one more listing.
func (e *Engine) CheckAdmissible(principal string) error {
	return e.view(func(tx Tx) error {
		return assertAdmissible(tx, principal, e.params.UnitCost)
	})
}

// Deposit credits attached native funds to the principal's storage balance.
func (e *Engine) Deposit(ctx context.Context, principal string, amount *big.Int) (*big.Int, error) {
	if err := e.guard(); err != nil {
		return nil, err
	}
	principal = strings.TrimSpace(principal)
	if principal == "" {
		return nil, fmt.Errorf("%w: principal required", ErrUnauthorized)
	}
	if amount == nil || amount.Cmp(e.params.UnitCost) < 0 {
		return nil, fmt.Errorf("%w: deposit must cover at least %s", ErrInsufficientFunds, e.params.UnitCost)
	}
	var balance *big.Int
	_, err := e.execute(ctx, func(tx Tx, fx *effects) error {
		paid, err := creditStorage(tx, principal, amount)
		if err != nil {
			return err
		}
		balance = paid
		fx.emit(NewStorageDepositedEvent(principal, amount, paid))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return balance, nil
}

// Withdraw pays out the part of the storage balance not locked by listings.
func (e *Engine) Withdraw(ctx context.Context, principal string) (*big.Int, error) {
	if err := e.guard(); err != nil {
		return nil, err
	}
	var freed *big.Int
	_, err := e.execute(ctx, func(tx Tx, fx *effects) error {
		amount, err := releaseStorage(tx, principal, e.params.UnitCost)
		if err != nil {
			return err
		}
		freed = amount
		if amount.Sign() > 0 {
			fx.transfer(e.params.NativeCurrency, principal, amount, "storage_withdraw")
			fx.emit(NewStorageWithdrawnEvent(principal, amount))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return freed, nil
}
