package market

import (
	"errors"
	"fmt"
	"math/big"

	nativecommon "bazaar/native/common"
)

func loadQuota(tx Tx, principal string) (nativecommon.StorageQuota, error) {
	paid, err := tx.StoragePaid(principal)
	if err != nil {
		return nativecommon.StorageQuota{}, err
	}
	count, err := tx.CountByOwner(principal)
	if err != nil {
		return nativecommon.StorageQuota{}, err
	}
	return nativecommon.StorageQuota{Paid: paid, Listings: count}, nil
}

// assertAdmissible fails unless the principal's prepaid storage covers one
// more listing.
func assertAdmissible(tx Tx, principal string, unit *big.Int) error {
	q, err := loadQuota(tx, principal)
	if err != nil {
		return err
	}
	if err := nativecommon.CheckAdmission(q, unit); err != nil {
		if errors.Is(err, nativecommon.ErrStorageQuotaExceeded) {
			return fmt.Errorf("%w: %s has %s for %d listings", ErrInsufficientQuota, principal, q.Paid, q.Listings+1)
		}
		return err
	}
	return nil
}

func creditStorage(tx Tx, principal string, amount *big.Int) (*big.Int, error) {
	paid, err := tx.StoragePaid(principal)
	if err != nil {
		return nil, err
	}
	paid.Add(paid, amount)
	if err := tx.SetStoragePaid(principal, paid); err != nil {
		return nil, err
	}
	return paid, nil
}

// releaseStorage resets the principal's balance to what its listings consume
// and returns the freed amount. Nothing changes when the balance is already
// below consumption.
func releaseStorage(tx Tx, principal string, unit *big.Int) (*big.Int, error) {
	q, err := loadQuota(tx, principal)
	if err != nil {
		return nil, err
	}
	free, err := nativecommon.Withdrawable(q, unit)
	if err != nil {
		if errors.Is(err, nativecommon.ErrStorageUnderflow) {
			return nil, fmt.Errorf("%w: %s paid %s below consumed %s", ErrInsufficientQuota, principal, q.Paid, q.Consumed(unit))
		}
		return nil, err
	}
	if free.Sign() == 0 {
		return free, nil
	}
	if err := tx.SetStoragePaid(principal, q.Consumed(unit)); err != nil {
		return nil, err
	}
	return free, nil
}
