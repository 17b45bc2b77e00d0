package common

import (
	"errors"
	"math/big"
)

var (
	ErrStorageQuotaExceeded = errors.New("storage quota exceeded")
	ErrStorageUnderflow     = errors.New("storage balance below consumed amount")
	ErrStorageUnitInvalid   = errors.New("storage unit cost must be positive")
)

// StorageQuota captures the prepaid storage balance of a principal together
// with the number of listings it currently holds.
type StorageQuota struct {
	Paid     *big.Int
	Listings uint64
}

// Consumed returns the amount of the prepaid balance that is locked by the
// principal's current listings.
func (q StorageQuota) Consumed(unit *big.Int) *big.Int {
	if unit == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Mul(new(big.Int).SetUint64(q.Listings), unit)
}

// CheckAdmission verifies that the prepaid balance covers the current listings
// plus the one about to be admitted.
func CheckAdmission(q StorageQuota, unit *big.Int) error {
	if unit == nil || unit.Sign() <= 0 {
		return ErrStorageUnitInvalid
	}
	paid := q.Paid
	if paid == nil {
		paid = big.NewInt(0)
	}
	required := new(big.Int).Mul(new(big.Int).SetUint64(q.Listings+1), unit)
	if paid.Cmp(required) < 0 {
		return ErrStorageQuotaExceeded
	}
	return nil
}

// Withdrawable returns the part of the prepaid balance not locked by listings.
// Consumed storage is subtracted first; a negative result is reported as
// ErrStorageUnderflow so callers can fail closed.
func Withdrawable(q StorageQuota, unit *big.Int) (*big.Int, error) {
	if unit == nil || unit.Sign() <= 0 {
		return nil, ErrStorageUnitInvalid
	}
	paid := q.Paid
	if paid == nil {
		paid = big.NewInt(0)
	}
	free := new(big.Int).Sub(paid, q.Consumed(unit))
	if free.Sign() < 0 {
		return nil, ErrStorageUnderflow
	}
	return free, nil
}
