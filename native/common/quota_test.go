package common

import (
	"errors"
	"math/big"
	"testing"
)

func TestCheckAdmissionRequiresHeadroom(t *testing.T) {
	unit := big.NewInt(100)

	if err := CheckAdmission(StorageQuota{Paid: big.NewInt(100), Listings: 0}, unit); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := CheckAdmission(StorageQuota{Paid: big.NewInt(100), Listings: 1}, unit); !errors.Is(err, ErrStorageQuotaExceeded) {
		t.Fatalf("expected ErrStorageQuotaExceeded, got %v", err)
	}
	if err := CheckAdmission(StorageQuota{Paid: big.NewInt(299), Listings: 2}, unit); !errors.Is(err, ErrStorageQuotaExceeded) {
		t.Fatalf("expected ErrStorageQuotaExceeded at boundary, got %v", err)
	}
	if err := CheckAdmission(StorageQuota{Paid: big.NewInt(300), Listings: 2}, unit); err != nil {
		t.Fatalf("unexpected error at boundary: %v", err)
	}
	if err := CheckAdmission(StorageQuota{}, unit); !errors.Is(err, ErrStorageQuotaExceeded) {
		t.Fatalf("expected nil balance to be rejected, got %v", err)
	}
	if err := CheckAdmission(StorageQuota{Paid: big.NewInt(1)}, big.NewInt(0)); !errors.Is(err, ErrStorageUnitInvalid) {
		t.Fatalf("expected ErrStorageUnitInvalid, got %v", err)
	}
}

func TestWithdrawableSubtractsConsumedFirst(t *testing.T) {
	unit := big.NewInt(100)

	free, err := Withdrawable(StorageQuota{Paid: big.NewInt(350), Listings: 2}, unit)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if free.Cmp(big.NewInt(150)) != 0 {
		t.Fatalf("unexpected withdrawable amount: %s", free)
	}

	if _, err := Withdrawable(StorageQuota{Paid: big.NewInt(150), Listings: 2}, unit); !errors.Is(err, ErrStorageUnderflow) {
		t.Fatalf("expected ErrStorageUnderflow, got %v", err)
	}

	zero, err := Withdrawable(StorageQuota{Paid: big.NewInt(200), Listings: 2}, unit)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if zero.Sign() != 0 {
		t.Fatalf("expected zero withdrawable, got %s", zero)
	}
}

func TestStaticPausesGuard(t *testing.T) {
	pauses := StaticPauses{"market": true}
	if err := Guard(pauses, "market"); !errors.Is(err, ErrModulePaused) {
		t.Fatalf("expected ErrModulePaused, got %v", err)
	}
	if err := Guard(pauses, "other"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := Guard(nil, "market"); err != nil {
		t.Fatalf("unexpected error for nil view: %v", err)
	}
}
