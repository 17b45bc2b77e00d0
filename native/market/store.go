package market

import "math/big"

// Store is the persistent backend of the engine. Update runs fn inside a
// single atomic transaction: either every write made through the Tx is
// committed or none is.
type Store interface {
	View(fn func(Tx) error) error
	Update(fn func(Tx) error) error
}

// Tx exposes the registry, quota balances, the supported currency set and the
// settlement continuations inside one transaction. InsertListing and
// DeleteListing maintain the owner, custodian and asset-type indexes together
// with the primary record.
type Tx interface {
	Listing(key ListingKey) (*Listing, bool, error)
	InsertListing(l *Listing) error
	PutListing(l *Listing) error
	DeleteListing(key ListingKey) (*Listing, error)
	KeysByOwner(owner string) ([]ListingKey, error)
	KeysByCustodian(custodian string) ([]ListingKey, error)
	KeysByAssetType(assetType string) ([]ListingKey, error)
	CountByOwner(owner string) (uint64, error)

	StoragePaid(principal string) (*big.Int, error)
	SetStoragePaid(principal string, amount *big.Int) error

	HasCurrency(c Currency) (bool, error)
	AddCurrency(c Currency) (bool, error)
	Currencies() ([]Currency, error)

	PutPending(p *PendingSettlement) error
	Pending(id string) (*PendingSettlement, bool, error)
	DeletePending(id string) error
	PendingSettlements() ([]*PendingSettlement, error)
}
