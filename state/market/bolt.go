package market

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"

	nativemarket "bazaar/native/market"
)

var (
	bucketListings    = []byte("listings")
	bucketByOwner     = []byte("by_owner")
	bucketByCustodian = []byte("by_custodian")
	bucketByAssetType = []byte("by_asset_type")
	bucketQuota       = []byte("quota")
	bucketCurrencies  = []byte("currencies")
	bucketPending     = []byte("pending")

	allBuckets = [][]byte{
		bucketListings, bucketByOwner, bucketByCustodian, bucketByAssetType,
		bucketQuota, bucketCurrencies, bucketPending,
	}

	errCorruptKey = errors.New("market store: corrupt listing key")
)

// BoltStore persists the market state in a single bbolt file. Every index
// lives in the same database as the listings so one bolt transaction updates
// them together.
type BoltStore struct {
	db *bolt.DB
}

// Open opens (creating if needed) the store at path.
func Open(path string, options *bolt.Options) (*BoltStore, error) {
	if options == nil {
		options = &bolt.Options{Timeout: time.Second}
	} else if options.Timeout == 0 {
		options.Timeout = time.Second
	}
	db, err := bolt.Open(path, 0o600, options)
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &BoltStore{db: db}, nil
}

// Close releases the underlying Bolt database handle.
func (s *BoltStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// View implements nativemarket.Store.
func (s *BoltStore) View(fn func(nativemarket.Tx) error) error {
	return s.db.View(func(tx *bolt.Tx) error { return fn(&boltTx{tx: tx}) })
}

// Update implements nativemarket.Store.
func (s *BoltStore) Update(fn func(nativemarket.Tx) error) error {
	return s.db.Update(func(tx *bolt.Tx) error { return fn(&boltTx{tx: tx}) })
}

// encodeKey length-prefixes both components so that no pair of keys shares an
// encoding, whatever characters they contain.
func encodeKey(key nativemarket.ListingKey) []byte {
	buf := make([]byte, 0, 2*binary.MaxVarintLen64+len(key.Custodian)+len(key.AssetID))
	buf = binary.AppendUvarint(buf, uint64(len(key.Custodian)))
	buf = append(buf, key.Custodian...)
	buf = binary.AppendUvarint(buf, uint64(len(key.AssetID)))
	buf = append(buf, key.AssetID...)
	return buf
}

func decodeKey(raw []byte) (nativemarket.ListingKey, error) {
	var parts [2]string
	rest := raw
	for i := range parts {
		n, read := binary.Uvarint(rest)
		if read <= 0 || uint64(len(rest)-read) < n {
			return nativemarket.ListingKey{}, errCorruptKey
		}
		rest = rest[read:]
		parts[i] = string(rest[:n])
		rest = rest[n:]
	}
	if len(rest) != 0 {
		return nativemarket.ListingKey{}, errCorruptKey
	}
	return nativemarket.ListingKey{Custodian: parts[0], AssetID: parts[1]}, nil
}

type boltTx struct {
	tx *bolt.Tx
}

func (t *boltTx) Listing(key nativemarket.ListingKey) (*nativemarket.Listing, bool, error) {
	raw := t.tx.Bucket(bucketListings).Get(encodeKey(key))
	if raw == nil {
		return nil, false, nil
	}
	var l nativemarket.Listing
	if err := json.Unmarshal(raw, &l); err != nil {
		return nil, false, fmt.Errorf("market store: decode listing %s: %w", key, err)
	}
	if l.Bids == nil {
		l.Bids = make(map[nativemarket.Currency]nativemarket.Bid)
	}
	if l.Prices == nil {
		l.Prices = make(map[nativemarket.Currency]*big.Int)
	}
	return &l, true, nil
}

func (t *boltTx) putRecord(l *nativemarket.Listing) error {
	encoded, err := json.Marshal(l)
	if err != nil {
		return err
	}
	return t.tx.Bucket(bucketListings).Put(encodeKey(l.Key()), encoded)
}

func (t *boltTx) InsertListing(l *nativemarket.Listing) error {
	key := l.Key()
	encoded := encodeKey(key)
	if t.tx.Bucket(bucketListings).Get(encoded) != nil {
		return fmt.Errorf("%w: %s", nativemarket.ErrListingExists, key)
	}
	if err := t.putRecord(l); err != nil {
		return err
	}
	if err := addIndex(t.tx.Bucket(bucketByOwner), l.Owner, encoded); err != nil {
		return err
	}
	if err := addIndex(t.tx.Bucket(bucketByCustodian), l.Custodian, encoded); err != nil {
		return err
	}
	if l.AssetType != "" {
		return addIndex(t.tx.Bucket(bucketByAssetType), l.AssetType, encoded)
	}
	return nil
}

func (t *boltTx) PutListing(l *nativemarket.Listing) error {
	current, ok, err := t.Listing(l.Key())
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: listing %s", nativemarket.ErrNotFound, l.Key())
	}
	if current.Owner != l.Owner || current.AssetType != l.AssetType {
		return fmt.Errorf("%w: indexed fields are immutable", nativemarket.ErrInvalidListing)
	}
	return t.putRecord(l)
}

func (t *boltTx) DeleteListing(key nativemarket.ListingKey) (*nativemarket.Listing, error) {
	l, ok, err := t.Listing(key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: listing %s", nativemarket.ErrNotFound, key)
	}
	encoded := encodeKey(key)
	if err := t.tx.Bucket(bucketListings).Delete(encoded); err != nil {
		return nil, err
	}
	if err := removeIndex(t.tx.Bucket(bucketByOwner), l.Owner, encoded); err != nil {
		return nil, err
	}
	if err := removeIndex(t.tx.Bucket(bucketByCustodian), l.Custodian, encoded); err != nil {
		return nil, err
	}
	if l.AssetType != "" {
		if err := removeIndex(t.tx.Bucket(bucketByAssetType), l.AssetType, encoded); err != nil {
			return nil, err
		}
	}
	return l, nil
}

func addIndex(parent *bolt.Bucket, name string, encoded []byte) error {
	child, err := parent.CreateBucketIfNotExists([]byte(name))
	if err != nil {
		return err
	}
	return child.Put(encoded, []byte{})
}

// removeIndex drops the entry and deletes the per-name bucket once empty.
func removeIndex(parent *bolt.Bucket, name string, encoded []byte) error {
	child := parent.Bucket([]byte(name))
	if child == nil {
		return nil
	}
	if err := child.Delete(encoded); err != nil {
		return err
	}
	if k, _ := child.Cursor().First(); k == nil {
		return parent.DeleteBucket([]byte(name))
	}
	return nil
}

func indexKeys(parent *bolt.Bucket, name string) ([]nativemarket.ListingKey, error) {
	child := parent.Bucket([]byte(name))
	if child == nil {
		return []nativemarket.ListingKey{}, nil
	}
	out := make([]nativemarket.ListingKey, 0)
	err := child.ForEach(func(k, _ []byte) error {
		key, err := decodeKey(k)
		if err != nil {
			return err
		}
		out = append(out, key)
		return nil
	})
	if err != nil {
		return nil, err
	}
	nativemarket.SortKeys(out)
	return out, nil
}

func (t *boltTx) KeysByOwner(owner string) ([]nativemarket.ListingKey, error) {
	return indexKeys(t.tx.Bucket(bucketByOwner), owner)
}

func (t *boltTx) KeysByCustodian(custodian string) ([]nativemarket.ListingKey, error) {
	return indexKeys(t.tx.Bucket(bucketByCustodian), custodian)
}

func (t *boltTx) KeysByAssetType(assetType string) ([]nativemarket.ListingKey, error) {
	return indexKeys(t.tx.Bucket(bucketByAssetType), assetType)
}

func (t *boltTx) CountByOwner(owner string) (uint64, error) {
	child := t.tx.Bucket(bucketByOwner).Bucket([]byte(owner))
	if child == nil {
		return 0, nil
	}
	var n uint64
	err := child.ForEach(func(_, _ []byte) error {
		n++
		return nil
	})
	return n, err
}

func (t *boltTx) StoragePaid(principal string) (*big.Int, error) {
	raw := t.tx.Bucket(bucketQuota).Get([]byte(principal))
	return new(big.Int).SetBytes(raw), nil
}

func (t *boltTx) SetStoragePaid(principal string, amount *big.Int) error {
	bucket := t.tx.Bucket(bucketQuota)
	if amount == nil || amount.Sign() == 0 {
		return bucket.Delete([]byte(principal))
	}
	if amount.Sign() < 0 {
		return fmt.Errorf("market store: negative storage balance for %s", principal)
	}
	return bucket.Put([]byte(principal), amount.Bytes())
}

func (t *boltTx) HasCurrency(c nativemarket.Currency) (bool, error) {
	return t.tx.Bucket(bucketCurrencies).Get([]byte(c)) != nil, nil
}

func (t *boltTx) AddCurrency(c nativemarket.Currency) (bool, error) {
	bucket := t.tx.Bucket(bucketCurrencies)
	if bucket.Get([]byte(c)) != nil {
		return false, nil
	}
	return true, bucket.Put([]byte(c), []byte{1})
}

func (t *boltTx) Currencies() ([]nativemarket.Currency, error) {
	var out []nativemarket.Currency
	err := t.tx.Bucket(bucketCurrencies).ForEach(func(k, _ []byte) error {
		out = append(out, nativemarket.Currency(bytes.Clone(k)))
		return nil
	})
	return out, err
}

func (t *boltTx) PutPending(p *nativemarket.PendingSettlement) error {
	encoded, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return t.tx.Bucket(bucketPending).Put([]byte(p.ID), encoded)
}

func (t *boltTx) Pending(id string) (*nativemarket.PendingSettlement, bool, error) {
	raw := t.tx.Bucket(bucketPending).Get([]byte(id))
	if raw == nil {
		return nil, false, nil
	}
	var p nativemarket.PendingSettlement
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, false, fmt.Errorf("market store: decode settlement %s: %w", id, err)
	}
	return &p, true, nil
}

func (t *boltTx) DeletePending(id string) error {
	return t.tx.Bucket(bucketPending).Delete([]byte(id))
}

func (t *boltTx) PendingSettlements() ([]*nativemarket.PendingSettlement, error) {
	var out []*nativemarket.PendingSettlement
	err := t.tx.Bucket(bucketPending).ForEach(func(k, v []byte) error {
		var p nativemarket.PendingSettlement
		if err := json.Unmarshal(v, &p); err != nil {
			return fmt.Errorf("market store: decode settlement %s: %w", k, err)
		}
		out = append(out, &p)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortPending(out)
	return out, nil
}

func sortPending(out []*nativemarket.PendingSettlement) {
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt < out[j].CreatedAt
		}
		return out[i].ID < out[j].ID
	})
}
