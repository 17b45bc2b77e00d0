package market

import (
	"fmt"
	"math/big"
	"sort"
	"sync"
)

type keySet map[ListingKey]struct{}

type memState struct {
	listings    map[ListingKey]*Listing
	byOwner     map[string]keySet
	byCustodian map[string]keySet
	byAssetType map[string]keySet
	storage     map[string]*big.Int
	currencies  map[Currency]struct{}
	pending     map[string]*PendingSettlement
}

func newMemState() *memState {
	return &memState{
		listings:    make(map[ListingKey]*Listing),
		byOwner:     make(map[string]keySet),
		byCustodian: make(map[string]keySet),
		byAssetType: make(map[string]keySet),
		storage:     make(map[string]*big.Int),
		currencies:  make(map[Currency]struct{}),
		pending:     make(map[string]*PendingSettlement),
	}
}

// MemoryStore is an in-process Store. Update writes in place and keeps an undo
// log that is replayed when fn fails.
type MemoryStore struct {
	mu    sync.RWMutex
	state *memState
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: newMemState()}
}

// View implements Store.
func (s *MemoryStore) View(fn func(Tx) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(&memTx{state: s.state, readOnly: true})
}

// Update implements Store.
func (s *MemoryStore) Update(fn func(Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx := &memTx{state: s.state}
	committed := false
	defer func() {
		if !committed {
			tx.rollback()
		}
	}()
	if err := fn(tx); err != nil {
		return err
	}
	committed = true
	return nil
}

type memTx struct {
	state    *memState
	readOnly bool
	undo     []func()
}

func (t *memTx) rollback() {
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.undo = nil
}

func setEntry[K comparable, V any](t *memTx, m map[K]V, key K, value V) {
	prev, had := m[key]
	m[key] = value
	t.undo = append(t.undo, func() {
		if had {
			m[key] = prev
		} else {
			delete(m, key)
		}
	})
}

func deleteEntry[K comparable, V any](t *memTx, m map[K]V, key K) {
	prev, had := m[key]
	if !had {
		return
	}
	delete(m, key)
	t.undo = append(t.undo, func() { m[key] = prev })
}

func (t *memTx) addIndex(index map[string]keySet, name string, key ListingKey) {
	if _, ok := index[name][key]; ok {
		return
	}
	addToIndex(index, name, key)
	t.undo = append(t.undo, func() { removeFromIndex(index, name, key) })
}

func (t *memTx) removeIndex(index map[string]keySet, name string, key ListingKey) {
	if _, ok := index[name][key]; !ok {
		return
	}
	removeFromIndex(index, name, key)
	t.undo = append(t.undo, func() { addToIndex(index, name, key) })
}

func (t *memTx) writable() error {
	if t.readOnly {
		return errReadOnlyTx
	}
	return nil
}

func addToIndex(index map[string]keySet, name string, key ListingKey) {
	set, ok := index[name]
	if !ok {
		set = make(keySet)
		index[name] = set
	}
	set[key] = struct{}{}
}

func removeFromIndex(index map[string]keySet, name string, key ListingKey) {
	set, ok := index[name]
	if !ok {
		return
	}
	delete(set, key)
	if len(set) == 0 {
		delete(index, name)
	}
}

func indexKeys(index map[string]keySet, name string) []ListingKey {
	set := index[name]
	out := make([]ListingKey, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	SortKeys(out)
	return out
}

func (t *memTx) Listing(key ListingKey) (*Listing, bool, error) {
	l, ok := t.state.listings[key]
	if !ok {
		return nil, false, nil
	}
	return l.Clone(), true, nil
}

func (t *memTx) InsertListing(l *Listing) error {
	if err := t.writable(); err != nil {
		return err
	}
	key := l.Key()
	if _, exists := t.state.listings[key]; exists {
		return fmt.Errorf("%w: %s", ErrListingExists, key)
	}
	setEntry(t, t.state.listings, key, l.Clone())
	t.addIndex(t.state.byOwner, l.Owner, key)
	t.addIndex(t.state.byCustodian, l.Custodian, key)
	if l.AssetType != "" {
		t.addIndex(t.state.byAssetType, l.AssetType, key)
	}
	return nil
}

func (t *memTx) PutListing(l *Listing) error {
	if err := t.writable(); err != nil {
		return err
	}
	key := l.Key()
	current, ok := t.state.listings[key]
	if !ok {
		return fmt.Errorf("%w: listing %s", ErrNotFound, key)
	}
	if current.Owner != l.Owner || current.AssetType != l.AssetType {
		return fmt.Errorf("%w: indexed fields are immutable", ErrInvalidListing)
	}
	setEntry(t, t.state.listings, key, l.Clone())
	return nil
}

func (t *memTx) DeleteListing(key ListingKey) (*Listing, error) {
	if err := t.writable(); err != nil {
		return nil, err
	}
	l, ok := t.state.listings[key]
	if !ok {
		return nil, fmt.Errorf("%w: listing %s", ErrNotFound, key)
	}
	deleteEntry(t, t.state.listings, key)
	t.removeIndex(t.state.byOwner, l.Owner, key)
	t.removeIndex(t.state.byCustodian, l.Custodian, key)
	if l.AssetType != "" {
		t.removeIndex(t.state.byAssetType, l.AssetType, key)
	}
	return l.Clone(), nil
}

func (t *memTx) KeysByOwner(owner string) ([]ListingKey, error) {
	return indexKeys(t.state.byOwner, owner), nil
}

func (t *memTx) KeysByCustodian(custodian string) ([]ListingKey, error) {
	return indexKeys(t.state.byCustodian, custodian), nil
}

func (t *memTx) KeysByAssetType(assetType string) ([]ListingKey, error) {
	return indexKeys(t.state.byAssetType, assetType), nil
}

func (t *memTx) CountByOwner(owner string) (uint64, error) {
	return uint64(len(t.state.byOwner[owner])), nil
}

func (t *memTx) StoragePaid(principal string) (*big.Int, error) {
	return cloneAmount(t.state.storage[principal]), nil
}

func (t *memTx) SetStoragePaid(principal string, amount *big.Int) error {
	if err := t.writable(); err != nil {
		return err
	}
	if amount == nil || amount.Sign() == 0 {
		deleteEntry(t, t.state.storage, principal)
		return nil
	}
	setEntry(t, t.state.storage, principal, cloneAmount(amount))
	return nil
}

func (t *memTx) HasCurrency(c Currency) (bool, error) {
	_, ok := t.state.currencies[c]
	return ok, nil
}

func (t *memTx) AddCurrency(c Currency) (bool, error) {
	if err := t.writable(); err != nil {
		return false, err
	}
	if _, ok := t.state.currencies[c]; ok {
		return false, nil
	}
	setEntry(t, t.state.currencies, c, struct{}{})
	return true, nil
}

func (t *memTx) Currencies() ([]Currency, error) {
	out := make([]Currency, 0, len(t.state.currencies))
	for c := range t.state.currencies {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (t *memTx) PutPending(p *PendingSettlement) error {
	if err := t.writable(); err != nil {
		return err
	}
	setEntry(t, t.state.pending, p.ID, p.Clone())
	return nil
}

func (t *memTx) Pending(id string) (*PendingSettlement, bool, error) {
	p, ok := t.state.pending[id]
	if !ok {
		return nil, false, nil
	}
	return p.Clone(), true, nil
}

func (t *memTx) DeletePending(id string) error {
	if err := t.writable(); err != nil {
		return err
	}
	deleteEntry(t, t.state.pending, id)
	return nil
}

func (t *memTx) PendingSettlements() ([]*PendingSettlement, error) {
	out := make([]*PendingSettlement, 0, len(t.state.pending))
	for _, p := range t.state.pending {
		out = append(out, p.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt < out[j].CreatedAt
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}
