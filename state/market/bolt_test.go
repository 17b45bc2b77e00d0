package market

import (
	"context"
	"math/big"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	nativemarket "bazaar/native/market"
)

func openTestStore(t *testing.T, path string) *BoltStore {
	t.Helper()
	store, err := Open(path, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestEncodedKeysDoNotCollide(t *testing.T) {
	a := nativemarket.ListingKey{Custodian: "a||b", AssetID: "c"}
	b := nativemarket.ListingKey{Custodian: "a", AssetID: "b||c"}
	require.NotEqual(t, encodeKey(a), encodeKey(b))

	for _, key := range []nativemarket.ListingKey{a, b, {Custodian: "", AssetID: ""}} {
		decoded, err := decodeKey(encodeKey(key))
		require.NoError(t, err)
		require.Equal(t, key, decoded)
	}
	_, err := decodeKey([]byte{5, 'a'})
	require.ErrorIs(t, err, errCorruptKey)
}

func TestBoltStoreIndexesStayConsistent(t *testing.T) {
	store := openTestStore(t, filepath.Join(t.TempDir(), "market.db"))
	listings := []*nativemarket.Listing{
		{Owner: "alice", Custodian: "a||b", AssetID: "c", Prices: map[nativemarket.Currency]*big.Int{"near": big.NewInt(5)}},
		{Owner: "alice", Custodian: "a", AssetID: "b||c:art", AssetType: "art"},
		{Owner: "bob", Custodian: "a", AssetID: "z:art", AssetType: "art"},
	}
	require.NoError(t, store.Update(func(tx nativemarket.Tx) error {
		for _, l := range listings {
			if err := tx.InsertListing(l); err != nil {
				return err
			}
		}
		return nil
	}))

	require.NoError(t, store.View(func(tx nativemarket.Tx) error {
		byOwner, err := tx.KeysByOwner("alice")
		require.NoError(t, err)
		require.Equal(t, []nativemarket.ListingKey{listings[1].Key(), listings[0].Key()}, byOwner)
		byCustodian, err := tx.KeysByCustodian("a")
		require.NoError(t, err)
		require.Len(t, byCustodian, 2)
		byType, err := tx.KeysByAssetType("art")
		require.NoError(t, err)
		require.Len(t, byType, 2)
		count, err := tx.CountByOwner("alice")
		require.NoError(t, err)
		require.Equal(t, uint64(2), count)

		l, ok, err := tx.Listing(listings[0].Key())
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, int64(5), l.Prices["near"].Int64())
		return nil
	}))

	require.NoError(t, store.Update(func(tx nativemarket.Tx) error {
		_, err := tx.DeleteListing(listings[2].Key())
		return err
	}))
	require.NoError(t, store.View(func(tx nativemarket.Tx) error {
		byOwner, err := tx.KeysByOwner("bob")
		require.NoError(t, err)
		require.Empty(t, byOwner)
		byType, err := tx.KeysByAssetType("art")
		require.NoError(t, err)
		require.Equal(t, []nativemarket.ListingKey{listings[1].Key()}, byType)
		return nil
	}))
}

func TestBoltStoreRollsBackOnError(t *testing.T) {
	store := openTestStore(t, filepath.Join(t.TempDir(), "market.db"))
	l := &nativemarket.Listing{Owner: "alice", Custodian: "c", AssetID: "1"}
	err := store.Update(func(tx nativemarket.Tx) error {
		require.NoError(t, tx.InsertListing(l))
		return tx.InsertListing(l)
	})
	require.ErrorIs(t, err, nativemarket.ErrListingExists)

	require.NoError(t, store.View(func(tx nativemarket.Tx) error {
		_, ok, err := tx.Listing(l.Key())
		require.NoError(t, err)
		require.False(t, ok)
		keys, err := tx.KeysByCustodian("c")
		require.NoError(t, err)
		require.Empty(t, keys)
		return nil
	}))
}

type noopCustody struct{}

func (noopCustody) TransferPayout(context.Context, nativemarket.TransferPayout) error { return nil }

type discardTransfers struct{}

func (discardTransfers) Transfer(context.Context, nativemarket.Currency, string, *big.Int) error {
	return nil
}

func TestEngineStateSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "market.db")
	params := nativemarket.Params{
		NativeCurrency: "near",
		UnitCost:       big.NewInt(10),
		Operator:       "operator",
	}
	ctx := context.Background()
	key := nativemarket.ListingKey{Custodian: "nft.custody", AssetID: "token-9"}

	store, err := Open(path, nil)
	require.NoError(t, err)
	engine, err := nativemarket.NewEngine(store, noopCustody{}, discardTransfers{}, params)
	require.NoError(t, err)
	_, err = engine.Deposit(ctx, "alice", big.NewInt(10))
	require.NoError(t, err)
	_, err = engine.OnApprove(ctx, nativemarket.ApprovalNotification{
		Custodian: key.Custodian,
		Signer:    "alice",
		Owner:     "alice",
		AssetID:   key.AssetID,
		Payload:   []byte(`{"sale_conditions":{"near":"100"}}`),
	})
	require.NoError(t, err)
	_, err = engine.Offer(ctx, "bob", key, big.NewInt(40), "")
	require.NoError(t, err)
	res, err := engine.Offer(ctx, "carol", key, big.NewInt(100), "")
	require.NoError(t, err)
	require.NoError(t, store.Close())

	store = openTestStore(t, path)
	engine, err = nativemarket.NewEngine(store, noopCustody{}, discardTransfers{}, params)
	require.NoError(t, err)

	pending, err := engine.PendingSettlements()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, res.Settlement.ID, pending[0].ID)
	require.Equal(t, nativemarket.SettlementAwaitingTransfer, pending[0].State)
	require.Equal(t, "bob", pending[0].Listing.Bids["near"].Bidder)

	paid, err := engine.StoragePaid("alice")
	require.NoError(t, err)
	require.Equal(t, int64(10), paid.Int64())

	outcome, err := engine.Resolve(ctx, res.Settlement.ID, nativemarket.CustodyResponse{Payload: []byte(`{"payout":{"alice":"100"}}`)})
	require.NoError(t, err)
	require.Equal(t, nativemarket.SettlementSettled, outcome.State)

	pending, err = engine.PendingSettlements()
	require.NoError(t, err)
	require.Empty(t, pending)
}
