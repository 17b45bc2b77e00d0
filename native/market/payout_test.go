package market

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParsePayout(t *testing.T) {
	cases := []struct {
		name    string
		payload string
		want    map[string]int64
		wantErr bool
	}{
		{name: "wrapped", payload: `{"payout":{"a":"97","b":"3"}}`, want: map[string]int64{"a": 97, "b": 3}},
		{name: "bare", payload: `{"a":"100"}`, want: map[string]int64{"a": 100}},
		{name: "numbers", payload: `{"payout":{"a":60,"b":40}}`, want: map[string]int64{"a": 60, "b": 40}},
		{name: "extra fields ignored", payload: `{"payout":{"ownerA":"97","royaltyB":"3"},"memo":"minted"}`, want: map[string]int64{"ownerA": 97, "royaltyB": 3}},
		{name: "payout not an object", payload: `{"payout":"100"}`, wantErr: true},
		{name: "payout null", payload: `{"payout":null}`, wantErr: true},
		{name: "payout array", payload: `{"payout":[{"a":"1"}]}`, wantErr: true},
		{name: "empty body", payload: ``, wantErr: true},
		{name: "negative", payload: `{"payout":{"a":"-1"}}`, wantErr: true},
		{name: "fraction", payload: `{"payout":{"a":"1.5"}}`, wantErr: true},
		{name: "empty recipient", payload: `{"payout":{"":"1"}}`, wantErr: true},
		{name: "not an object", payload: `["a"]`, wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			payout, err := ParsePayout([]byte(tc.payload))
			if tc.wantErr {
				require.ErrorIs(t, err, ErrInvalidPayout)
				return
			}
			require.NoError(t, err)
			require.Len(t, payout, len(tc.want))
			for recipient, amount := range tc.want {
				require.Equal(t, amount, payout[recipient].Int64(), recipient)
			}
		})
	}
}

func TestParsePayoutLargeAmount(t *testing.T) {
	payout, err := ParsePayout([]byte(`{"payout":{"a":"340282366920938463463374607431768211456"}}`))
	require.NoError(t, err)
	expected, _ := new(big.Int).SetString("340282366920938463463374607431768211456", 10)
	require.Zero(t, expected.Cmp(payout["a"]))
}

func TestValidatePayout(t *testing.T) {
	price := big.NewInt(100)
	tolerance := big.NewInt(1)
	mk := func(amounts ...int64) Payout {
		p := make(Payout)
		for i, a := range amounts {
			p[string(rune('a'+i))] = big.NewInt(a)
		}
		return p
	}
	cases := []struct {
		name        string
		payout      Payout
		outstanding int
		err         error
	}{
		{name: "exact", payout: mk(97, 3)},
		{name: "one short", payout: mk(99)},
		{name: "two short", payout: mk(98), err: ErrInvalidPayout},
		{name: "over", payout: mk(97, 3, 1), err: ErrInvalidPayout},
		{name: "empty", payout: mk(), err: ErrInvalidPayout},
		{name: "bound includes bids", payout: mk(10, 10, 10, 10, 10, 10, 10, 10, 10, 10), outstanding: 1, err: ErrTooManyRecipients},
		{name: "bound reached", payout: mk(10, 10, 10, 10, 10, 10, 10, 10, 10, 10)},
		{name: "bound checked before emptiness", payout: mk(), outstanding: 11, err: ErrTooManyRecipients},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidatePayout(tc.payout, price, tc.outstanding, DefaultMaxRecipients, tolerance)
			if tc.err == nil {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, tc.err)
		})
	}
}

func TestPlaceBidRules(t *testing.T) {
	l := &Listing{Prices: map[Currency]*big.Int{"near": big.NewInt(100)}}

	_, err := placeBid(l, "near", "bob", big.NewInt(0))
	require.ErrorIs(t, err, ErrInvalidBid)
	_, err = placeBid(l, "near", "bob", big.NewInt(100))
	require.ErrorIs(t, err, ErrPriceReached)

	outbid, err := placeBid(l, "near", "bob", big.NewInt(50))
	require.NoError(t, err)
	require.Nil(t, outbid)

	_, err = placeBid(l, "near", "carol", big.NewInt(50))
	require.ErrorIs(t, err, ErrBidTooLow)

	outbid, err = placeBid(l, "near", "carol", big.NewInt(51))
	require.NoError(t, err)
	require.Equal(t, "bob", outbid.Bidder)

	// Unpriced currencies accept any positive bid.
	_, err = placeBid(l, "usdc", "dave", big.NewInt(1_000_000))
	require.NoError(t, err)

	refunds := drainBids(l)
	require.Len(t, refunds, 2)
	require.Equal(t, Currency("near"), refunds[0].Currency)
	require.Equal(t, "carol", refunds[0].Recipient)
	require.Empty(t, l.Bids)

	_, err = takeBid(l, "near")
	require.ErrorIs(t, err, ErrNotFound)
}
