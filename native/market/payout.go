package market

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"

	"github.com/holiman/uint256"
)

// DefaultMaxRecipients bounds the transfers a single resolution may issue,
// counting payout recipients and refunded bids together.
const DefaultMaxRecipients = 10

// Payout maps each recipient to the share of the sale price it receives.
type Payout map[string]*big.Int

// Recipients returns the payout recipients in sorted order.
func (p Payout) Recipients() []string {
	out := make([]string, 0, len(p))
	for r := range p {
		out = append(out, r)
	}
	sort.Strings(out)
	return out
}

// Total sums every payout entry.
func (p Payout) Total() *big.Int {
	sum := new(big.Int)
	for _, amt := range p {
		if amt != nil {
			sum.Add(sum, amt)
		}
	}
	return sum
}

// ParsePayout decodes a custody response. The canonical shape is
// {"payout": {...}}, where other top-level fields are ignored and "payout"
// must be an object. A bare recipient map is accepted only when it has no
// "payout" key. Amounts are unsigned decimal strings or JSON numbers.
func ParsePayout(payload []byte) (Payout, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("%w: empty response", ErrInvalidPayout)
	}
	var outer map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &outer); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayout, err)
	}
	entries := outer
	if inner, ok := outer["payout"]; ok {
		inner = bytes.TrimSpace(inner)
		if len(inner) == 0 || inner[0] != '{' {
			return nil, fmt.Errorf("%w: payout must be an object", ErrInvalidPayout)
		}
		entries = nil
		if err := json.Unmarshal(inner, &entries); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayout, err)
		}
	}
	payout := make(Payout, len(entries))
	for recipient, raw := range entries {
		if strings.TrimSpace(recipient) == "" {
			return nil, fmt.Errorf("%w: empty recipient", ErrInvalidPayout)
		}
		amount, err := parseAmount(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: recipient %s: %v", ErrInvalidPayout, recipient, err)
		}
		payout[recipient] = amount
	}
	return payout, nil
}

func parseAmount(raw json.RawMessage) (*big.Int, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, errors.New("missing amount")
	}
	text := string(raw)
	if raw[0] == '"' {
		if err := json.Unmarshal(raw, &text); err != nil {
			return nil, err
		}
	}
	value, err := uint256.FromDecimal(strings.TrimSpace(text))
	if err != nil {
		return nil, fmt.Errorf("amount %q: %w", text, err)
	}
	return value.ToBig(), nil
}

// ValidatePayout checks a payout against the sale price. The recipient bound
// is checked first and includes the outstanding bids that will be refunded
// alongside the payout. The sum may fall short of price by at most tolerance
// and may never exceed it.
func ValidatePayout(p Payout, price *big.Int, outstandingBids, maxRecipients int, tolerance *big.Int) error {
	if maxRecipients <= 0 {
		maxRecipients = DefaultMaxRecipients
	}
	if len(p)+outstandingBids > maxRecipients {
		return fmt.Errorf("%w: %d payouts and %d bids exceed %d", ErrTooManyRecipients, len(p), outstandingBids, maxRecipients)
	}
	if len(p) == 0 {
		return fmt.Errorf("%w: no recipients", ErrInvalidPayout)
	}
	if price == nil {
		price = big.NewInt(0)
	}
	if tolerance == nil {
		tolerance = big.NewInt(0)
	}
	remainder := new(big.Int).Sub(price, p.Total())
	if remainder.Sign() < 0 {
		return fmt.Errorf("%w: payout exceeds price by %s", ErrInvalidPayout, new(big.Int).Neg(remainder))
	}
	if remainder.Cmp(tolerance) > 0 {
		return fmt.Errorf("%w: payout short of price by %s", ErrInvalidPayout, remainder)
	}
	return nil
}

func rejectionReason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrTooManyRecipients):
		return "too_many_recipients"
	case errors.Is(err, ErrInvalidPayout):
		return "invalid_payout"
	default:
		return "transfer_failed"
	}
}
