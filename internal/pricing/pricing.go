// Package pricing decides what a user may unlock next and at what price.
//
// Everything here is pure: a Strategy maps the caller's current unlock state
// and wallet balance to an Offer, and answers the canonical price of a tier so
// order creation and payment verification agree on the amount. Prices come
// from a static Table loaded at startup and never from client input.
package pricing

import (
	"errors"
	"fmt"
	"math"
	"strconv"
)

var (
	ErrUnknownTier  = errors.New("pricing: unknown tier")
	ErrNoOffer      = errors.New("pricing: tier not purchasable from current state")
	ErrInvalidTable = errors.New("pricing: invalid price table")
)

// Tier is an unlock level. The zero value means "nothing unlocked".
type Tier string

const (
	TierNone     Tier = ""
	TierBasic    Tier = "basic"
	TierPremium  Tier = "premium"
	TierStandard Tier = "standard" // single tier of the token economy
)

// Rank orders tiers; a record at a higher rank satisfies a lower one.
func (t Tier) Rank() int {
	switch t {
	case TierBasic, TierStandard:
		return 1
	case TierPremium:
		return 2
	default:
		return 0
	}
}

// AtLeast reports whether t satisfies other.
func (t Tier) AtLeast(other Tier) bool {
	return t.Rank() >= other.Rank() && t.Rank() > 0
}

// Valid reports whether t names a known tier.
func (t Tier) Valid() bool {
	return t.Rank() > 0
}

// ParseTier validates a tier name from a request or a stored row.
func ParseTier(s string) (Tier, error) {
	t := Tier(s)
	if !t.Valid() {
		return TierNone, fmt.Errorf("%w: %q", ErrUnknownTier, s)
	}
	return t, nil
}

// Credits is a wallet balance in hundredths of a credit (or token), so that
// fractional refunds stay exact.
type Credits int64

// CreditUnit is one whole credit.
const CreditUnit Credits = 100

// CreditsFromFloat converts a decimal amount such as 0.5 to Credits.
func CreditsFromFloat(f float64) Credits {
	return Credits(math.Round(f * float64(CreditUnit)))
}

// Float returns the decimal value.
func (c Credits) Float() float64 {
	return float64(c) / float64(CreditUnit)
}

func (c Credits) String() string {
	return strconv.FormatFloat(c.Float(), 'f', -1, 64)
}

// MarshalJSON renders credits as a JSON number (1.5, not 150).
func (c Credits) MarshalJSON() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalJSON accepts a JSON number.
func (c *Credits) UnmarshalJSON(b []byte) error {
	f, err := strconv.ParseFloat(string(b), 64)
	if err != nil {
		return fmt.Errorf("pricing: credits: %w", err)
	}
	*c = CreditsFromFloat(f)
	return nil
}

// State is what a strategy needs to know about the caller.
type State struct {
	ActiveTier Tier    // highest active unlock on the item, TierNone if none
	Credits    Credits // wallet balance
}

// Offer is the next action available to a user for one item.
type Offer struct {
	Tier         Tier    `json:"tier,omitempty"`
	Price        int64   `json:"price"` // minor units; 0 on the wallet path
	Currency     string  `json:"currency,omitempty"`
	IsUpgrade    bool    `json:"isUpgrade"`
	UseCredit    bool    `json:"useCredit"`
	CreditCost   Credits `json:"creditCost,omitempty"`
	MessageLimit int     `json:"messageLimit"` // 0 = unlimited
}

// Available reports whether anything can be bought at all.
func (o Offer) Available() bool {
	return o.Tier != TierNone
}

// Strategy is a pricing model.
type Strategy interface {
	// Name identifies the strategy in config and logs.
	Name() string

	// Offer returns the best next offer for the state. A zero Offer means the
	// user already holds the terminal tier.
	Offer(s State) Offer

	// Quote prices a specific tier for a paid order. It never returns a
	// wallet offer.
	Quote(s State, tier Tier) (Offer, error)

	// CanonicalPrice is the table price an order for tier must carry.
	CanonicalPrice(tier Tier, isUpgrade bool) (int64, error)

	// MessageLimit is the quota attached to a tier; 0 means unlimited.
	MessageLimit(tier Tier) int
}

// Mode names accepted by New.
const (
	ModeTiered = "tiered"
	ModeToken  = "token"
)

// New builds the strategy for mode over table.
func New(mode string, table Table) (Strategy, error) {
	if err := table.Validate(mode); err != nil {
		return nil, err
	}
	switch mode {
	case ModeTiered, "":
		return &Tiered{table: table}, nil
	case ModeToken:
		return &Token{table: table}, nil
	default:
		return nil, fmt.Errorf("pricing: unknown mode %q", mode)
	}
}
