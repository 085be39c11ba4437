package pricing

// Token is the flat token economy: one tier, paid either with TokenCost
// wallet tokens or with the flat price.
type Token struct {
	table Table
}

func (s *Token) Name() string { return ModeToken }

func (s *Token) cost() Credits {
	return Credits(s.table.TokenCost) * CreditUnit
}

func (s *Token) Offer(st State) Offer {
	if st.ActiveTier.AtLeast(TierStandard) {
		return Offer{}
	}
	if st.Credits >= s.cost() {
		return Offer{
			Tier:         TierStandard,
			Currency:     s.table.Currency,
			UseCredit:    true,
			CreditCost:   s.cost(),
			MessageLimit: s.table.Quota.Standard,
		}
	}
	o, _ := s.Quote(st, TierStandard)
	return o
}

func (s *Token) Quote(st State, tier Tier) (Offer, error) {
	if tier != TierStandard {
		return Offer{}, ErrUnknownTier
	}
	if st.ActiveTier.AtLeast(tier) {
		return Offer{}, ErrNoOffer
	}
	return Offer{
		Tier:         TierStandard,
		Price:        s.table.Flat,
		Currency:     s.table.Currency,
		MessageLimit: s.table.Quota.Standard,
	}, nil
}

func (s *Token) CanonicalPrice(tier Tier, isUpgrade bool) (int64, error) {
	if tier != TierStandard || isUpgrade {
		return 0, ErrUnknownTier
	}
	return s.table.Flat, nil
}

func (s *Token) MessageLimit(tier Tier) int {
	if tier == TierStandard {
		return s.table.Quota.Standard
	}
	return 0
}
