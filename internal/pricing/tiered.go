package pricing

// Tiered is the basic/premium model: a wallet credit buys a free basic
// unlock, basic holders can upgrade to premium for the price difference.
type Tiered struct {
	table Table
}

func (s *Tiered) Name() string { return ModeTiered }

func (s *Tiered) Offer(st State) Offer {
	switch st.ActiveTier {
	case TierPremium:
		return Offer{}
	case TierBasic:
		o, _ := s.Quote(st, TierPremium)
		return o
	}
	if st.Credits >= CreditUnit {
		return Offer{
			Tier:         TierBasic,
			Currency:     s.table.Currency,
			UseCredit:    true,
			CreditCost:   CreditUnit,
			MessageLimit: s.table.Quota.Basic,
		}
	}
	o, _ := s.Quote(st, TierBasic)
	return o
}

func (s *Tiered) Quote(st State, tier Tier) (Offer, error) {
	if tier != TierBasic && tier != TierPremium {
		return Offer{}, ErrUnknownTier
	}
	if st.ActiveTier.AtLeast(tier) {
		return Offer{}, ErrNoOffer
	}
	isUpgrade := tier == TierPremium && st.ActiveTier == TierBasic
	price, err := s.CanonicalPrice(tier, isUpgrade)
	if err != nil {
		return Offer{}, err
	}
	return Offer{
		Tier:         tier,
		Price:        price,
		Currency:     s.table.Currency,
		IsUpgrade:    isUpgrade,
		MessageLimit: s.MessageLimit(tier),
	}, nil
}

func (s *Tiered) CanonicalPrice(tier Tier, isUpgrade bool) (int64, error) {
	switch {
	case tier == TierBasic && !isUpgrade:
		return s.table.Basic, nil
	case tier == TierPremium && isUpgrade:
		return s.table.Upgrade, nil
	case tier == TierPremium:
		return s.table.Premium, nil
	default:
		return 0, ErrUnknownTier
	}
}

func (s *Tiered) MessageLimit(tier Tier) int {
	switch tier {
	case TierBasic:
		return s.table.Quota.Basic
	case TierPremium:
		return s.table.Quota.Premium
	default:
		return 0
	}
}
