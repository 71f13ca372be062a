package matrix

// SetReferralCodes swaps the referral code generator.
func SetReferralCodes(e *Engine, next func() (string, error)) {
	e.codes = next
}
