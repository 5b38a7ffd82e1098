package domain

// WithinLTVCeiling reports whether tokenAmount stays at or under the
// loan-to-value ceiling, expressed in basis points of the appraised value.
// 7000 bps means at most 70% of the appraisal may be issued as tokens.
func WithinLTVCeiling(appraisedValue, tokenAmount int64, ceilingBps int64) bool {
	if appraisedValue <= 0 || tokenAmount <= 0 || ceilingBps <= 0 {
		return false
	}
	return tokenAmount <= MaxIssuable(appraisedValue, ceilingBps)
}

// MaxIssuable returns the largest token amount the ceiling allows for the
// given appraisal. The product is decomposed around the bps divisor so the
// arithmetic cannot overflow int64 for any appraisal; a naive
// appraisedValue*ceilingBps wraps for large inputs and would let an
// oversized issuance slip under the ceiling.
func MaxIssuable(appraisedValue, ceilingBps int64) int64 {
	if appraisedValue <= 0 || ceilingBps <= 0 {
		return 0
	}
	// The ceiling can never exceed the full appraisal.
	if ceilingBps > 10000 {
		ceilingBps = 10000
	}
	q, r := appraisedValue/10000, appraisedValue%10000
	return q*ceilingBps + r*ceilingBps/10000
}
