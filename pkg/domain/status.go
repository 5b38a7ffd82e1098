package domain

type PledgeStatus string

const (
	StatusPending      PledgeStatus = "PENDING"
	StatusApproved     PledgeStatus = "APPROVED"
	StatusRejected     PledgeStatus = "REJECTED"
	StatusTokensMinted PledgeStatus = "TOKENS_MINTED"
	StatusRedeemed     PledgeStatus = "REDEEMED"
	StatusDefaulted    PledgeStatus = "DEFAULTED"
)

// transitions is the full lifecycle graph. Anything not listed here is
// forbidden, which makes every status move monotonic: a record can never
// return to an earlier state.
var transitions = map[PledgeStatus][]PledgeStatus{
	StatusPending:      {StatusApproved, StatusRejected},
	StatusApproved:     {StatusTokensMinted},
	StatusTokensMinted: {StatusRedeemed, StatusDefaulted},
}

func ValidStatus(s PledgeStatus) bool {
	switch s {
	case StatusPending, StatusApproved, StatusRejected, StatusTokensMinted, StatusRedeemed, StatusDefaulted:
		return true
	}
	return false
}

func CanTransition(from, to PledgeStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether the status has no outgoing transitions.
func Terminal(s PledgeStatus) bool {
	return len(transitions[s]) == 0
}
