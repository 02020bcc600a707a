package token

// Outcome is the resolution of a verification.
type Outcome int

const (
	Rejected Outcome = iota
	Accepted
	ChallengeIssued
)

func (o Outcome) String() string {
	switch o {
	case Accepted:
		return "accepted"
	case ChallengeIssued:
		return "challenge_issued"
	default:
		return "rejected"
	}
}

// Result is the return contract of every verification.
type Result struct {
	Outcome Outcome
	Serial  string
	// Counter is the consumed counter when the verification matched one.
	Counter       *uint64
	TransactionID string
	Message       string
	// Reason explains a rejection. It is nil for accepted results.
	Reason error
}

// Accepted reports whether the result authenticates the user.
func (r Result) Accepted() bool {
	return r.Outcome == Accepted
}
