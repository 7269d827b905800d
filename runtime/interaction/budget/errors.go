package budget

import (
	"errors"
	"fmt"
)

// ErrCostLimit matches every CostLimitError through errors.Is.
var ErrCostLimit = errors.New("cost limit exceeded")

// Units of a CostLimitError.
const (
	UnitTokens = "tokens"
	UnitUSD    = "usd"
)

// CostLimitError reports that a token budget or spend cap would be breached.
// It is returned before any network call is made so callers can decide to
// wait, raise the limit or abort.
type CostLimitError struct {
	// Limit is the configured ceiling.
	Limit float64
	// Current is the consumption so far.
	Current float64
	// Requested is the additional consumption the refused call needed.
	Requested float64
	// Unit is UnitTokens or UnitUSD.
	Unit string
	// Reason is the budget decision that triggered the refusal, if any.
	Reason string
	// Kind names the token rule that refused the call. Empty for spend
	// caps.
	Kind Limit
	// NeedsCompaction reports that the call is too large on its own and
	// compacting the conversation could make it fit.
	NeedsCompaction bool
}

// Error implements error.
func (e *CostLimitError) Error() string {
	msg := fmt.Sprintf("cost limit exceeded: limit=%g %s current=%g requested=%g", e.Limit, e.Unit, e.Current, e.Requested)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

// Is makes errors.Is(err, ErrCostLimit) hold.
func (e *CostLimitError) Is(target error) bool { return target == ErrCostLimit }

// AsCostLimitError returns the first CostLimitError in err's chain, if any.
func AsCostLimitError(err error) (*CostLimitError, bool) {
	var ce *CostLimitError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

// TokenLimitError builds the CostLimitError of a refused budget decision.
// Limit and Current come from the rule that refused the request.
func TokenLimitError(d Decision, requested int) *CostLimitError {
	return &CostLimitError{
		Limit:           float64(d.Ceiling),
		Current:         float64(d.Consumed),
		Requested:       float64(requested),
		Unit:            UnitTokens,
		Reason:          d.Reason,
		Kind:            d.Limit,
		NeedsCompaction: d.NeedsCompaction,
	}
}
