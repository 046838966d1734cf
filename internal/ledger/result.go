package ledger

import (
	"errors"
	"fmt"
)

// ErrInvariant marks a cache state the engine refuses to build on, such as a
// source pledge holding less than the amount the chain moved out of it.
var ErrInvariant = errors.New("ledger invariant violated")

// Outcome classifies how a handler finished.
type Outcome int

const (
	Applied Outcome = iota
	Skipped
	NotFound
	Rejected
)

func (o Outcome) String() string {
	switch o {
	case Applied:
		return "applied"
	case Skipped:
		return "skipped"
	case NotFound:
		return "not_found"
	case Rejected:
		return "rejected"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

// Result is what applying one event produced.
type Result struct {
	Outcome Outcome
	Reason  string
}

func applied() Result {
	return Result{Outcome: Applied}
}

func skipped(format string, args ...interface{}) Result {
	return Result{Outcome: Skipped, Reason: fmt.Sprintf(format, args...)}
}

func notFound(format string, args ...interface{}) Result {
	return Result{Outcome: NotFound, Reason: fmt.Sprintf(format, args...)}
}

func rejected(format string, args ...interface{}) Result {
	return Result{Outcome: Rejected, Reason: fmt.Sprintf(format, args...)}
}

func invariant(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvariant, fmt.Sprintf(format, args...))
}

// abort carries a non-applied result out of a store transaction so that
// anything written before the decision is rolled back.
type abort struct {
	res Result
}

func (a abort) Error() string {
	return a.res.Outcome.String() + ": " + a.res.Reason
}
