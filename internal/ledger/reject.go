package ledger

import "errors"

// Kind classifies why an operation was rejected.
type Kind string

const (
	KindNone                 Kind = ""
	KindAuthorization        Kind = "AUTHORIZATION"
	KindInsufficientResource Kind = "INSUFFICIENT_RESOURCE"
	KindTiming               Kind = "TIMING"
	KindConsensus            Kind = "CONSENSUS"
	KindInvariant            Kind = "INVARIANT"
	KindCancelled            Kind = "CANCELLED"
)

type rejection struct {
	kind Kind
	err  error
}

func (r *rejection) Error() string { return r.err.Error() }

func (r *rejection) Unwrap() error { return r.err }

// Reject tags err with a rejection kind. Tagging a sentinel once at declaration is enough:
// wrapping it later with fmt.Errorf("%w") keeps the kind.
func Reject(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &rejection{kind: kind, err: err}
}

// Classify returns the outermost kind tagged on err, or KindInvariant for untagged errors.
func Classify(err error) Kind {
	if err == nil {
		return KindNone
	}
	var r *rejection
	if errors.As(err, &r) {
		return r.kind
	}
	return KindInvariant
}

// Sentinels shared across packages.
var (
	ErrUnauthorized = Reject(KindAuthorization, errors.New("caller not authorized"))
	ErrInvalidInput = Reject(KindInvariant, errors.New("invalid input"))
)
