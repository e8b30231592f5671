package domain

import "fmt"

type Method string

const (
	MethodManual   Method = "manual"
	MethodAuto     Method = "auto"
	MethodBackfill Method = "backfill"
)

type Kind string

const (
	KindAllocation Kind = "allocation"
	// KindReversal lines are compensating entries counted negatively.
	KindReversal Kind = "reversal"
)

// Origin says how a ledger line came to exist. The method, synthetic and
// from_orphan columns are derived from it and never written independently.
type Origin interface {
	origin()
	String() string
}

type Manual struct{}

type Auto struct{}

// Backfill lines are synthetic; FromOrphan marks orphan distribution rows.
type Backfill struct {
	FromOrphan bool
}

func (Manual) origin()   {}
func (Auto) origin()     {}
func (Backfill) origin() {}

func (Manual) String() string { return string(MethodManual) }
func (Auto) String() string   { return string(MethodAuto) }
func (b Backfill) String() string {
	if b.FromOrphan {
		return "backfill_orphan"
	}
	return string(MethodBackfill)
}

// Columns returns the persisted representation of o.
func Columns(o Origin) (method Method, synthetic bool, fromOrphan bool, err error) {
	switch v := o.(type) {
	case Manual:
		return MethodManual, false, false, nil
	case Auto:
		return MethodAuto, false, false, nil
	case Backfill:
		return MethodBackfill, true, v.FromOrphan, nil
	default:
		return "", false, false, ErrInvalidOrigin
	}
}

// ParseOrigin is the inverse of Columns and rejects combinations Columns
// never produces.
func ParseOrigin(method string, synthetic, fromOrphan bool) (Origin, error) {
	switch Method(method) {
	case MethodManual, MethodAuto:
		if synthetic || fromOrphan {
			return nil, fmt.Errorf("%w: %s line flagged synthetic", ErrInvalidOrigin, method)
		}
		if Method(method) == MethodManual {
			return Manual{}, nil
		}
		return Auto{}, nil
	case MethodBackfill:
		if !synthetic {
			return nil, fmt.Errorf("%w: backfill line not synthetic", ErrInvalidOrigin)
		}
		return Backfill{FromOrphan: fromOrphan}, nil
	default:
		return nil, fmt.Errorf("%w: unknown method %q", ErrInvalidOrigin, method)
	}
}

func ParseMethod(value string) (Method, error) {
	switch Method(value) {
	case MethodManual, MethodAuto, MethodBackfill:
		return Method(value), nil
	default:
		return "", ErrInvalidMethod
	}
}
