package translate

import (
	"errors"
	"fmt"
)

var (
	ErrMalformedKey    = errors.New("malformed key")
	ErrShapeMismatch   = errors.New("shape mismatch")
	ErrDuplicateKey    = errors.New("duplicate target key")
	ErrUnsupportedMode = errors.New("unsupported mode combination")
)

// KeyError reports a source key that cannot be classified.
type KeyError struct {
	Key    string
	Reason string
}

func (e *KeyError) Error() string {
	return fmt.Sprintf("malformed key %q: %s", e.Key, e.Reason)
}

func (e *KeyError) Unwrap() error { return ErrMalformedKey }

// ShapeError reports a quantizer tensor whose rank does not fit the group layout.
type ShapeError struct {
	Key      string
	Shape    []int64
	WantRank int
}

func (e *ShapeError) Error() string {
	return fmt.Sprintf("shape mismatch for %q: got rank %d %v, want rank %d", e.Key, len(e.Shape), e.Shape, e.WantRank)
}

func (e *ShapeError) Unwrap() error { return ErrShapeMismatch }

// CollisionError reports two source entries mapping to the same target key.
type CollisionError struct {
	Target string
	First  string
	Second string
}

func (e *CollisionError) Error() string {
	return fmt.Sprintf("duplicate target key %q: produced by %q and %q", e.Target, e.First, e.Second)
}

func (e *CollisionError) Unwrap() error { return ErrDuplicateKey }

// ModeError reports a Config that no rule set covers.
type ModeError struct {
	Config Config
	Reason string
}

func (e *ModeError) Error() string {
	return fmt.Sprintf("unsupported mode %s: %s", e.Config, e.Reason)
}

func (e *ModeError) Unwrap() error { return ErrUnsupportedMode }
