package models

import "errors"

// SchemaMismatchError marks a write that would violate the composite-key
// or aggregate-consistency invariants of the summary store. The write is
// rejected and logged, never silently coerced.
type SchemaMismatchError struct {
	Reason string
}

func (e *SchemaMismatchError) Error() string {
	return "schema mismatch: " + e.Reason
}

// IsSchemaMismatch reports whether err is a SchemaMismatchError.
func IsSchemaMismatch(err error) bool {
	var sme *SchemaMismatchError
	return errors.As(err, &sme)
}
