package model

import (
	"slices"

	"github.com/rotisserie/eris"
)

// Layer contract identifiers. Bump the suffix on any incompatible change.
const (
	RawSchema    = "raw.v1"
	SilverSchema = "silver.v1"
	GoldSchema   = "gold.v1"
)

// ErrSchemaMismatch is returned when an artifact does not carry the contract
// the reading stage expects.
var ErrSchemaMismatch = eris.New("schema mismatch")

// CheckContract verifies a schema tag and column list against the expected
// contract.
func CheckContract(wantSchema string, wantColumns []string, gotSchema string, gotColumns []string) error {
	if gotSchema != wantSchema {
		return eris.Wrapf(ErrSchemaMismatch, "got schema %q, want %q", gotSchema, wantSchema)
	}
	if !slices.Equal(gotColumns, wantColumns) {
		return eris.Wrapf(ErrSchemaMismatch, "%s column list differs: got %d columns, want %d", wantSchema, len(gotColumns), len(wantColumns))
	}
	return nil
}
