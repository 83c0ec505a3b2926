package ir

import (
	"fmt"

	"github.com/hashicorp/hcl/v2"
)

// Location is the source position an operation was derived from.
// The zero value is the unknown location.
type Location struct {
	File         string
	Line, Column int
}

// UnknownLoc is used for operations without a source position.
var UnknownLoc = Location{}

// Loc returns a Location.
func Loc(file string, line, column int) Location {
	return Location{File: file, Line: line, Column: column}
}

// IsKnown returns whether the location points to a source position.
func (l Location) IsKnown() bool {
	return l.File != "" || l.Line > 0
}

// String implements fmt.Stringer.
func (l Location) String() string {
	if !l.IsKnown() {
		return "loc(unknown)"
	}
	return fmt.Sprintf("loc(%s:%d:%d)", l.File, l.Line, l.Column)
}

// Range converts the location to an hcl.Range, used as the subject of diagnostics.
func (l Location) Range() hcl.Range {
	pos := hcl.Pos{Line: l.Line, Column: l.Column}
	return hcl.Range{Filename: l.File, Start: pos, End: pos}
}
