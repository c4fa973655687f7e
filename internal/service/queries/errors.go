package queries

import (
	"errors"
	"fmt"
)

// ErrUnsupportedMolecule matches every *UnsupportedMoleculeError.
var ErrUnsupportedMolecule = errors.New("queries: unsupported molecule")

// UnsupportedMoleculeError reports a query that names no supported
// molecule, or an explicit molecule outside the supported list.
type UnsupportedMoleculeError struct {
	QueryText string
	Molecule  string // set when the caller named the molecule explicitly
}

func (e *UnsupportedMoleculeError) Error() string {
	if e.Molecule != "" {
		return "Unsupported molecule: " + e.Molecule
	}
	return fmt.Sprintf("No supported molecule found in query: %s", e.QueryText)
}

func (e *UnsupportedMoleculeError) Is(target error) bool { return target == ErrUnsupportedMolecule }
