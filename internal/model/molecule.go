package model

import "strings"

// SupportedMolecules is the fixed allow-list of molecules the pipeline can
// analyse. Order matters: query text extraction takes the first hit.
var SupportedMolecules = []string{
	"Montelukast",
	"Humira",
	"Metformin",
	"GLP-1",
	"Eliquis",
}

// moleculeAliases maps a canonical molecule to extra lower-case spellings
// recognised in free-text queries.
var moleculeAliases = map[string][]string{
	"GLP-1": {"glp-1", "glp1", "glucagon"},
}

// CanonicalMolecule returns the supported spelling of name, matched
// case-insensitively, and whether it is supported.
func CanonicalMolecule(name string) (string, bool) {
	name = strings.TrimSpace(name)
	for _, m := range SupportedMolecules {
		if strings.EqualFold(m, name) {
			return m, true
		}
	}
	return "", false
}

// IsSupportedMolecule reports whether name is in SupportedMolecules, ignoring case.
func IsSupportedMolecule(name string) bool {
	_, ok := CanonicalMolecule(name)
	return ok
}

// ExtractMolecule finds the first supported molecule mentioned in text.
// Matching is a case-insensitive substring search in list order, so the
// first listed molecule wins when several appear.
func ExtractMolecule(text string) (string, bool) {
	lower := strings.ToLower(text)
	for _, m := range SupportedMolecules {
		if strings.Contains(lower, strings.ToLower(m)) {
			return m, true
		}
		for _, alias := range moleculeAliases[m] {
			if strings.Contains(lower, alias) {
				return m, true
			}
		}
	}
	return "", false
}
