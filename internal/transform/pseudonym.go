package transform

import (
	"github.com/google/uuid"
)

const pseudonymPrefix = "UUID_"

// Pseudonymizer replaces external ids with stable name-based UUIDs. The
// same id and salt always give the same pseudonym, so references stay
// consistent across workers and tiles.
type Pseudonymizer struct {
	ns uuid.UUID
}

// NewPseudonymizer creates a pseudonymizer for the salt.
func NewPseudonymizer(salt string) *Pseudonymizer {
	return &Pseudonymizer{ns: uuid.NewSHA1(uuid.NameSpaceURL, []byte("citypipe:"+salt))}
}

// ID returns the pseudonym of id. The empty id stays empty.
func (p *Pseudonymizer) ID(id string) string {
	if id == "" {
		return ""
	}
	return pseudonymPrefix + uuid.NewSHA1(p.ns, []byte(id)).String()
}
