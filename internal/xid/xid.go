package xid

import "github.com/google/uuid"

// New returns a prefixed random identifier, e.g. "ord-3f0c...".
func New(prefix string) string {
	id, err := uuid.NewRandom()
	if err != nil {
		return prefix + "-" + uuid.NewString()
	}
	return prefix + "-" + id.String()
}
