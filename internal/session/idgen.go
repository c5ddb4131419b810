package session

import (
	"strings"

	"github.com/google/uuid"
)

// IDPrefix starts every generated session ID.
const IDPrefix = "ses-"

// NewID generates a session ID of the form ses-xxxxxxxx, re-rolling on the
// unlikely collision with an existing session.
func NewID(store *Store) string {
	for {
		id := IDPrefix + shortHex()
		if store == nil || !store.Exists(id) {
			return id
		}
	}
}

func shortHex() string {
	u := uuid.NewString()
	return strings.ReplaceAll(u, "-", "")[:8]
}
