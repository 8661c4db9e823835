// Package common holds small helpers shared across gpubatch packages.
package common

import (
	uuid "github.com/nu7hatch/gouuid"
)

// GenUUID returns a random v4 uuid string.
func GenUUID() string {
	// uuid.NewV4() reads from crypto/rand, which does not fail in practice.
	// Retry rather than hand out an empty id if it ever does.
	for {
		if id, err := uuid.NewV4(); err == nil {
			return id.String()
		}
	}
}

// GenID returns prefix followed by the first block of a fresh uuid, e.g. "batch-1b4e28ba".
func GenID(prefix string) string {
	id := GenUUID()
	return prefix + "-" + id[:8]
}
