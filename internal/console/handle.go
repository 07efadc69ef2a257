package console

import (
	"strings"

	"github.com/google/uuid"
)

const handleLen = 8

// NewHandle returns a short random handle. Uniqueness among registered
// processes is enforced by the Registry, not here.
func NewHandle() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")[:handleLen]
}
