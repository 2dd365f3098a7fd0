package util

import (
	"strings"

	"github.com/google/uuid"
)

// NewID returns a URL-safe random identifier for request ids and object keys.
func NewID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
