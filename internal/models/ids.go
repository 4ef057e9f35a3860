package models

import (
	"strings"

	"github.com/google/uuid"
)

// NewID returns prefix-<12 hex chars>, e.g. "task-1a2b3c4d5e6f".
func NewID(prefix string) string {
	return prefix + "-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}
