// Package profile implements the profile subsystem (§4.3): LLM-backed
// extraction of add/delete/mention diffs, cross-extractor deduplication,
// the transactional Updater, and the four-state lifecycle's upgrade and
// downgrade batch operations.
package profile

import (
	"strings"

	"github.com/reflexio/reflexio/pkg/types"
)

// Item is one profiles_to_add / profiles_to_mention entry (§4.3).
type Item struct {
	Content  string
	Metadata map[string]interface{}
	TTLKind  types.TTLKind
}

// Diff is the ordered three-list extractor output of §4.3.
type Diff struct {
	Add     []Item
	Delete  []string // existing profile_id
	Mention []string // existing profile_id, unchanged but relevant
}

func normalize(content string) string {
	return strings.ToLower(strings.TrimSpace(content))
}
