package debounce

import (
	"fmt"
	"hash/fnv"

	"github.com/waveline-ai/waveline/pkg/models"
)

// HashKey produces the short deterministic grouping key for a session's
// buffered messages: FNV-32a over the channel triple, rendered as 8 hex
// characters.
func HashKey(key models.SessionKey) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key.String()))
	return fmt.Sprintf("%08x", h.Sum32())
}
