package debounce

import (
	"strings"

	"github.com/waveline-ai/waveline/pkg/models"
)

// Aggregate folds a drained burst into one synthetic message: textual parts
// join newline-separated in received order, and the latest non-text
// attachment is retained. The caller guarantees msgs is non-empty and in
// received-at order.
func Aggregate(msgs []models.BufferedMessage) models.NormalizedMessage {
	last := msgs[len(msgs)-1].Message
	out := models.NormalizedMessage{
		ID:        last.ID,
		Timestamp: last.Timestamp,
		Type:      models.MessageText,
	}

	var parts []string
	for i := range msgs {
		m := &msgs[i].Message
		if text := m.Text(); text != "" {
			parts = append(parts, text)
		}
		if m.Type.Media() || m.Type == models.MessageSticker {
			out.Type = m.Type
			out.MediaURL = m.MediaURL
		}
		if m.ReplyToMessageID != "" {
			out.ReplyToMessageID = m.ReplyToMessageID
		}
	}
	// Transcription and analysis stay empty: any text they carried is folded
	// into Content, and the engine normalizes the retained attachment.
	out.Content = strings.Join(parts, "\n")
	return out
}
