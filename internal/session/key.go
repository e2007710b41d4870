package session

import (
	"crypto/md5" //nolint:gosec // used as a stable key, not for security
	"encoding/hex"

	"github.com/google/uuid"
)

// keyContentRunes bounds how much of the first message feeds the key.
const keyContentRunes = 500

// Message is the part of a chat message that identifies a conversation.
type Message struct {
	Role string
	// Text is the message text; for multi-part content, the text parts joined.
	Text string
}

// ConversationKey derives a stable affinity key from the first message only.
// Conversations that open with the same message share a key and therefore a
// session. Without messages every call returns a fresh random key.
func ConversationKey(messages []Message) string {
	if len(messages) == 0 {
		return "empty_" + uuid.NewString()[:8]
	}

	first := messages[0]
	content := []rune(first.Text)
	if len(content) > keyContentRunes {
		content = content[:keyContentRunes]
	}

	sum := md5.Sum([]byte(first.Role + ":" + string(content))) //nolint:gosec
	return hex.EncodeToString(sum[:])
}
