package telegram

import "sync"

// lastPrompt remembers the message that carries the live keyboard of a chat,
// so a new screen can strip the buttons of the previous one.
var lastPrompt sync.Map // chatID -> messageID

func rememberPrompt(chatID int64, msgID int) { lastPrompt.Store(chatID, msgID) }

func takePrompt(chatID int64) (int, bool) {
	v, ok := lastPrompt.LoadAndDelete(chatID)
	if !ok {
		return 0, false
	}
	return v.(int), true
}
