// Package chat holds content rules for the shared chat channel.
package chat

import (
	"fmt"
	"unicode/utf8"
)

const (
	MaxMessageBytes  = 4096 // max encoded message size
	MaxTextChars     = 2000 // max message character count
	MaxNicknameChars = 32   // max nickname character count
)

// ValidateMessage checks that a chat message meets content requirements
// before it is broadcast and logged.
func ValidateMessage(nickname, text string) error {
	if len(nickname) == 0 {
		return fmt.Errorf("nickname is empty")
	}
	if utf8.RuneCountInString(nickname) > MaxNicknameChars {
		return fmt.Errorf("nickname exceeds %d character limit", MaxNicknameChars)
	}
	if len(text) == 0 {
		return fmt.Errorf("message text is empty")
	}
	if len(text) > MaxMessageBytes {
		return fmt.Errorf("message exceeds %d byte limit", MaxMessageBytes)
	}
	if utf8.RuneCountInString(text) > MaxTextChars {
		return fmt.Errorf("message exceeds %d character limit", MaxTextChars)
	}
	if !utf8.ValidString(text) {
		return fmt.Errorf("message contains invalid UTF-8")
	}
	return nil
}
