package chat

import (
	"strings"
	"testing"
)

func TestValidateMessage(t *testing.T) {
	tests := []struct {
		name     string
		nickname string
		text     string
		wantErr  bool
	}{
		{"valid", "wiz", "hello there", false},
		{"valid korean", "위즈팬", "안녕하세요", false},
		{"empty nickname", "", "hello", true},
		{"long nickname", strings.Repeat("a", MaxNicknameChars+1), "hello", true},
		{"empty text", "wiz", "", true},
		{"text at char limit", "wiz", strings.Repeat("a", MaxTextChars), false},
		{"text over char limit", "wiz", strings.Repeat("a", MaxTextChars+1), true},
		{"text over byte limit", "wiz", strings.Repeat("한", MaxMessageBytes/3+1), true},
		{"invalid utf8", "wiz", string([]byte{0xff, 0xfe}), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateMessage(tt.nickname, tt.text)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateMessage(%q, len=%d) error = %v, wantErr %v",
					tt.nickname, len(tt.text), err, tt.wantErr)
			}
		})
	}
}
