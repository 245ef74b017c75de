package delivery

import (
	"strings"
	"testing"
)

func TestValidateContent(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr bool
	}{
		{"simple text", "hello", false},
		{"emoji", "👋🎉", false},
		{"max bytes exactly", strings.Repeat("a", MaxContentBytes), true}, // also over char limit
		{"under both limits", strings.Repeat("a", MaxContentChars), false},
		{"empty", "", true},
		{"over byte limit", strings.Repeat("a", MaxContentBytes+1), true},
		{"over char limit", strings.Repeat("x", MaxContentChars+1), true},
		{"multibyte under byte limit over char limit", strings.Repeat("é", MaxContentChars+1), true},
		{"invalid utf-8", string([]byte{0xff, 0xfe}), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateContent(tt.content)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateContent(%q len=%d) error = %v, wantErr %v", tt.name, len(tt.content), err, tt.wantErr)
			}
		})
	}
}
