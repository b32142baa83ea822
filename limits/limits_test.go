package limits

import (
	"errors"
	"strings"
	"testing"
)

func TestMaxFrameFitsDataChannel(t *testing.T) {
	const sctpMaxMessage = 256 * 1024
	if MaxFrame >= sctpMaxMessage {
		t.Errorf("MaxFrame = %d, must stay below %d", MaxFrame, sctpMaxMessage)
	}
	if MaxFrame <= MaxPlaintextMessage+EncryptionOverhead {
		t.Errorf("MaxFrame = %d leaves no room for envelope framing", MaxFrame)
	}
}

func TestValidators(t *testing.T) {
	tests := []struct {
		name    string
		fn      func([]byte) error
		size    int
		wantErr error
	}{
		{"plaintext empty", ValidatePlaintextMessage, 0, ErrMessageEmpty},
		{"plaintext at limit", ValidatePlaintextMessage, MaxPlaintextMessage, nil},
		{"plaintext over limit", ValidatePlaintextMessage, MaxPlaintextMessage + 1, ErrMessageTooLarge},
		{"frame empty", ValidateFrame, 0, ErrMessageEmpty},
		{"frame at limit", ValidateFrame, MaxFrame, nil},
		{"frame over limit", ValidateFrame, MaxFrame + 1, ErrMessageTooLarge},
		{"signal small", ValidateSignal, 10, nil},
		{"signal over limit", ValidateSignal, MaxSignal + 1, ErrMessageTooLarge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.fn(make([]byte, tt.size))
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("got %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateMessageSize(t *testing.T) {
	if err := ValidateMessageSize([]byte("abc"), 3); err != nil {
		t.Errorf("size at limit rejected: %v", err)
	}
	err := ValidateMessageSize([]byte("abcd"), 3)
	if !errors.Is(err, ErrMessageTooLarge) {
		t.Errorf("expected ErrMessageTooLarge, got %v", err)
	}
}

func TestValidateConversationID(t *testing.T) {
	for _, id := range []string{"", "default", strings.Repeat("c", MaxConversationID)} {
		if err := ValidateConversationID(id); err != nil {
			t.Errorf("id of length %d rejected: %v", len(id), err)
		}
	}
	err := ValidateConversationID(strings.Repeat("c", MaxConversationID+1))
	if !errors.Is(err, ErrMessageTooLarge) {
		t.Errorf("expected ErrMessageTooLarge, got %v", err)
	}
}
