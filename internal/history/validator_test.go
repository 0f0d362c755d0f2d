package history

import (
	"strings"
	"testing"
)

func TestValidateContentAcceptsNormalText(t *testing.T) {
	if err := ValidateContent("hello there"); err != nil {
		t.Errorf("expected valid, got %v", err)
	}
	if err := ValidateContent("emoji \U0001F600 and accents éè"); err != nil {
		t.Errorf("expected valid, got %v", err)
	}
}

func TestValidateContentRejectsEmpty(t *testing.T) {
	if err := ValidateContent(""); err == nil {
		t.Error("expected error for empty content")
	}
}

func TestValidateContentRejectsOversizedBytes(t *testing.T) {
	// 4097 ASCII bytes, over the byte limit.
	text := strings.Repeat("a", MaxMessageBytes+1)
	if err := ValidateContent(text); err == nil {
		t.Error("expected error for oversized payload")
	}
}

func TestValidateContentRejectsTooManyChars(t *testing.T) {
	// 2001 two-byte runes stay under the byte limit but exceed the
	// character limit.
	text := strings.Repeat("é", MaxTextChars+1)
	if len(text) > MaxMessageBytes {
		t.Fatal("test text should be under the byte limit")
	}
	if err := ValidateContent(text); err == nil {
		t.Error("expected error for too many characters")
	}
}

func TestValidateContentRejectsInvalidUTF8(t *testing.T) {
	if err := ValidateContent("bad \xff\xfe bytes"); err == nil {
		t.Error("expected error for invalid UTF-8")
	}
}
