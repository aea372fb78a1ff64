package frames

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
	"unicode/utf8"
)

func TestNewFlipbookIDValidation(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{name: "trimmed", input: "  cat  ", want: "cat"},
		{name: "empty", input: "", wantErr: true},
		{name: "whitespace", input: "   ", wantErr: true},
		{name: "too-long", input: strings.Repeat("a", maxIdentifierLength+1), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, err := NewFlipbookID(tt.input)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidFlipbookID) {
					t.Fatalf("expected ErrInvalidFlipbookID, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if id.String() != tt.want {
				t.Fatalf("unexpected id %q", id)
			}
		})
	}
}

func TestParseFrameIndexRejectsNegativeAndGarbage(t *testing.T) {
	if _, err := ParseFrameIndex("-1"); !errors.Is(err, ErrInvalidFrameIndex) {
		t.Fatalf("expected negative index to be rejected, got %v", err)
	}
	if _, err := ParseFrameIndex("two"); !errors.Is(err, ErrInvalidFrameIndex) {
		t.Fatalf("expected non-numeric index to be rejected, got %v", err)
	}
	if _, err := ParseFrameIndex("10000"); !errors.Is(err, ErrInvalidFrameIndex) {
		t.Fatalf("expected index above the maximum to be rejected, got %v", err)
	}
	if _, err := NewFrameIndex(1 << 31); !errors.Is(err, ErrInvalidFrameIndex) {
		t.Fatalf("expected huge index to be rejected, got %v", err)
	}
	if index, err := NewFrameIndex(MaxFrameIndex); err != nil || !index.Valid() {
		t.Fatalf("expected the maximum index to be accepted, got %v", err)
	}
	index, err := ParseFrameIndex("3")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if index.Int() != 3 {
		t.Fatalf("expected index 3, got %d", index.Int())
	}
}

func TestNewDrawingDataRejectsEmptyAndMalformed(t *testing.T) {
	for _, raw := range []string{"", "   ", "null", "{not json"} {
		if _, err := NewDrawingData([]byte(raw)); !errors.Is(err, ErrInvalidDrawingData) {
			t.Fatalf("expected %q to be rejected, got %v", raw, err)
		}
	}
}

func TestDrawingDataWithTimestamp(t *testing.T) {
	now := time.UnixMilli(1700000000123).UTC()

	stamped := mustDrawingData(t, `{"imageData":"X"}`).WithTimestamp(now)
	var fields map[string]any
	if err := json.Unmarshal(stamped, &fields); err != nil {
		t.Fatalf("failed to decode stamped payload: %v", err)
	}
	if fields["imageData"] != "X" {
		t.Fatalf("expected image data to survive, got %v", fields["imageData"])
	}
	if fields["timestamp"] != float64(1700000000123) {
		t.Fatalf("expected timestamp to be stamped, got %v", fields["timestamp"])
	}

	original := mustDrawingData(t, `{"imageData":"X","timestamp":42}`)
	if string(original.WithTimestamp(now)) != string(original) {
		t.Fatalf("expected client timestamp to be kept")
	}

	array := mustDrawingData(t, `[1,2,3]`)
	if string(array.WithTimestamp(now)) != `[1,2,3]` {
		t.Fatalf("expected non-object payload to pass through")
	}
}

func TestNormalizeAuthor(t *testing.T) {
	if got := NormalizeAuthor("  alice ", "fallback"); got != "alice" {
		t.Fatalf("expected alice, got %q", got)
	}
	if got := NormalizeAuthor("", "anonymous-1234abcd"); got != "anonymous-1234abcd" {
		t.Fatalf("expected fallback author, got %q", got)
	}
	if got := NormalizeAuthor("", ""); got != AnonymousAuthor {
		t.Fatalf("expected anonymous author, got %q", got)
	}

	accented := NormalizeAuthor("a"+strings.Repeat("é", 100), "")
	if !utf8.ValidString(accented) {
		t.Fatalf("expected truncated author to stay valid UTF-8, got %q", accented)
	}
	if accented != "a"+strings.Repeat("é", 94) {
		t.Fatalf("expected truncation on a rune boundary, got %d bytes", len(accented))
	}

	ascii := NormalizeAuthor(strings.Repeat("b", 300), "")
	if len(ascii) != maxIdentifierLength {
		t.Fatalf("expected ascii author to be cut to %d bytes, got %d", maxIdentifierLength, len(ascii))
	}
}
