package frames

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	maxIdentifierLength = 190
	drawingTimestampKey = "timestamp"
)

// MaxFrameIndex is the highest frame position a flipbook may hold.
const MaxFrameIndex = 9999

// AnonymousAuthor is stored when a writer does not identify itself.
const AnonymousAuthor = "anonymous"

var (
	// ErrInvalidFlipbookID indicates that a flipbook identifier is empty or exceeds storage bounds.
	ErrInvalidFlipbookID = errors.New("frames: invalid flipbook id")
	// ErrInvalidFrameIndex indicates that a frame index is negative or above MaxFrameIndex.
	ErrInvalidFrameIndex = errors.New("frames: invalid frame index")
	// ErrInvalidDrawingData indicates that a drawing payload is empty or not JSON.
	ErrInvalidDrawingData = errors.New("frames: invalid drawing data")
	// ErrFrameNotFound indicates that no frame is stored under the requested key.
	ErrFrameNotFound = errors.New("frames: frame not found")
	// ErrFlipbookNotFound indicates that no frame is stored under the requested flipbook.
	ErrFlipbookNotFound = errors.New("frames: flipbook not found")
	// ErrFlipbookExists indicates that a rename target already holds frames.
	ErrFlipbookExists = errors.New("frames: flipbook already exists")
	// ErrSameFlipbookID indicates that a rename target equals its source.
	ErrSameFlipbookID = errors.New("frames: rename target equals source")
)

// FlipbookID represents a validated flipbook identifier.
type FlipbookID string

// NewFlipbookID validates raw input and returns a FlipbookID.
func NewFlipbookID(rawInput string) (FlipbookID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidFlipbookID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidFlipbookID, maxIdentifierLength)
	}
	return FlipbookID(trimmed), nil
}

// String returns the underlying string identifier.
func (id FlipbookID) String() string {
	return string(id)
}

// FrameIndex represents a validated zero-based frame position.
type FrameIndex int

// NewFrameIndex validates the value and returns a FrameIndex.
func NewFrameIndex(value int) (FrameIndex, error) {
	if value < 0 || value > MaxFrameIndex {
		return 0, fmt.Errorf("%w: %d is outside 0..%d", ErrInvalidFrameIndex, value, MaxFrameIndex)
	}
	return FrameIndex(value), nil
}

// ParseFrameIndex converts a path or query value into a FrameIndex.
func ParseFrameIndex(rawInput string) (FrameIndex, error) {
	value, err := strconv.Atoi(strings.TrimSpace(rawInput))
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidFrameIndex, rawInput)
	}
	return NewFrameIndex(value)
}

// Valid reports whether the index lies within 0..MaxFrameIndex.
func (index FrameIndex) Valid() bool {
	return index >= 0 && index <= MaxFrameIndex
}

// Int exposes the raw index value.
func (index FrameIndex) Int() int {
	return int(index)
}

// DrawingData is the opaque drawing payload produced by the rendering client.
// Only the top-level timestamp field is interpreted here.
type DrawingData json.RawMessage

// NewDrawingData validates that the payload is present and well-formed JSON.
func NewDrawingData(raw []byte) (DrawingData, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, fmt.Errorf("%w: empty", ErrInvalidDrawingData)
	}
	if !json.Valid(trimmed) {
		return nil, fmt.Errorf("%w: malformed json", ErrInvalidDrawingData)
	}
	return DrawingData(append([]byte(nil), trimmed...)), nil
}

// WithTimestamp returns the payload with a timestamp (unix milliseconds) added
// when the payload is an object that does not carry one already.
func (data DrawingData) WithTimestamp(now time.Time) DrawingData {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil || fields == nil {
		return data
	}
	if _, ok := fields[drawingTimestampKey]; ok {
		return data
	}
	fields[drawingTimestampKey] = json.RawMessage(strconv.FormatInt(now.UnixMilli(), 10))
	encoded, err := json.Marshal(fields)
	if err != nil {
		return data
	}
	return DrawingData(encoded)
}

// RawMessage exposes the payload for JSON encoding.
func (data DrawingData) RawMessage() json.RawMessage {
	return json.RawMessage(data)
}

// Frame models one persisted drawable unit of a flipbook.
type Frame struct {
	ID          int64     `gorm:"column:id;primaryKey;autoIncrement"`
	FlipbookID  string    `gorm:"column:flipbook_id;size:190;not null;uniqueIndex:idx_frames_flipbook_index,priority:1"`
	FrameIndex  int       `gorm:"column:frame_index;not null;uniqueIndex:idx_frames_flipbook_index,priority:2"`
	DrawingData string    `gorm:"column:drawing_data;type:text;not null"`
	CreatedBy   string    `gorm:"column:created_by;size:190;not null;default:''"`
	CreatedAt   time.Time `gorm:"column:created_at;not null"`
	UpdatedAt   time.Time `gorm:"column:updated_at;not null;index:idx_frames_updated"`
}

// TableName provides the explicit table binding for GORM.
func (Frame) TableName() string {
	return "frames"
}

// UpsertRequest describes a single-frame write.
type UpsertRequest struct {
	FlipbookID  FlipbookID
	FrameIndex  FrameIndex
	DrawingData DrawingData
	CreatedBy   string
}

// FlipbookSummary aggregates the frames stored under one flipbook.
type FlipbookSummary struct {
	FlipbookID  string
	FrameCount  int64
	LastUpdated time.Time
	CreatedAt   time.Time
}

// NormalizeAuthor trims the author and falls back to the provided default.
func NormalizeAuthor(author, fallback string) string {
	trimmed := strings.TrimSpace(author)
	if trimmed == "" {
		trimmed = strings.TrimSpace(fallback)
	}
	if trimmed == "" {
		trimmed = AnonymousAuthor
	}
	return truncateRunes(trimmed, maxIdentifierLength)
}

// truncateRunes cuts value to at most limit bytes without splitting a UTF-8 sequence.
func truncateRunes(value string, limit int) string {
	if len(value) <= limit {
		return value
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(value[cut]) {
		cut--
	}
	return value[:cut]
}
