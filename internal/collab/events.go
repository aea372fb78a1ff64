package collab

import (
	"encoding/json"
	"time"

	"github.com/MarcoPoloResearchLab/flipbook/backend/internal/frames"
)

// Inbound events.
const (
	EventJoinFlipbook  = "join-flipbook"
	EventLeaveFlipbook = "leave-flipbook"
	EventDrawingUpdate = "drawing-update"
	EventFrameDelete   = "frame-delete"
	EventCursorMove    = "cursor-move"
)

// Outbound events.
const (
	EventFlipbookState   = "flipbook-state"
	EventDrawingUpdated  = "drawing-updated"
	EventDrawingSaved    = "drawing-saved"
	EventDrawingError    = "drawing-error"
	EventFrameDeleted    = "frame-deleted"
	EventFlipbookDeleted = "flipbook-deleted"
	EventFlipbookRenamed = "flipbook-renamed"
	EventCursorUpdated   = "cursor-updated"
)

// Error codes carried by drawing-error.
const (
	CodeInvalidFlipbookID  = "invalid_flipbook_id"
	CodeInvalidFrameIndex  = "invalid_frame_index"
	CodeInvalidDrawingData = "invalid_drawing_data"
	CodeInvalidPayload     = "invalid_payload"
	CodeUnknownEvent       = "unknown_event"
	CodeStoreFailure       = "store_failure"
	CodeUnavailable        = "unavailable"
	CodeInternal           = "internal_error"
)

type flipbookRequest struct {
	FlipbookID string `json:"flipbookId"`
}

// DrawingUpdate is the body of a drawing-update event.
type DrawingUpdate struct {
	FlipbookID  string          `json:"flipbookId"`
	FrameIndex  *int            `json:"frameIndex"`
	DrawingData json.RawMessage `json:"drawingData"`
	CreatedBy   string          `json:"createdBy"`
}

type frameDeleteRequest struct {
	FlipbookID string `json:"flipbookId"`
	FrameIndex *int   `json:"frameIndex"`
}

// CursorMove is the body of a cursor-move event.
type CursorMove struct {
	FlipbookID string  `json:"flipbookId"`
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
	UserID     string  `json:"userId"`
}

// FramePayload is the client-facing shape of one frame.
// Placeholder frames fill index gaps and carry a null drawing.
type FramePayload struct {
	FlipbookID  string          `json:"flipbookId"`
	FrameIndex  int             `json:"frameIndex"`
	DrawingData json.RawMessage `json:"drawingData"`
	CreatedBy   string          `json:"createdBy,omitempty"`
	CreatedAt   *time.Time      `json:"createdAt,omitempty"`
	UpdatedAt   *time.Time      `json:"updatedAt,omitempty"`
	Placeholder bool            `json:"placeholder,omitempty"`
}

// NewFramePayload converts a stored frame.
func NewFramePayload(frame frames.Frame) FramePayload {
	createdAt := frame.CreatedAt.UTC()
	updatedAt := frame.UpdatedAt.UTC()
	return FramePayload{
		FlipbookID:  frame.FlipbookID,
		FrameIndex:  frame.FrameIndex,
		DrawingData: json.RawMessage(frame.DrawingData),
		CreatedBy:   frame.CreatedBy,
		CreatedAt:   &createdAt,
		UpdatedAt:   &updatedAt,
	}
}

// DenseFrames converts frames sorted by index into a gap-free sequence starting at zero.
// Rows above frames.MaxFrameIndex are left out, so the result never exceeds MaxFrameIndex+1 entries.
func DenseFrames(flipbookID string, stored []frames.Frame) []FramePayload {
	last := -1
	for _, frame := range stored {
		if frame.FrameIndex > last && frame.FrameIndex <= frames.MaxFrameIndex {
			last = frame.FrameIndex
		}
	}
	if last < 0 {
		return []FramePayload{}
	}
	dense := make([]FramePayload, 0, last+1)
	next := 0
	for _, frame := range stored {
		if frame.FrameIndex < 0 || frame.FrameIndex > frames.MaxFrameIndex {
			continue
		}
		for ; next < frame.FrameIndex; next++ {
			dense = append(dense, FramePayload{FlipbookID: flipbookID, FrameIndex: next, Placeholder: true})
		}
		if frame.FrameIndex < next {
			continue
		}
		dense = append(dense, NewFramePayload(frame))
		next = frame.FrameIndex + 1
	}
	return dense
}

// FlipbookStatePayload is the join snapshot.
type FlipbookStatePayload struct {
	FlipbookID string         `json:"flipbookId"`
	Frames     []FramePayload `json:"frames"`
}

// DrawingSavedPayload acknowledges a persisted drawing to its author.
type DrawingSavedPayload struct {
	Success    bool   `json:"success"`
	FlipbookID string `json:"flipbookId"`
	FrameIndex int    `json:"frameIndex"`
}

// DrawingErrorPayload reports a rejected or failed event to its sender.
type DrawingErrorPayload struct {
	Event      string `json:"event,omitempty"`
	Code       string `json:"code"`
	Error      string `json:"error"`
	FlipbookID string `json:"flipbookId,omitempty"`
	FrameIndex *int   `json:"frameIndex,omitempty"`
}

// FrameDeletedPayload announces a removed frame.
type FrameDeletedPayload struct {
	FlipbookID string `json:"flipbookId"`
	FrameIndex int    `json:"frameIndex"`
	Deleted    bool   `json:"deleted"`
}

// FlipbookDeletedPayload announces a removed flipbook.
type FlipbookDeletedPayload struct {
	FlipbookID    string `json:"flipbookId"`
	DeletedFrames int64  `json:"deletedFrames"`
}

// FlipbookRenamedPayload announces a renamed flipbook to its old room.
type FlipbookRenamedPayload struct {
	OldID         string `json:"oldId"`
	NewID         string `json:"newId"`
	RenamedFrames int64  `json:"renamedFrames"`
}

// CursorUpdatedPayload relays a pointer position.
type CursorUpdatedPayload struct {
	SocketID   string  `json:"socketId"`
	UserID     string  `json:"userId,omitempty"`
	FlipbookID string  `json:"flipbookId"`
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
}
