package collab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"

	"github.com/MarcoPoloResearchLab/flipbook/backend/internal/frames"
	"github.com/MarcoPoloResearchLab/flipbook/backend/internal/metrics"
	"github.com/MarcoPoloResearchLab/flipbook/backend/internal/rooms"
	"go.uber.org/zap"
)

const anonymousPrefixLength = 8

var (
	// ErrInvalidPayload indicates that an inbound event could not be decoded.
	ErrInvalidPayload = errors.New("collab: invalid payload")
	// ErrUnknownEvent indicates that an inbound event name is not recognised.
	ErrUnknownEvent = errors.New("collab: unknown event")

	errMissingStore     = errors.New("collab: frame store is required")
	errMissingHub       = errors.New("collab: hub is required")
	errMissingSequencer = errors.New("collab: sequencer is required")
)

// FrameStore is the persistence surface the coordinator depends on.
type FrameStore interface {
	ListFrames(ctx context.Context, flipbookID frames.FlipbookID) ([]frames.Frame, error)
	UpsertFrame(ctx context.Context, request frames.UpsertRequest) (frames.Frame, error)
	DeleteFrame(ctx context.Context, flipbookID frames.FlipbookID, frameIndex frames.FrameIndex) (bool, error)
	DeleteFlipbook(ctx context.Context, flipbookID frames.FlipbookID) (int64, error)
	RenameFlipbook(ctx context.Context, oldID, newID frames.FlipbookID) (int64, error)
}

// EventError is reported to the sender of a rejected or failed event.
type EventError struct {
	Event      string
	Code       string
	FlipbookID string
	FrameIndex *int
	Message    string
	Err        error
}

func (e *EventError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Event, e.Code)
	}
	return fmt.Sprintf("%s: %s: %v", e.Event, e.Code, e.Err)
}

func (e *EventError) Unwrap() error {
	return e.Err
}

func (e *EventError) payload() DrawingErrorPayload {
	message := e.Message
	if message == "" && e.Err != nil {
		message = e.Err.Error()
	}
	return DrawingErrorPayload{
		Event:      e.Event,
		Code:       e.Code,
		Error:      message,
		FlipbookID: e.FlipbookID,
		FrameIndex: e.FrameIndex,
	}
}

// CoordinatorConfig describes the dependencies of a Coordinator.
type CoordinatorConfig struct {
	Store     FrameStore
	Hub       *rooms.Hub
	Sequencer *rooms.Sequencer
	Logger    *zap.Logger
	Metrics   metrics.Recorder
}

// Coordinator validates realtime mutations, persists them, and fans the results out to rooms.
// Mutations on one flipbook are applied under that flipbook's sequencer lock so every member
// observes them in the order they were applied.
type Coordinator struct {
	store     FrameStore
	hub       *rooms.Hub
	sequencer *rooms.Sequencer
	logger    *zap.Logger
	metrics   metrics.Recorder
}

// NewCoordinator constructs a Coordinator.
func NewCoordinator(cfg CoordinatorConfig) (*Coordinator, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.Hub == nil {
		return nil, errMissingHub
	}
	if cfg.Sequencer == nil {
		return nil, errMissingSequencer
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		store:     cfg.Store,
		hub:       cfg.Hub,
		sequencer: cfg.Sequencer,
		logger:    logger,
		metrics:   metrics.OrNoop(cfg.Metrics),
	}, nil
}

// HandleMessage decodes and applies one inbound frame from the connection.
// Failures are reported to the sender as drawing-error and never escape.
func (coordinator *Coordinator) HandleMessage(ctx context.Context, connectionID string, raw []byte) {
	event := ""
	defer func() {
		if recovered := recover(); recovered != nil {
			coordinator.logger.Error("realtime handler panic",
				zap.String("connection_id", connectionID),
				zap.String("event", event),
				zap.Any("panic", recovered),
				zap.ByteString("stack", debug.Stack()))
			coordinator.metrics.EventHandled(event, metrics.OutcomeFailed)
			coordinator.reportError(connectionID, &EventError{Event: event, Code: CodeInternal, Message: "internal error"})
		}
	}()

	message, err := rooms.Decode(raw)
	if err != nil {
		coordinator.finish(connectionID, &EventError{Code: CodeInvalidPayload, Message: "malformed message", Err: fmt.Errorf("%w: %v", ErrInvalidPayload, err)})
		return
	}
	event = message.Event

	switch message.Event {
	case EventJoinFlipbook:
		var request flipbookRequest
		if err := decodeData(message, &request); err != nil {
			coordinator.finish(connectionID, err)
			return
		}
		coordinator.finish(connectionID, coordinator.JoinFlipbook(ctx, connectionID, request.FlipbookID))
	case EventLeaveFlipbook:
		var request flipbookRequest
		if err := decodeData(message, &request); err != nil {
			coordinator.finish(connectionID, err)
			return
		}
		coordinator.finish(connectionID, coordinator.LeaveFlipbook(connectionID, request.FlipbookID))
	case EventDrawingUpdate:
		var request DrawingUpdate
		if err := decodeData(message, &request); err != nil {
			coordinator.finish(connectionID, err)
			return
		}
		coordinator.finish(connectionID, coordinator.UpdateDrawing(ctx, connectionID, request))
	case EventFrameDelete:
		var request frameDeleteRequest
		if err := decodeData(message, &request); err != nil {
			coordinator.finish(connectionID, err)
			return
		}
		coordinator.finish(connectionID, coordinator.DeleteFrame(ctx, connectionID, request.FlipbookID, request.FrameIndex))
	case EventCursorMove:
		var request CursorMove
		if err := decodeData(message, &request); err != nil {
			coordinator.finish(connectionID, err)
			return
		}
		coordinator.MoveCursor(connectionID, request)
	default:
		coordinator.finish(connectionID, &EventError{
			Event:   message.Event,
			Code:    CodeUnknownEvent,
			Message: "unknown event",
			Err:     fmt.Errorf("%w: %s", ErrUnknownEvent, message.Event),
		})
	}
}

func decodeData(message rooms.Message, target any) error {
	if len(message.Data) == 0 {
		return &EventError{Event: message.Event, Code: CodeInvalidPayload, Message: "missing event data", Err: ErrInvalidPayload}
	}
	if err := json.Unmarshal(message.Data, target); err != nil {
		return &EventError{Event: message.Event, Code: CodeInvalidPayload, Message: "malformed event data", Err: fmt.Errorf("%w: %v", ErrInvalidPayload, err)}
	}
	return nil
}

func (coordinator *Coordinator) finish(connectionID string, err error) {
	if err == nil {
		return
	}
	var eventErr *EventError
	if !errors.As(err, &eventErr) {
		eventErr = &EventError{Code: CodeInternal, Message: "internal error", Err: err}
	}
	outcome := metrics.OutcomeRejected
	if eventErr.Code == CodeStoreFailure || eventErr.Code == CodeInternal || eventErr.Code == CodeUnavailable {
		outcome = metrics.OutcomeFailed
	}
	coordinator.metrics.EventHandled(eventErr.Event, outcome)
	coordinator.reportError(connectionID, eventErr)
}

func (coordinator *Coordinator) reportError(connectionID string, eventErr *EventError) {
	if err := coordinator.hub.SendTo(connectionID, EventDrawingError, eventErr.payload()); err != nil {
		coordinator.logger.Debug("drawing error not delivered",
			zap.String("connection_id", connectionID),
			zap.String("code", eventErr.Code),
			zap.Error(err))
	}
}

// JoinFlipbook adds the connection to the flipbook's room and sends it the current frames.
func (coordinator *Coordinator) JoinFlipbook(ctx context.Context, connectionID, rawFlipbookID string) error {
	flipbookID, err := frames.NewFlipbookID(rawFlipbookID)
	if err != nil {
		return invalidFlipbook(EventJoinFlipbook, err)
	}

	unlock := coordinator.sequencer.Lock(flipbookID.String())
	defer unlock()

	added, err := coordinator.hub.Join(connectionID, flipbookID.String())
	if err != nil {
		return &EventError{Event: EventJoinFlipbook, Code: CodeUnavailable, FlipbookID: flipbookID.String(), Message: "connection unavailable", Err: err}
	}
	stored, err := coordinator.store.ListFrames(ctx, flipbookID)
	if err != nil {
		if added {
			coordinator.hub.Leave(connectionID, flipbookID.String())
		}
		return coordinator.storeFailure(EventJoinFlipbook, flipbookID.String(), nil, "failed to load flipbook", err)
	}
	state := FlipbookStatePayload{
		FlipbookID: flipbookID.String(),
		Frames:     DenseFrames(flipbookID.String(), stored),
	}
	if err := coordinator.hub.SendTo(connectionID, EventFlipbookState, state); err != nil {
		coordinator.logger.Warn("flipbook state not delivered",
			zap.String("connection_id", connectionID),
			zap.String("flipbook_id", flipbookID.String()),
			zap.Error(err))
	}
	coordinator.metrics.EventHandled(EventJoinFlipbook, metrics.OutcomeSuccess)
	return nil
}

// LeaveFlipbook removes the connection from the flipbook's room.
func (coordinator *Coordinator) LeaveFlipbook(connectionID, rawFlipbookID string) error {
	flipbookID, err := frames.NewFlipbookID(rawFlipbookID)
	if err != nil {
		return invalidFlipbook(EventLeaveFlipbook, err)
	}
	coordinator.hub.Leave(connectionID, flipbookID.String())
	coordinator.metrics.EventHandled(EventLeaveFlipbook, metrics.OutcomeSuccess)
	return nil
}

// UpdateDrawing persists one frame, relays it to the other members, and acknowledges the sender.
// On store failure only a drawing-error reaches the sender.
func (coordinator *Coordinator) UpdateDrawing(ctx context.Context, connectionID string, request DrawingUpdate) error {
	flipbookID, err := frames.NewFlipbookID(request.FlipbookID)
	if err != nil {
		return invalidFlipbook(EventDrawingUpdate, err)
	}
	frameIndex, err := requireFrameIndex(EventDrawingUpdate, flipbookID, request.FrameIndex)
	if err != nil {
		return err
	}
	drawing, err := frames.NewDrawingData(request.DrawingData)
	if err != nil {
		return &EventError{
			Event:      EventDrawingUpdate,
			Code:       CodeInvalidDrawingData,
			FlipbookID: flipbookID.String(),
			FrameIndex: request.FrameIndex,
			Message:    "drawing data is required",
			Err:        err,
		}
	}

	unlock := coordinator.sequencer.Lock(flipbookID.String())
	defer unlock()

	saved, err := coordinator.store.UpsertFrame(ctx, frames.UpsertRequest{
		FlipbookID:  flipbookID,
		FrameIndex:  frameIndex,
		DrawingData: drawing,
		CreatedBy:   frames.NormalizeAuthor(request.CreatedBy, AnonymousAuthorFor(connectionID)),
	})
	if err != nil {
		return coordinator.storeFailure(EventDrawingUpdate, flipbookID.String(), request.FrameIndex, "failed to save drawing", err)
	}

	if _, err := coordinator.hub.Broadcast(flipbookID.String(), EventDrawingUpdated, NewFramePayload(saved), connectionID); err != nil {
		coordinator.logger.Error("drawing broadcast failed", zap.String("flipbook_id", flipbookID.String()), zap.Error(err))
	}
	if err := coordinator.hub.SendTo(connectionID, EventDrawingSaved, DrawingSavedPayload{
		Success:    true,
		FlipbookID: flipbookID.String(),
		FrameIndex: frameIndex.Int(),
	}); err != nil {
		coordinator.logger.Debug("drawing acknowledgement not delivered", zap.String("connection_id", connectionID), zap.Error(err))
	}
	coordinator.metrics.EventHandled(EventDrawingUpdate, metrics.OutcomeSuccess)
	return nil
}

// DeleteFrame removes one frame and announces it to the whole room, sender included.
func (coordinator *Coordinator) DeleteFrame(ctx context.Context, connectionID, rawFlipbookID string, rawFrameIndex *int) error {
	flipbookID, err := frames.NewFlipbookID(rawFlipbookID)
	if err != nil {
		return invalidFlipbook(EventFrameDelete, err)
	}
	frameIndex, err := requireFrameIndex(EventFrameDelete, flipbookID, rawFrameIndex)
	if err != nil {
		return err
	}

	unlock := coordinator.sequencer.Lock(flipbookID.String())
	defer unlock()

	deleted, err := coordinator.store.DeleteFrame(ctx, flipbookID, frameIndex)
	if err != nil {
		return coordinator.storeFailure(EventFrameDelete, flipbookID.String(), rawFrameIndex, "failed to delete frame", err)
	}
	if _, err := coordinator.hub.Broadcast(flipbookID.String(), EventFrameDeleted, FrameDeletedPayload{
		FlipbookID: flipbookID.String(),
		FrameIndex: frameIndex.Int(),
		Deleted:    deleted,
	}, ""); err != nil {
		coordinator.logger.Error("frame deletion broadcast failed", zap.String("flipbook_id", flipbookID.String()), zap.Error(err))
	}
	coordinator.metrics.EventHandled(EventFrameDelete, metrics.OutcomeSuccess)
	return nil
}

// MoveCursor relays a pointer position to the other members of a room the sender has joined.
// Updates from non-members are dropped.
func (coordinator *Coordinator) MoveCursor(connectionID string, request CursorMove) {
	flipbookID, err := frames.NewFlipbookID(request.FlipbookID)
	if err != nil || !coordinator.hub.IsMember(connectionID, flipbookID.String()) {
		coordinator.metrics.EventHandled(EventCursorMove, metrics.OutcomeRejected)
		return
	}
	if _, err := coordinator.hub.Broadcast(flipbookID.String(), EventCursorUpdated, CursorUpdatedPayload{
		SocketID:   connectionID,
		UserID:     request.UserID,
		FlipbookID: flipbookID.String(),
		X:          request.X,
		Y:          request.Y,
	}, connectionID); err != nil {
		coordinator.logger.Debug("cursor broadcast failed", zap.String("connection_id", connectionID), zap.Error(err))
		return
	}
	coordinator.metrics.EventHandled(EventCursorMove, metrics.OutcomeSuccess)
}

// DeleteFlipbook removes every frame of the flipbook and announces it to the whole room.
func (coordinator *Coordinator) DeleteFlipbook(ctx context.Context, flipbookID frames.FlipbookID) (int64, error) {
	unlock := coordinator.sequencer.Lock(flipbookID.String())
	defer unlock()

	removed, err := coordinator.store.DeleteFlipbook(ctx, flipbookID)
	if err != nil {
		coordinator.recordStoreFailure(err)
		return 0, err
	}
	if _, err := coordinator.hub.Broadcast(flipbookID.String(), EventFlipbookDeleted, FlipbookDeletedPayload{
		FlipbookID:    flipbookID.String(),
		DeletedFrames: removed,
	}, ""); err != nil {
		coordinator.logger.Error("flipbook deletion broadcast failed", zap.String("flipbook_id", flipbookID.String()), zap.Error(err))
	}
	coordinator.logger.Info("flipbook deleted", zap.String("flipbook_id", flipbookID.String()), zap.Int64("frames", removed))
	return removed, nil
}

// RenameFlipbook moves the flipbook to newID and announces it to the old room.
// A conflict is returned to the caller only. Room membership is not moved.
func (coordinator *Coordinator) RenameFlipbook(ctx context.Context, oldID, newID frames.FlipbookID) (int64, error) {
	unlock := coordinator.sequencer.Lock(oldID.String(), newID.String())
	defer unlock()

	renamed, err := coordinator.store.RenameFlipbook(ctx, oldID, newID)
	if err != nil {
		coordinator.recordStoreFailure(err)
		return 0, err
	}
	if _, err := coordinator.hub.Broadcast(oldID.String(), EventFlipbookRenamed, FlipbookRenamedPayload{
		OldID:         oldID.String(),
		NewID:         newID.String(),
		RenamedFrames: renamed,
	}, ""); err != nil {
		coordinator.logger.Error("flipbook rename broadcast failed", zap.String("flipbook_id", oldID.String()), zap.Error(err))
	}
	coordinator.logger.Info("flipbook renamed",
		zap.String("old_flipbook_id", oldID.String()),
		zap.String("new_flipbook_id", newID.String()),
		zap.Int64("frames", renamed))
	return renamed, nil
}

// Disconnect releases every membership held by the connection.
func (coordinator *Coordinator) Disconnect(connectionID string) []string {
	return coordinator.hub.Disconnect(connectionID)
}

// AnonymousAuthorFor derives the default author of writes from a connection.
func AnonymousAuthorFor(connectionID string) string {
	suffix := connectionID
	if len(suffix) > anonymousPrefixLength {
		suffix = suffix[:anonymousPrefixLength]
	}
	if suffix == "" {
		return frames.AnonymousAuthor
	}
	return frames.AnonymousAuthor + "-" + suffix
}

func invalidFlipbook(event string, err error) error {
	return &EventError{Event: event, Code: CodeInvalidFlipbookID, Message: "flipbookId is required", Err: err}
}

func requireFrameIndex(event string, flipbookID frames.FlipbookID, raw *int) (frames.FrameIndex, error) {
	if raw == nil {
		return 0, &EventError{
			Event:      event,
			Code:       CodeInvalidFrameIndex,
			FlipbookID: flipbookID.String(),
			Message:    "frameIndex is required",
			Err:        frames.ErrInvalidFrameIndex,
		}
	}
	frameIndex, err := frames.NewFrameIndex(*raw)
	if err != nil {
		return 0, &EventError{
			Event:      event,
			Code:       CodeInvalidFrameIndex,
			FlipbookID: flipbookID.String(),
			FrameIndex: raw,
			Message:    fmt.Sprintf("frameIndex must be between 0 and %d", frames.MaxFrameIndex),
			Err:        err,
		}
	}
	return frameIndex, nil
}

func (coordinator *Coordinator) storeFailure(event, flipbookID string, frameIndex *int, message string, err error) error {
	coordinator.recordStoreFailure(err)
	coordinator.logger.Error("realtime store failure",
		zap.String("event", event),
		zap.String("flipbook_id", flipbookID),
		zap.Error(err))
	return &EventError{
		Event:      event,
		Code:       CodeStoreFailure,
		FlipbookID: flipbookID,
		FrameIndex: frameIndex,
		Message:    message,
		Err:        err,
	}
}

func (coordinator *Coordinator) recordStoreFailure(err error) {
	var storeErr *frames.StoreError
	if errors.As(err, &storeErr) {
		if errors.Is(err, frames.ErrFlipbookExists) || errors.Is(err, frames.ErrSameFlipbookID) || errors.Is(err, frames.ErrInvalidFlipbookID) {
			return
		}
		coordinator.metrics.StoreFailure(storeErr.Code())
		return
	}
	coordinator.metrics.StoreFailure("unknown")
}
