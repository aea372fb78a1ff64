package frames

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()
)

// StoreError carries a stable dotted code for a failed store operation.
type StoreError struct {
	code string
	err  error
}

func (e *StoreError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *StoreError) Unwrap() error {
	return e.err
}

func (e *StoreError) Code() string {
	return e.code
}

const (
	opListFrames            = "frames.list_frames"
	opGetFrame              = "frames.get_frame"
	opUpsertFrame           = "frames.upsert_frame"
	opDeleteFrame           = "frames.delete_frame"
	opDeleteFlipbook        = "frames.delete_flipbook"
	opRenameFlipbook        = "frames.rename_flipbook"
	opListFlipbookSummaries = "frames.list_flipbook_summaries"
	opGetFlipbookSummary    = "frames.get_flipbook_summary"

	fieldFlipbookID       = "flipbook_id"
	fieldFrameIndex       = "frame_index"
	queryFlipbook         = fieldFlipbookID + " = ?"
	queryFlipbookFrame    = fieldFlipbookID + " = ? AND " + fieldFrameIndex + " = ?"
	orderFrameIndexAsc    = fieldFrameIndex + " ASC"
	reasonMissingDatabase = "missing_database"
	reasonInvalidInput    = "invalid_input"
	reasonNotFound        = "not_found"
	reasonConflict        = "conflict"
	reasonQueryFailed     = "query_failed"
	reasonTimeout         = "timeout"
)

func newStoreError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &StoreError{code: code, err: cause}
}

// StoreConfig describes the dependencies of the frame store.
type StoreConfig struct {
	Database         *gorm.DB
	Clock            func() time.Time
	Logger           *zap.Logger
	OperationTimeout time.Duration
}

// Store persists flipbook frames keyed by (flipbook id, frame index).
// Concurrent upserts to the same key are last-write-wins with no version check.
type Store struct {
	db      *gorm.DB
	clock   func() time.Time
	logger  *zap.Logger
	timeout time.Duration
}

// NewStore constructs a Store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, newStoreError("frames.store.new", reasonMissingDatabase, errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Store{
		db:      cfg.Database,
		clock:   clock,
		logger:  logger,
		timeout: cfg.OperationTimeout,
	}, nil
}

// ListFrames returns the frames of a flipbook ordered by ascending index.
func (store *Store) ListFrames(ctx context.Context, flipbookID FlipbookID) ([]Frame, error) {
	if store.db == nil {
		return nil, store.fail(opListFrames, reasonMissingDatabase, errMissingDatabase)
	}
	if flipbookID == "" {
		return nil, newStoreError(opListFrames, reasonInvalidInput, ErrInvalidFlipbookID)
	}

	ctx, cancel := store.withTimeout(ctx)
	defer cancel()

	var frames []Frame
	if err := store.db.WithContext(ctx).
		Where(queryFlipbook, flipbookID.String()).
		Order(orderFrameIndexAsc).
		Find(&frames).Error; err != nil {
		return nil, store.fail(opListFrames, store.failureReason(err), err, zap.String(fieldFlipbookID, flipbookID.String()))
	}
	return frames, nil
}

// GetFrame returns one frame or ErrFrameNotFound.
func (store *Store) GetFrame(ctx context.Context, flipbookID FlipbookID, frameIndex FrameIndex) (Frame, error) {
	if store.db == nil {
		return Frame{}, store.fail(opGetFrame, reasonMissingDatabase, errMissingDatabase)
	}
	if flipbookID == "" {
		return Frame{}, newStoreError(opGetFrame, reasonInvalidInput, ErrInvalidFlipbookID)
	}
	if !frameIndex.Valid() {
		return Frame{}, newStoreError(opGetFrame, reasonInvalidInput, ErrInvalidFrameIndex)
	}

	ctx, cancel := store.withTimeout(ctx)
	defer cancel()

	var frame Frame
	err := store.db.WithContext(ctx).
		Where(queryFlipbookFrame, flipbookID.String(), frameIndex.Int()).
		Take(&frame).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Frame{}, newStoreError(opGetFrame, reasonNotFound, ErrFrameNotFound)
	}
	if err != nil {
		return Frame{}, store.fail(opGetFrame, store.failureReason(err), err,
			zap.String(fieldFlipbookID, flipbookID.String()),
			zap.Int(fieldFrameIndex, frameIndex.Int()))
	}
	return frame, nil
}

// UpsertFrame creates the frame or overwrites its drawing, author and update time.
func (store *Store) UpsertFrame(ctx context.Context, request UpsertRequest) (Frame, error) {
	if store.db == nil {
		return Frame{}, store.fail(opUpsertFrame, reasonMissingDatabase, errMissingDatabase)
	}
	if request.FlipbookID == "" {
		return Frame{}, newStoreError(opUpsertFrame, reasonInvalidInput, ErrInvalidFlipbookID)
	}
	if !request.FrameIndex.Valid() {
		return Frame{}, newStoreError(opUpsertFrame, reasonInvalidInput, ErrInvalidFrameIndex)
	}
	if len(request.DrawingData) == 0 {
		return Frame{}, newStoreError(opUpsertFrame, reasonInvalidInput, ErrInvalidDrawingData)
	}

	ctx, cancel := store.withTimeout(ctx)
	defer cancel()

	now := store.clock().UTC()
	candidate := Frame{
		FlipbookID:  request.FlipbookID.String(),
		FrameIndex:  request.FrameIndex.Int(),
		DrawingData: string(request.DrawingData.WithTimestamp(now)),
		CreatedBy:   NormalizeAuthor(request.CreatedBy, ""),
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	var stored Frame
	err := store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		if err := transaction.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: fieldFlipbookID}, {Name: fieldFrameIndex}},
			DoUpdates: clause.AssignmentColumns([]string{"drawing_data", "created_by", "updated_at"}),
		}).Create(&candidate).Error; err != nil {
			return err
		}
		return transaction.
			Where(queryFlipbookFrame, candidate.FlipbookID, candidate.FrameIndex).
			Take(&stored).Error
	})
	if err != nil {
		return Frame{}, store.fail(opUpsertFrame, store.failureReason(err), err,
			zap.String(fieldFlipbookID, candidate.FlipbookID),
			zap.Int(fieldFrameIndex, candidate.FrameIndex))
	}
	return stored, nil
}

// DeleteFrame removes one frame. A missing frame is not an error; deleted reports whether a row was removed.
func (store *Store) DeleteFrame(ctx context.Context, flipbookID FlipbookID, frameIndex FrameIndex) (bool, error) {
	if store.db == nil {
		return false, store.fail(opDeleteFrame, reasonMissingDatabase, errMissingDatabase)
	}
	if flipbookID == "" {
		return false, newStoreError(opDeleteFrame, reasonInvalidInput, ErrInvalidFlipbookID)
	}
	if !frameIndex.Valid() {
		return false, newStoreError(opDeleteFrame, reasonInvalidInput, ErrInvalidFrameIndex)
	}

	ctx, cancel := store.withTimeout(ctx)
	defer cancel()

	result := store.db.WithContext(ctx).
		Where(queryFlipbookFrame, flipbookID.String(), frameIndex.Int()).
		Delete(&Frame{})
	if result.Error != nil {
		return false, store.fail(opDeleteFrame, store.failureReason(result.Error), result.Error,
			zap.String(fieldFlipbookID, flipbookID.String()),
			zap.Int(fieldFrameIndex, frameIndex.Int()))
	}
	return result.RowsAffected > 0, nil
}

// DeleteFlipbook removes every frame of a flipbook in one transaction and returns the count removed.
func (store *Store) DeleteFlipbook(ctx context.Context, flipbookID FlipbookID) (int64, error) {
	if store.db == nil {
		return 0, store.fail(opDeleteFlipbook, reasonMissingDatabase, errMissingDatabase)
	}
	if flipbookID == "" {
		return 0, newStoreError(opDeleteFlipbook, reasonInvalidInput, ErrInvalidFlipbookID)
	}

	ctx, cancel := store.withTimeout(ctx)
	defer cancel()

	var removed int64
	err := store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		result := transaction.Where(queryFlipbook, flipbookID.String()).Delete(&Frame{})
		removed = result.RowsAffected
		return result.Error
	})
	if err != nil {
		return 0, store.fail(opDeleteFlipbook, store.failureReason(err), err, zap.String(fieldFlipbookID, flipbookID.String()))
	}
	return removed, nil
}

// RenameFlipbook moves every frame of oldID under newID in one transaction.
// It refuses when newID already holds a frame and leaves oldID untouched in that case.
func (store *Store) RenameFlipbook(ctx context.Context, oldID, newID FlipbookID) (int64, error) {
	if store.db == nil {
		return 0, store.fail(opRenameFlipbook, reasonMissingDatabase, errMissingDatabase)
	}
	if oldID == "" || newID == "" {
		return 0, newStoreError(opRenameFlipbook, reasonInvalidInput, ErrInvalidFlipbookID)
	}
	if oldID == newID {
		return 0, newStoreError(opRenameFlipbook, reasonInvalidInput, ErrSameFlipbookID)
	}

	ctx, cancel := store.withTimeout(ctx)
	defer cancel()

	var renamed int64
	err := store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		var occupied int64
		if err := transaction.Model(&Frame{}).Where(queryFlipbook, newID.String()).Count(&occupied).Error; err != nil {
			return err
		}
		if occupied > 0 {
			return ErrFlipbookExists
		}
		result := transaction.Model(&Frame{}).
			Where(queryFlipbook, oldID.String()).
			UpdateColumn(fieldFlipbookID, newID.String())
		renamed = result.RowsAffected
		return result.Error
	})
	if errors.Is(err, ErrFlipbookExists) {
		return 0, newStoreError(opRenameFlipbook, reasonConflict, ErrFlipbookExists)
	}
	if err != nil {
		return 0, store.fail(opRenameFlipbook, store.failureReason(err), err,
			zap.String("old_flipbook_id", oldID.String()),
			zap.String("new_flipbook_id", newID.String()))
	}
	return renamed, nil
}

const summarySelect = fieldFlipbookID + ", COUNT(*) AS frame_count, MIN(created_at) AS created_at, MAX(updated_at) AS last_updated"

// ListFlipbookSummaries aggregates every stored flipbook, most recently updated first.
func (store *Store) ListFlipbookSummaries(ctx context.Context) ([]FlipbookSummary, error) {
	if store.db == nil {
		return nil, store.fail(opListFlipbookSummaries, reasonMissingDatabase, errMissingDatabase)
	}

	ctx, cancel := store.withTimeout(ctx)
	defer cancel()

	summaries, err := store.querySummaries(store.db.WithContext(ctx).Model(&Frame{}))
	if err != nil {
		return nil, store.fail(opListFlipbookSummaries, store.failureReason(err), err)
	}
	sortSummaries(summaries)
	return summaries, nil
}

// GetFlipbookSummary aggregates one flipbook or returns ErrFlipbookNotFound.
func (store *Store) GetFlipbookSummary(ctx context.Context, flipbookID FlipbookID) (FlipbookSummary, error) {
	if store.db == nil {
		return FlipbookSummary{}, store.fail(opGetFlipbookSummary, reasonMissingDatabase, errMissingDatabase)
	}
	if flipbookID == "" {
		return FlipbookSummary{}, newStoreError(opGetFlipbookSummary, reasonInvalidInput, ErrInvalidFlipbookID)
	}

	ctx, cancel := store.withTimeout(ctx)
	defer cancel()

	summaries, err := store.querySummaries(store.db.WithContext(ctx).Model(&Frame{}).Where(queryFlipbook, flipbookID.String()))
	if err != nil {
		return FlipbookSummary{}, store.fail(opGetFlipbookSummary, store.failureReason(err), err,
			zap.String(fieldFlipbookID, flipbookID.String()))
	}
	if len(summaries) == 0 {
		return FlipbookSummary{}, newStoreError(opGetFlipbookSummary, reasonNotFound, ErrFlipbookNotFound)
	}
	return summaries[0], nil
}

// querySummaries groups frames per flipbook in the database.
// Aggregated timestamps come back as time.Time from postgres and as text from sqlite.
func (store *Store) querySummaries(query *gorm.DB) ([]FlipbookSummary, error) {
	rows, err := query.Select(summarySelect).Group(fieldFlipbookID).Rows()
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	summaries := make([]FlipbookSummary, 0)
	for rows.Next() {
		var (
			summary     FlipbookSummary
			createdAt   any
			lastUpdated any
		)
		if err := rows.Scan(&summary.FlipbookID, &summary.FrameCount, &createdAt, &lastUpdated); err != nil {
			return nil, err
		}
		if summary.CreatedAt, err = parseAggregateTime(createdAt); err != nil {
			return nil, err
		}
		if summary.LastUpdated, err = parseAggregateTime(lastUpdated); err != nil {
			return nil, err
		}
		summaries = append(summaries, summary)
	}
	return summaries, rows.Err()
}

var aggregateTimeLayouts = []string{
	"2006-01-02 15:04:05.999999999-07:00",
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05.999999999 -0700 MST",
}

func parseAggregateTime(value any) (time.Time, error) {
	var text string
	switch typed := value.(type) {
	case time.Time:
		return typed.UTC(), nil
	case string:
		text = typed
	case []byte:
		text = string(typed)
	default:
		return time.Time{}, fmt.Errorf("unsupported aggregate timestamp %T", value)
	}
	for _, layout := range aggregateTimeLayouts {
		if parsed, err := time.Parse(layout, text); err == nil {
			return parsed.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable aggregate timestamp %q", text)
}

// Ping verifies the underlying connection.
func (store *Store) Ping(ctx context.Context) error {
	if store.db == nil {
		return errMissingDatabase
	}
	sqlDB, err := store.db.DB()
	if err != nil {
		return err
	}
	ctx, cancel := store.withTimeout(ctx)
	defer cancel()
	return sqlDB.PingContext(ctx)
}

func sortSummaries(summaries []FlipbookSummary) {
	sort.Slice(summaries, func(left, right int) bool {
		if summaries[left].LastUpdated.Equal(summaries[right].LastUpdated) {
			return summaries[left].FlipbookID < summaries[right].FlipbookID
		}
		return summaries[left].LastUpdated.After(summaries[right].LastUpdated)
	})
}
