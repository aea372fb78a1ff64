package frames

import (
	"fmt"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

type steppingClock struct {
	mu      sync.Mutex
	current time.Time
	step    time.Duration
}

func newSteppingClock(start time.Time, step time.Duration) *steppingClock {
	return &steppingClock{current: start, step: step}
}

func (clock *steppingClock) Now() time.Time {
	clock.mu.Lock()
	defer clock.mu.Unlock()
	value := clock.current
	clock.current = clock.current.Add(clock.step)
	return value
}

func newTestStore(t *testing.T) (*Store, *gorm.DB, *steppingClock) {
	t.Helper()

	dsn := fmt.Sprintf("file:flipbook_frames_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() {
		_ = sqlDB.Close()
	})
	if err := db.AutoMigrate(&Frame{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	clock := newSteppingClock(time.Unix(1700000000, 0).UTC(), time.Second)
	store, err := NewStore(StoreConfig{
		Database: db,
		Clock:    clock.Now,
	})
	if err != nil {
		t.Fatalf("failed to construct frame store: %v", err)
	}
	return store, db, clock
}

func mustFlipbookID(t *testing.T, value string) FlipbookID {
	t.Helper()
	id, err := NewFlipbookID(value)
	if err != nil {
		t.Fatalf("unexpected flipbook id error: %v", err)
	}
	return id
}

func mustFrameIndex(t *testing.T, value int) FrameIndex {
	t.Helper()
	index, err := NewFrameIndex(value)
	if err != nil {
		t.Fatalf("unexpected frame index error: %v", err)
	}
	return index
}

func mustDrawingData(t *testing.T, value string) DrawingData {
	t.Helper()
	data, err := NewDrawingData([]byte(value))
	if err != nil {
		t.Fatalf("unexpected drawing data error: %v", err)
	}
	return data
}
