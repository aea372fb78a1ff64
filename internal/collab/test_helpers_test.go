package collab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/flipbook/backend/internal/frames"
	"github.com/MarcoPoloResearchLab/flipbook/backend/internal/rooms"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type recordingConnection struct {
	id string

	mu     sync.Mutex
	frames [][]byte
	closed bool
}

func (connection *recordingConnection) ID() string {
	return connection.id
}

func (connection *recordingConnection) Send(frame []byte) error {
	connection.mu.Lock()
	defer connection.mu.Unlock()
	if connection.closed {
		return rooms.ErrConnectionClosed
	}
	connection.frames = append(connection.frames, frame)
	return nil
}

func (connection *recordingConnection) Close() {
	connection.mu.Lock()
	defer connection.mu.Unlock()
	connection.closed = true
}

func (connection *recordingConnection) messages(t *testing.T) []rooms.Message {
	t.Helper()
	connection.mu.Lock()
	defer connection.mu.Unlock()
	messages := make([]rooms.Message, 0, len(connection.frames))
	for _, frame := range connection.frames {
		message, err := rooms.Decode(frame)
		require.NoError(t, err)
		messages = append(messages, message)
	}
	return messages
}

func (connection *recordingConnection) events(t *testing.T) []string {
	t.Helper()
	messages := connection.messages(t)
	events := make([]string, 0, len(messages))
	for _, message := range messages {
		events = append(events, message.Event)
	}
	return events
}

func (connection *recordingConnection) last(t *testing.T, event string, target any) {
	t.Helper()
	messages := connection.messages(t)
	for position := len(messages) - 1; position >= 0; position-- {
		if messages[position].Event == event {
			require.NoError(t, json.Unmarshal(messages[position].Data, target))
			return
		}
	}
	t.Fatalf("connection %s never received %s (got %v)", connection.id, event, connection.events(t))
}

func (connection *recordingConnection) reset() {
	connection.mu.Lock()
	defer connection.mu.Unlock()
	connection.frames = nil
}

type testRig struct {
	coordinator *Coordinator
	hub         *rooms.Hub
	store       *frames.Store
}

func newSQLiteStore(t *testing.T) *frames.Store {
	t.Helper()
	dsn := fmt.Sprintf("file:collab_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() {
		_ = sqlDB.Close()
	})
	require.NoError(t, db.AutoMigrate(&frames.Frame{}))

	store, err := frames.NewStore(frames.StoreConfig{Database: db, OperationTimeout: 5 * time.Second})
	require.NoError(t, err)
	return store
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()
	store := newSQLiteStore(t)
	hub := rooms.NewHub(rooms.HubConfig{})
	coordinator, err := NewCoordinator(CoordinatorConfig{
		Store:     store,
		Hub:       hub,
		Sequencer: rooms.NewSequencer(),
	})
	require.NoError(t, err)
	return &testRig{coordinator: coordinator, hub: hub, store: store}
}

func (rig *testRig) connect(t *testing.T, id string) *recordingConnection {
	t.Helper()
	connection := &recordingConnection{id: id}
	require.NoError(t, rig.hub.Register(connection))
	return connection
}

func (rig *testRig) send(t *testing.T, connection *recordingConnection, event string, payload any) {
	t.Helper()
	frame, err := rooms.Encode(event, payload)
	require.NoError(t, err)
	rig.coordinator.HandleMessage(context.Background(), connection.id, frame)
}

var errStoreUnavailable = errors.New("store unavailable")

type stubStore struct {
	mu    sync.Mutex
	calls int

	listFrames  func() ([]frames.Frame, error)
	upsertFrame func(frames.UpsertRequest) (frames.Frame, error)
}

func (store *stubStore) record() {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.calls++
}

func (store *stubStore) callCount() int {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.calls
}

func (store *stubStore) ListFrames(ctx context.Context, flipbookID frames.FlipbookID) ([]frames.Frame, error) {
	store.record()
	if store.listFrames != nil {
		return store.listFrames()
	}
	return nil, nil
}

func (store *stubStore) UpsertFrame(ctx context.Context, request frames.UpsertRequest) (frames.Frame, error) {
	store.record()
	if store.upsertFrame != nil {
		return store.upsertFrame(request)
	}
	return frames.Frame{}, errStoreUnavailable
}

func (store *stubStore) DeleteFrame(ctx context.Context, flipbookID frames.FlipbookID, frameIndex frames.FrameIndex) (bool, error) {
	store.record()
	return false, errStoreUnavailable
}

func (store *stubStore) DeleteFlipbook(ctx context.Context, flipbookID frames.FlipbookID) (int64, error) {
	store.record()
	return 0, errStoreUnavailable
}

func (store *stubStore) RenameFlipbook(ctx context.Context, oldID, newID frames.FlipbookID) (int64, error) {
	store.record()
	return 0, errStoreUnavailable
}

func newStubRig(t *testing.T, store *stubStore) *testRig {
	t.Helper()
	hub := rooms.NewHub(rooms.HubConfig{})
	coordinator, err := NewCoordinator(CoordinatorConfig{
		Store:     store,
		Hub:       hub,
		Sequencer: rooms.NewSequencer(),
	})
	require.NoError(t, err)
	return &testRig{coordinator: coordinator, hub: hub}
}
