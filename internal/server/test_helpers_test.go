package server

import (
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/flipbook/backend/internal/collab"
	"github.com/MarcoPoloResearchLab/flipbook/backend/internal/frames"
	"github.com/MarcoPoloResearchLab/flipbook/backend/internal/metrics"
	"github.com/MarcoPoloResearchLab/flipbook/backend/internal/rooms"
	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type testServer struct {
	handler http.Handler
	store   *frames.Store
	hub     *rooms.Hub
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:server_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
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
	if err := db.AutoMigrate(&frames.Frame{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	store, err := frames.NewStore(frames.StoreConfig{Database: db, OperationTimeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("failed to build store: %v", err)
	}
	registry := prometheus.NewRegistry()
	recorder := metrics.NewPrometheusRecorder(registry)
	hub := rooms.NewHub(rooms.HubConfig{Metrics: recorder})
	t.Cleanup(hub.Shutdown)
	coordinator, err := collab.NewCoordinator(collab.CoordinatorConfig{
		Store:     store,
		Hub:       hub,
		Sequencer: rooms.NewSequencer(),
		Metrics:   recorder,
	})
	if err != nil {
		t.Fatalf("failed to build coordinator: %v", err)
	}

	handler, err := NewHTTPHandler(Dependencies{
		FrameStore:     store,
		Coordinator:    coordinator,
		Hub:            hub,
		Logger:         zap.NewNop(),
		Metrics:        recorder,
		MetricsHandler: promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
	})
	if err != nil {
		t.Fatalf("failed to build handler: %v", err)
	}
	return &testServer{handler: handler, store: store, hub: hub}
}
