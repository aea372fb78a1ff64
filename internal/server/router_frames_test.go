package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/MarcoPoloResearchLab/flipbook/backend/internal/frames"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func TestHandleListFramesIncludesStoreErrorCode(testContext *testing.T) {
	gin.SetMode(gin.TestMode)
	recorder := httptest.NewRecorder()
	context, _ := gin.CreateTestContext(recorder)
	context.Params = gin.Params{{Key: "flipbookId", Value: "cat"}}
	context.Request = httptest.NewRequest(http.MethodGet, "/api/flipbooks/cat/frames", http.NoBody)

	handler := &httpHandler{
		frameStore: &frames.Store{},
		logger:     zap.NewNop(),
	}

	handler.handleListFrames(context)

	if recorder.Code != http.StatusInternalServerError {
		testContext.Fatalf("expected internal server error status, got %d", recorder.Code)
	}
	var payload map[string]any
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		testContext.Fatalf("failed to decode response: %v", err)
	}
	if payload["code"] != "frames.list_frames.missing_database" {
		testContext.Fatalf("expected store error code, got %v", payload["code"])
	}
	if payload["error"] != "list_frames_failed" {
		testContext.Fatalf("unexpected error %v", payload["error"])
	}
}

func TestHandleGetFrameRejectsInvalidIndex(testContext *testing.T) {
	gin.SetMode(gin.TestMode)
	recorder := httptest.NewRecorder()
	context, _ := gin.CreateTestContext(recorder)
	context.Params = gin.Params{{Key: "flipbookId", Value: "cat"}, {Key: "frameIndex", Value: "-2"}}
	context.Request = httptest.NewRequest(http.MethodGet, "/api/flipbooks/cat/frames/-2", http.NoBody)

	handler := &httpHandler{
		frameStore: &frames.Store{},
		logger:     zap.NewNop(),
	}

	handler.handleGetFrame(context)

	if recorder.Code != http.StatusBadRequest {
		testContext.Fatalf("expected bad request status, got %d", recorder.Code)
	}
	expected := `{"error":"invalid_frame_index"}`
	if recorder.Body.String() != expected {
		testContext.Fatalf("unexpected response body: %s", recorder.Body.String())
	}
}

func TestHandleUpsertFrameRejectsMissingDrawing(testContext *testing.T) {
	gin.SetMode(gin.TestMode)
	recorder := httptest.NewRecorder()
	context, _ := gin.CreateTestContext(recorder)
	context.Params = gin.Params{{Key: "flipbookId", Value: "cat"}, {Key: "frameIndex", Value: "0"}}
	request := httptest.NewRequest(http.MethodPut, "/api/flipbooks/cat/frames/0", strings.NewReader(`{"createdBy":"alice"}`))
	request.Header.Set("Content-Type", "application/json")
	context.Request = request

	handler := &httpHandler{
		frameStore: &frames.Store{},
		logger:     zap.NewNop(),
	}

	handler.handleUpsertFrame(context)

	if recorder.Code != http.StatusBadRequest {
		testContext.Fatalf("expected bad request status, got %d", recorder.Code)
	}
	expected := `{"error":"invalid_drawing_data"}`
	if recorder.Body.String() != expected {
		testContext.Fatalf("unexpected response body: %s", recorder.Body.String())
	}
}

func TestHandleRenameRejectsEmptyAndSameTarget(testContext *testing.T) {
	gin.SetMode(gin.TestMode)
	testCases := []struct {
		name     string
		body     string
		expected string
	}{
		{name: "empty", body: `{"newId":"   "}`, expected: `{"error":"invalid_new_id"}`},
		{name: "same", body: `{"newId":"cat"}`, expected: `{"error":"same_flipbook_id"}`},
		{name: "malformed", body: `{`, expected: `{"error":"invalid_request"}`},
	}

	for _, testCase := range testCases {
		testContext.Run(testCase.name, func(t *testing.T) {
			recorder := httptest.NewRecorder()
			context, _ := gin.CreateTestContext(recorder)
			context.Params = gin.Params{{Key: "flipbookId", Value: "cat"}}
			request := httptest.NewRequest(http.MethodPost, "/api/flipbooks/cat/rename", strings.NewReader(testCase.body))
			request.Header.Set("Content-Type", "application/json")
			context.Request = request

			handler := &httpHandler{
				frameStore: &frames.Store{},
				logger:     zap.NewNop(),
			}

			handler.handleRenameFlipbook(context)

			if recorder.Code != http.StatusBadRequest {
				t.Fatalf("expected bad request status, got %d", recorder.Code)
			}
			if recorder.Body.String() != testCase.expected {
				t.Fatalf("unexpected response body: %s", recorder.Body.String())
			}
		})
	}
}

func TestHealthReportsUnavailableStore(testContext *testing.T) {
	gin.SetMode(gin.TestMode)
	recorder := httptest.NewRecorder()
	context, _ := gin.CreateTestContext(recorder)
	context.Request = httptest.NewRequest(http.MethodGet, "/healthz", http.NoBody)

	handler := &httpHandler{
		frameStore: &frames.Store{},
		logger:     zap.NewNop(),
	}

	handler.handleHealth(context)

	if recorder.Code != http.StatusServiceUnavailable {
		testContext.Fatalf("expected service unavailable status, got %d", recorder.Code)
	}
}

func TestFrameRoutesRejectIndexAboveMaximum(testContext *testing.T) {
	gin.SetMode(gin.TestMode)
	testCases := []struct {
		name   string
		method string
		index  string
		body   string
	}{
		{name: "get", method: http.MethodGet, index: "10000"},
		{name: "put", method: http.MethodPut, index: "10000", body: `{"drawingData":{"imageData":"X"}}`},
		{name: "put huge", method: http.MethodPut, index: "5000000", body: `{"drawingData":{"imageData":"X"}}`},
		{name: "delete", method: http.MethodDelete, index: "2147483648"},
	}

	for _, testCase := range testCases {
		testContext.Run(testCase.name, func(t *testing.T) {
			recorder := httptest.NewRecorder()
			context, _ := gin.CreateTestContext(recorder)
			context.Params = gin.Params{{Key: "flipbookId", Value: "cat"}, {Key: "frameIndex", Value: testCase.index}}
			request := httptest.NewRequest(testCase.method, "/api/flipbooks/cat/frames/"+testCase.index, strings.NewReader(testCase.body))
			request.Header.Set("Content-Type", "application/json")
			context.Request = request

			handler := &httpHandler{
				frameStore: &frames.Store{},
				logger:     zap.NewNop(),
			}

			switch testCase.method {
			case http.MethodGet:
				handler.handleGetFrame(context)
			case http.MethodPut:
				handler.handleUpsertFrame(context)
			case http.MethodDelete:
				handler.handleDeleteFrame(context)
			}

			if recorder.Code != http.StatusBadRequest {
				t.Fatalf("expected bad request status, got %d", recorder.Code)
			}
			if recorder.Body.String() != `{"error":"invalid_frame_index"}` {
				t.Fatalf("unexpected response body: %s", recorder.Body.String())
			}
		})
	}
}
