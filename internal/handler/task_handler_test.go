package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketpulse/internal/collector"
	"marketpulse/internal/config"
	"marketpulse/internal/monitor"
	"marketpulse/pkg/queue"
	"marketpulse/pkg/utils"
)

type stubFetcher struct{}

func (stubFetcher) Fetch(ctx context.Context, rawURL string, schedule collector.Schedule) (*collector.Payload, error) {
	return &collector.Payload{Status: http.StatusOK, FetchedAt: time.Now()}, nil
}

// newTestRouter builds a router over a collector that is never started,
// so submitted tasks stay queued for status assertions.
func newTestRouter(t *testing.T) (*gin.Engine, *collector.Collector) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := config.CollectorConfig{
		Source:          "marketplace",
		BaseURL:         "https://market.test",
		Concurrency:     1,
		MinDelay:        time.Millisecond,
		MaxDelay:        2 * time.Millisecond,
		MaxRetries:      1,
		RetryBaseDelay:  time.Millisecond,
		DefaultIdentity: "test-agent",
		BreakerCooldown: time.Second,
		QueueCapacity:   2,
	}
	bus := queue.NewMemoryBus(&queue.MemoryBusConfig{Partitions: 1, BufferSize: 16, PublishTimeout: time.Second})
	t.Cleanup(func() { bus.Close() })

	col := collector.New(cfg, collector.NewRotator(cfg), stubFetcher{}, bus, monitor.New(prometheus.NewRegistry()))

	router := gin.New()
	h := NewTaskHandler(col)
	router.POST("/api/v1/tasks", h.SubmitTask)
	router.GET("/api/v1/tasks/:id", h.GetTaskStatus)
	return router, col
}

func postTask(t *testing.T, router *gin.Engine, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/tasks", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestSubmitTaskQueued(t *testing.T) {
	router, _ := newTestRouter(t)

	w := postTask(t, router, `{"kind":"search","query":"road bike","max_price":500}`)

	require.Equal(t, http.StatusOK, w.Code)
	var resp utils.Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	data := resp.Data.(map[string]interface{})
	assert.Equal(t, "queued", data["status"])
	assert.NotEmpty(t, data["task_id"])
}

func TestSubmitTaskInvalidKind(t *testing.T) {
	router, _ := newTestRouter(t)

	w := postTask(t, router, `{"kind":"detail"}`)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSubmitTaskMissingBody(t *testing.T) {
	router, _ := newTestRouter(t)

	w := postTask(t, router, `{}`)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSubmitTaskQueueFull(t *testing.T) {
	router, _ := newTestRouter(t)

	for i := 0; i < 2; i++ {
		w := postTask(t, router, `{"kind":"search","query":"sofa"}`)
		require.Equal(t, http.StatusOK, w.Code)
	}

	w := postTask(t, router, `{"kind":"search","query":"sofa"}`)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
}

func TestGetTaskStatus(t *testing.T) {
	router, _ := newTestRouter(t)

	w := postTask(t, router, `{"kind":"search","query":"camera"}`)
	require.Equal(t, http.StatusOK, w.Code)
	var resp utils.Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	taskID := resp.Data.(map[string]interface{})["task_id"].(string)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/tasks/"+taskID, nil)
	got := httptest.NewRecorder()
	router.ServeHTTP(got, req)

	require.Equal(t, http.StatusOK, got.Code)
	var statusResp utils.Response
	require.NoError(t, json.Unmarshal(got.Body.Bytes(), &statusResp))
	assert.Equal(t, "queued", statusResp.Data.(map[string]interface{})["status"])
}

func TestGetTaskStatusUnknown(t *testing.T) {
	router, _ := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/tasks/nope", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}
