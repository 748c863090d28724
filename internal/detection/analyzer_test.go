package detection

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/darsavelidze/safe-school/internal/apperror"
	"github.com/darsavelidze/safe-school/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func inferenceServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func TestRemoteAnalyzer_Analyze(t *testing.T) {
	raw := encodePNG(t, testImage(8, 8))

	srv := inferenceServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var req analyzeRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "png", req.Format)
		assert.Equal(t, base64.StdEncoding.EncodeToString(raw), req.Image)

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(Detection{
			Count: 1,
			Boxes: []model.Box{{X1: 1, Y1: 2, X2: 5, Y2: 7, Confidence: 0.9}},
		})
	})

	a := NewRemoteAnalyzer(srv.URL, time.Second, zap.NewNop())
	det, err := a.Analyze(context.Background(), Frame{Raw: raw, Format: "png"})
	require.NoError(t, err)
	assert.Equal(t, 1, det.Count)
	require.Len(t, det.Boxes, 1)
	assert.Equal(t, 0.9, det.Boxes[0].Confidence)
}

func TestRemoteAnalyzer_Errors(t *testing.T) {
	t.Run("error status", func(t *testing.T) {
		srv := inferenceServer(t, func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "model not loaded", http.StatusServiceUnavailable)
		})
		_, err := NewRemoteAnalyzer(srv.URL, time.Second, zap.NewNop()).
			Analyze(context.Background(), Frame{Raw: []byte{1}, Format: "jpeg"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "503")
	})

	t.Run("slow service", func(t *testing.T) {
		release := make(chan struct{})
		srv := inferenceServer(t, func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-release:
			case <-r.Context().Done():
			}
		})
		defer close(release)

		_, err := NewRemoteAnalyzer(srv.URL, 50*time.Millisecond, zap.NewNop()).
			Analyze(context.Background(), Frame{Raw: []byte{1}, Format: "jpeg"})
		require.Error(t, err)
	})
}

func TestDispatcher_RemoteAnalyzerOutputValidated(t *testing.T) {
	srv := inferenceServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"people_count": 2, "boxes": [{"x1":0,"y1":0,"x2":4,"y2":4,"confidence":1.7}]}`))
	})

	d, cameras, _ := newTestDispatcher(t, NewRemoteAnalyzer(srv.URL, time.Second, zap.NewNop()),
		Config{QueueCapacity: 2, RequestTimeout: 2 * time.Second})

	res, err := d.Submit(context.Background(), Job{TenantID: "school_a", CameraID: "cam_1", Frame: frameWithCount(0)})
	assert.True(t, apperror.IsKind(err, apperror.DetectionFailed))
	assert.Equal(t, 0, res.Count)

	_, ok := cameras.Frame("school_a", "cam_1")
	assert.False(t, ok)
}
