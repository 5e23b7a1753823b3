package detect

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSettingsStore(t *testing.T) *SettingsStore {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewSettingsStore(context.Background(), rdb)
}

func TestClientDetect_ParsesAndNormalizesDetections(t *testing.T) {
	var gotDevice, gotConfidence string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/detect", r.URL.Path)
		require.NoError(t, r.ParseMultipartForm(1<<20))
		gotDevice = r.FormValue("device")
		gotConfidence = r.FormValue("confidence")

		file, _, err := r.FormFile("image")
		require.NoError(t, err)
		file.Close()

		json.NewEncoder(w).Encode(inferenceResponse{
			Detections: []inferenceObject{
				{Class: "Person", Confidence: 0.92, BBox: [4]float64{10, 20, 110, 320}},
				{Class: "NO-Hardhat", Confidence: 0.81, BBox: [4]float64{30, 20, 90, 60}},
				{Class: "Safety Vest", Confidence: 0.40, BBox: [4]float64{20, 120, 100, 260}}, // below threshold
				{Class: "machinery", Confidence: 0.99, BBox: [4]float64{0, 0, 5, 5}},          // unknown label
			},
			InferenceTimeMs: 12.5,
			Device:          "cuda",
		})
	}))
	defer server.Close()

	c := NewClient(server.URL, testSettingsStore(t))
	boxes := c.Detect(context.Background(), []byte("jpeg-bytes"))

	require.Len(t, boxes, 2)
	assert.Equal(t, ClassPerson, boxes[0].Class)
	assert.Equal(t, ClassNoHardhat, boxes[1].Class)
	assert.Equal(t, 10.0, boxes[0].BBox.X1)
	assert.Equal(t, 320.0, boxes[0].BBox.Y2)

	assert.Equal(t, "cuda", gotDevice)
	assert.Equal(t, "0.5", gotConfidence)
}

func TestClientDetect_ServerErrorYieldsNoBoxes(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "inference worker crashed", http.StatusInternalServerError)
	}))
	defer server.Close()

	c := NewClient(server.URL, testSettingsStore(t))
	assert.Empty(t, c.Detect(context.Background(), []byte("jpeg-bytes")))
}

func TestClientDetect_UnreachableSidecarYieldsNoBoxes(t *testing.T) {
	c := NewClient("http://127.0.0.1:1", testSettingsStore(t))
	assert.Empty(t, c.Detect(context.Background(), []byte("jpeg-bytes")))
}

func TestClientPing(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/health", r.URL.Path)
		json.NewEncoder(w).Encode(healthResponse{Status: "ok", ModelLoaded: true, Device: "cuda"})
	}))
	defer server.Close()

	c := NewClient(server.URL, testSettingsStore(t))
	assert.NoError(t, c.Ping(context.Background()))
}

func TestClientPing_ModelNotLoaded(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(healthResponse{Status: "degraded", ModelLoaded: false})
	}))
	defer server.Close()

	c := NewClient(server.URL, testSettingsStore(t))
	assert.ErrorIs(t, c.Ping(context.Background()), ErrModelNotLoaded)
}

func TestClientPing_BadStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	c := NewClient(server.URL, testSettingsStore(t))
	assert.Error(t, c.Ping(context.Background()))
}
