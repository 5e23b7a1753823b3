package detect

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"strconv"
	"time"
)

// ErrModelNotLoaded is returned by Ping when the sidecar is up but the
// model failed to load. Streams must not be served in that state.
var ErrModelNotLoaded = errors.New("detector model not loaded")

// Detector is the facade the pipeline sees. Implementations must be safe
// for concurrent use by many per-camera tasks.
type Detector interface {
	// Detect returns the labelled boxes for one JPEG frame. Per-frame
	// failures are logged inside the facade and yield an empty list.
	Detect(ctx context.Context, frame []byte) []Box
}

// Client talks to the inference sidecar over HTTP JSON.
type Client struct {
	endpoint string
	client   *http.Client
	settings *SettingsStore
}

type inferenceObject struct {
	Class      string     `json:"class"`
	Confidence float64    `json:"confidence"`
	BBox       [4]float64 `json:"bbox"` // x1, y1, x2, y2
}

type inferenceResponse struct {
	Detections      []inferenceObject `json:"detections"`
	InferenceTimeMs float64           `json:"inference_time_ms"`
	Device          string            `json:"device"`
}

type healthResponse struct {
	Status      string `json:"status"`
	ModelLoaded bool   `json:"model_loaded"`
	Device      string `json:"device"`
}

func NewClient(endpoint string, settings *SettingsStore) *Client {
	return &Client{
		endpoint: endpoint,
		client: &http.Client{
			Timeout: 15 * time.Second, // GPU inference can stall under load
		},
		settings: settings,
	}
}

// Ping verifies the sidecar is reachable and its model is loaded. Called
// once at startup; a failure prevents the process from serving streams.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("detector health check: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("detector health check: status %d", resp.StatusCode)
	}

	var health healthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return fmt.Errorf("detector health check: %w", err)
	}
	if !health.ModelLoaded {
		return ErrModelNotLoaded
	}
	log.Printf("[Detector] sidecar healthy, device=%s", health.Device)
	return nil
}

// Detect implements Detector. The current settings ride along as form
// fields so a hot-reloaded threshold applies to this call onward.
func (c *Client) Detect(ctx context.Context, frame []byte) []Box {
	cfg := c.settings.Current()

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	part, err := writer.CreateFormFile("image", "frame.jpg")
	if err == nil {
		_, err = part.Write(frame)
	}
	if err != nil {
		log.Printf("[Detector] request build failed: %v", err)
		return nil
	}
	writer.WriteField("device", cfg.Device)
	writer.WriteField("input_size", strconv.Itoa(cfg.InputSize))
	writer.WriteField("confidence", strconv.FormatFloat(cfg.ConfidenceThreshold, 'f', -1, 64))
	writer.WriteField("nms_iou", strconv.FormatFloat(cfg.NMSIoU, 'f', -1, 64))
	writer.WriteField("max_detections", strconv.Itoa(cfg.MaxDetections))
	writer.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/detect", &body)
	if err != nil {
		log.Printf("[Detector] request build failed: %v", err)
		return nil
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.client.Do(req)
	if err != nil {
		log.Printf("[Detector] inference call failed: %v", err)
		return nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		log.Printf("[Detector] inference status %d: %s", resp.StatusCode, snippet)
		return nil
	}

	var result inferenceResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		log.Printf("[Detector] decode response failed: %v", err)
		return nil
	}

	boxes := make([]Box, 0, len(result.Detections))
	for _, obj := range result.Detections {
		class, ok := NormalizeClass(obj.Class)
		if !ok {
			continue
		}
		if obj.Confidence < cfg.ConfidenceThreshold {
			continue
		}
		boxes = append(boxes, Box{
			Class:      class,
			Confidence: obj.Confidence,
			BBox:       BBox{X1: obj.BBox[0], Y1: obj.BBox[1], X2: obj.BBox[2], Y2: obj.BBox[3]},
		})
	}
	return boxes
}
