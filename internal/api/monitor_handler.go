package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/technosupport/ppe-sentinel/internal/data"
	"github.com/technosupport/ppe-sentinel/internal/metrics"
	"github.com/technosupport/ppe-sentinel/internal/monitor"
	"github.com/technosupport/ppe-sentinel/internal/tokens"
	"github.com/technosupport/ppe-sentinel/internal/ws"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all for dev; restrict in prod
	},
}

const writeDeadline = 10 * time.Second

// MonitorHandler serves /ws/monitor/{camera_id}: it attaches the client
// to the camera's hub and makes sure a pipeline is running.
type MonitorHandler struct {
	Tokens  *tokens.Manager
	Cameras data.CameraModel
	Hub     *ws.Hub
	Streams *monitor.Manager
	Metrics *metrics.Collector
}

func NewMonitorHandler(tm *tokens.Manager, cameras data.CameraModel, hub *ws.Hub, streams *monitor.Manager, collector *metrics.Collector) *MonitorHandler {
	return &MonitorHandler{Tokens: tm, Cameras: cameras, Hub: hub, Streams: streams, Metrics: collector}
}

func (h *MonitorHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	cameraID := chi.URLParam(r, "camera_id")

	// Auth via query param (standard for WS).
	tokenStr := r.URL.Query().Get("token")
	if tokenStr == "" {
		http.Error(w, "missing token", http.StatusUnauthorized)
		return
	}
	claims, err := h.Tokens.ValidateToken(tokenStr)
	if err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[WS] upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	camera, err := h.Cameras.GetByID(r.Context(), cameraID)
	if err != nil {
		msg := "Camera lookup failed"
		if errors.Is(err, data.ErrRecordNotFound) {
			msg = "Camera not found"
		}
		h.writeDirect(conn, ws.NewError(msg))
		return
	}
	if !camera.IsActive() {
		h.writeDirect(conn, ws.NewError("Camera is not active"))
		return
	}

	sub := ws.NewSubscriber()
	count := h.Hub.Subscribe(cameraID, sub)
	h.Metrics.Subscribers.WithLabelValues(cameraID).Set(float64(count))
	defer func() {
		remaining := h.Hub.Unsubscribe(cameraID, sub)
		h.Metrics.Subscribers.WithLabelValues(cameraID).Set(float64(remaining))
	}()
	log.Printf("[WS] user %s subscribed to camera %s (viewers: %d)", claims.UserID, cameraID, count)

	// Subscription precedes the stream start so the pipeline always sees
	// a non-zero count on its first iteration.
	h.Streams.EnsureStream(context.WithoutCancel(r.Context()), camera)

	go h.writePump(conn, sub, cameraID)
	h.readLoop(conn, sub, cameraID, claims.UserID)
}

func (h *MonitorHandler) writeDirect(conn *websocket.Conn, msg any) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return
	}
	conn.SetWriteDeadline(time.Now().Add(writeDeadline))
	conn.WriteMessage(websocket.TextMessage, payload)
}

// writePump is the only writer on the connection. It drains the
// subscriber outbox until the client is dropped or the write fails.
func (h *MonitorHandler) writePump(conn *websocket.Conn, sub *ws.Subscriber, cameraID string) {
	for {
		select {
		case <-sub.Done():
			return
		case payload, ok := <-sub.Outbox():
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				log.Printf("[WS] write failed on camera %s: %v", cameraID, err)
				h.Hub.Unsubscribe(cameraID, sub)
				conn.Close()
				return
			}
		}
	}
}

// readLoop handles client keepalives until the client disconnects.
func (h *MonitorHandler) readLoop(conn *websocket.Conn, sub *ws.Subscriber, cameraID, userID string) {
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			log.Printf("[WS] user %s left camera %s: %v", userID, cameraID, err)
			return
		}
		if string(msg) == "ping" {
			payload, _ := json.Marshal(ws.PongMessage{Type: "pong"})
			sub.Enqueue(payload)
		}
	}
}
