package ws

// Server -> client messages, tagged by "type". Shapes are part of the
// frontend contract; field names must not change.

type StatusMessage struct {
	Type    string `json:"type"` // "status"
	Message string `json:"message"`
}

type ErrorMessage struct {
	Type    string `json:"type"` // "error"
	Message string `json:"message"`
}

type PongMessage struct {
	Type string `json:"type"` // "pong"
}

// FrameResults carries the per-frame evaluation summary.
type FrameResults struct {
	DetectedClasses  []string           `json:"detected_classes"`
	IsCompliant      bool               `json:"is_compliant"`
	SafetyStatus     string             `json:"safety_status"`
	ViolationType    string             `json:"violation_type,omitempty"`
	ConfidenceScores map[string]float64 `json:"confidence_scores"`
	PersonDetected   bool               `json:"person_detected"`
	PersonCount      int                `json:"person_count"`
	IsPartial        bool               `json:"is_partial"`
	PartialReason    string             `json:"partial_reason,omitempty"`
}

type FrameMessage struct {
	Type      string       `json:"type"` // "frame"
	CameraID  string       `json:"camera_id"`
	Frame     string       `json:"frame"` // base64 JPEG
	Results   FrameResults `json:"results"`
	Timestamp string       `json:"timestamp"`
}

type AlertBody struct {
	ID        string `json:"id"`
	Severity  string `json:"severity"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

type AlertMessage struct {
	Type     string    `json:"type"` // "alert"
	CameraID string    `json:"camera_id"`
	Alert    AlertBody `json:"alert"`
}

func NewStatus(msg string) StatusMessage { return StatusMessage{Type: "status", Message: msg} }
func NewError(msg string) ErrorMessage   { return ErrorMessage{Type: "error", Message: msg} }
