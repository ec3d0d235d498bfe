// Package domain holds the wire-level types shared across every stage of
// the pipeline: frame envelopes, branch verdicts, actions, and saved
// actions. These are tagged structs with a Metadata escape hatch, not
// untyped maps, so that adding a field to one stage never breaks a
// sibling stage's decoder.
package domain

import "time"

// Action codes delivered to clients.
const (
	ActionNoAction   = 0
	ActionLockScreen = 1
	ActionSignOut    = 2
	ActionWarning    = 3
	ActionError      = 4
)

// Reason codes qualifying an action.
const (
	ReasonEmpty                  = 0
	ReasonPhoneDetection         = 1
	ReasonCableRemoved           = 2
	ReasonCameraDetached         = 3
	ReasonConnectivity           = 4
	ReasonSpoofImage             = 5
	ReasonWrongUser              = 6
	ReasonNoFace                 = 7
	ReasonBlocked                = 8
	ReasonPaused                 = 9
	ReasonResumed                = 10
	ReasonNotAvailable           = 11
	ReasonRateLimitExceeded      = 12
)

// actionNames / reasonNames back the deterministic saved-action path
// segments (e.g. "Lock_screen", "Wrong_user").
var actionNames = map[int]string{
	ActionNoAction:   "No_action",
	ActionLockScreen: "Lock_screen",
	ActionSignOut:    "Sign_out",
	ActionWarning:    "Warning",
	ActionError:      "Error",
}

var reasonNames = map[int]string{
	ReasonEmpty:             "Empty_reason",
	ReasonPhoneDetection:    "Phone_detection",
	ReasonCableRemoved:      "Cable_removed",
	ReasonCameraDetached:    "Camera_detached",
	ReasonConnectivity:      "Connectivity",
	ReasonSpoofImage:        "Spoof_image",
	ReasonWrongUser:         "Wrong_user",
	ReasonNoFace:            "No_face",
	ReasonBlocked:           "Blocked",
	ReasonPaused:            "Paused",
	ReasonResumed:           "Resumed",
	ReasonNotAvailable:      "Not_available",
	ReasonRateLimitExceeded: "Rate_limit_exceeded",
}

// ActionName returns the deterministic path segment for an action code.
func ActionName(action int) string {
	if n, ok := actionNames[action]; ok {
		return n
	}
	return "Unknown"
}

// ReasonName returns the deterministic path segment for a reason code.
func ReasonName(reason int) string {
	if n, ok := reasonNames[reason]; ok {
		return n
	}
	return "Unknown"
}

// BBox is an axis-aligned bounding box in pixel coordinates.
type BBox struct {
	X1 int `json:"x1"`
	Y1 int `json:"y1"`
	X2 int `json:"x2"`
	Y2 int `json:"y2"`
}

// FrameEnvelope is the queue payload produced by the Gateway and
// consumed once per branch by a PipelineWorker. It never carries pixel
// bytes — those live only in the object store under ObjectKey.
type FrameEnvelope struct {
	ClientName      string            `json:"client_name"`
	SendTime        time.Time         `json:"send_time"`
	ObjectKey       string            `json:"object_key"`
	Bucket          string            `json:"bucket"`
	ContentType     string            `json:"content_type"`
	StorageProvider string            `json:"storage_provider"`
	FrameSizeBytes  int64             `json:"frame_size_bytes"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// FaceVerdict is the face branch's per-frame result.
type FaceVerdict struct {
	ClientName            string    `json:"client_name"`
	SendTime              time.Time `json:"send_time"`
	ObjectKey             string    `json:"object_key"`
	Bucket                string    `json:"bucket"`
	FaceBBox              *BBox     `json:"face_bbox,omitempty"`
	CheckClient           *bool     `json:"check_client,omitempty"` // true iff the detected face matches the client's reference embedding
	CheckSpoof            *bool     `json:"check_spoof,omitempty"`  // true iff the detected face was classified as spoofed
	RecognitionMetricValue *float64 `json:"recognition_metric_value,omitempty"`
	Threshold             *float64  `json:"threshold,omitempty"`
	DetectionSuccess      bool      `json:"detection_success"`
	ProcessingError       string    `json:"processing_error,omitempty"`
}

// PhoneVerdict is the phone branch's per-frame result.
type PhoneVerdict struct {
	ClientName      string    `json:"client_name"`
	SendTime        time.Time `json:"send_time"`
	ObjectKey       string    `json:"object_key"`
	Bucket          string    `json:"bucket"`
	PhoneBBox       *BBox     `json:"phone_bbox,omitempty"`
	PhoneConfidence *float64  `json:"phone_confidence,omitempty"`
	ProcessingError string    `json:"processing_error,omitempty"`
}

// Action is the fused enforcement decision delivered back to the client.
type Action struct {
	ClientName string    `json:"client_name"`
	Action     int       `json:"action"`
	Reason     int       `json:"reason"`
	SendTime   time.Time `json:"send_time"`
	FinishTime time.Time `json:"finish_time"`
}

// SavedAction is the enriched, audit-bound record of a non-NO_ACTION
// decision: the original frame annotated with the triggering bbox,
// carried on the saved_actions queue for the ServerManager to persist
// at the deterministic SavedObjectKey. Unlike FrameEnvelope, a
// SavedAction does carry image bytes — the annotated frame exists
// nowhere else until the writer stores it.
type SavedAction struct {
	Action
	SourceObjectKey string `json:"source_object_key"`
	SourceBucket    string `json:"source_bucket"`
	SavedObjectKey  string `json:"saved_object_key"`
	AnnotatedBucket string `json:"annotated_bucket"`
	AnnotatedImage  []byte `json:"annotated_image,omitempty"`
	Branch          string `json:"branch"` // "face" | "phone"
}

// SavedActionKey computes the deterministic object-store key for a
// saved action: actions/<Action>/<client>/<ts>__<Action>__<Reason>.jpg
func SavedActionKey(clientName string, action, reason int, ts time.Time) string {
	return "actions/" + ActionName(action) + "/" + clientName + "/" +
		ts.UTC().Format("20060102T150405.000000000Z") + "__" + ActionName(action) + "__" + ReasonName(reason) + ".jpg"
}

// ClientStatusBucket names the six status buckets mirrored to the KV store.
type ClientStatusBucket string

const (
	StatusActive        ClientStatusBucket = "active_clients"
	StatusPaused        ClientStatusBucket = "paused_clients"
	StatusBlocked       ClientStatusBucket = "blocked_clients"
	StatusDeactivated   ClientStatusBucket = "deactivate_clients"
	StatusConnError     ClientStatusBucket = "connecting_internet_error"
	StatusToClose       ClientStatusBucket = "clients_to_close"
)

// AllStatusBuckets lists every bucket name the KV status hash and the
// ServerManager file-ops worker must mirror.
var AllStatusBuckets = []ClientStatusBucket{
	StatusActive, StatusPaused, StatusBlocked, StatusDeactivated, StatusConnError, StatusToClose,
}

// ClientStatusSnapshot is the admin-surface view of one client's
// current bucket membership.
type ClientStatusSnapshot struct {
	ClientName string `json:"client_name"`
	Bucket     string `json:"bucket,omitempty"`
}
