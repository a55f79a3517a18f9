package models

// Client -> server events
const (
	EventUploadManifest = "upload-manifest"
	EventFileStart      = "file-start"
	EventFileAbort      = "file-abort"
	EventStartDetection = "start-detection"
)

// Server -> client events
const (
	EventConnected       = "connected"
	EventUploadNext      = "upload_next"
	EventUploadProgress  = "upload_progress"
	EventUploadComplete  = "upload_complete"
	EventUploadError     = "upload_error"
	EventFaceUploadError = "face_upload_error"
	EventProgress        = "progress"
	EventProcessed       = "processed"
	EventProcessError    = "process_error"
	EventConnectError    = "connect_error"
)

// FileStart announces a file transfer. Chunks for the file arrive as binary
// frames tagged with FileID.
type FileStart struct {
	Topic  Category `json:"topic"`
	FileID uint32   `json:"file_id"`
	Name   string   `json:"name"`
	Size   int64    `json:"size"`
}

// FileAbort is sent by a client that gave up on a transfer.
type FileAbort struct {
	Topic  Category `json:"topic"`
	FileID uint32   `json:"file_id"`
	Reason string   `json:"reason,omitempty"`
}

// StartDetection carries the processing configuration. Faces and Weights
// may stand in for an earlier upload-manifest.
type StartDetection struct {
	ProcessingConfig
	Faces   *int  `json:"faces,omitempty"`
	Weights *bool `json:"weights,omitempty"`
}

// Manifest returns the manifest embedded in the start request, if any.
func (s *StartDetection) Manifest() (Manifest, bool) {
	if s.Faces == nil && s.Weights == nil {
		return Manifest{}, false
	}
	var m Manifest
	if s.Faces != nil {
		m.Faces = *s.Faces
	}
	if s.Weights != nil {
		m.Weights = *s.Weights
	}
	return m, true
}

// UploadProgress reports the percentage of a single file received so far.
type UploadProgress struct {
	Topic    Category `json:"topic"`
	FileID   uint32   `json:"file_id"`
	Progress int      `json:"progress"`
}

// UploadNext asks the client to submit the files of Topic.
type UploadNext struct {
	Topic Category `json:"topic"`
}

// UploadComplete confirms a stored file.
type UploadComplete struct {
	Topic  Category `json:"topic"`
	FileID uint32   `json:"file_id"`
}

// ErrorPayload accompanies the error events.
type ErrorPayload struct {
	Topic   Category `json:"topic,omitempty"`
	Message string   `json:"message"`
}
