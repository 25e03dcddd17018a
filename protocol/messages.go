package protocol

// Default bus subjects.
const (
	SubjectUploaded  = "pipeline.uploaded"
	SubjectStep      = "pipeline.step"
	SubjectProcessed = "pipeline.processed"
	SubjectError     = "pipeline.error"
)

// UploadedMessage is published by the API for the worker when an upload
// has been stored.
type UploadedMessage struct {
	ID          string `json:"id"`
	OriginalKey string `json:"originalKey"`
	Filename    string `json:"filename"`
	MimeType    string `json:"mimeType"`
	SizeBytes   int64  `json:"sizeBytes"`
	Timestamp   int64  `json:"timestamp"`
}

// StepMessage is published by the worker after each pipeline stage.
type StepMessage struct {
	ID         string `json:"id"`
	Step       string `json:"step"`
	Detail     string `json:"detail"`
	DurationMs int64  `json:"durationMs"`
	Timestamp  int64  `json:"timestamp"`
	Activation
}

// ProcessedMessage is published by the worker when an upload is done.
// Object keys are resolved to public URLs before reaching viewers.
type ProcessedMessage struct {
	ID              string   `json:"id"`
	ThumbnailKey    string   `json:"thumbnailKey"`
	ResizedKey      string   `json:"resizedKey"`
	Metadata        Metadata `json:"metadata"`
	TotalDurationMs int64    `json:"totalDurationMs"`
	Timestamp       int64    `json:"timestamp"`
}

// ErrorMessage is published by the worker when an upload fails.
type ErrorMessage struct {
	ID        string `json:"id"`
	Error     string `json:"error"`
	Step      string `json:"step"`
	Timestamp int64  `json:"timestamp"`
}
