package models

import "time"

// Credential is the opaque bearer token authorizing function invocations
type Credential struct {
	Value      string    `json:"value"`
	AcquiredAt time.Time `json:"acquiredAt"`
	// Subject and ExpiresAt are decoded from the token when it is a JWT.
	// They are informational only; no refresh is driven by ExpiresAt.
	Subject   string    `json:"subject,omitempty"`
	ExpiresAt time.Time `json:"expiresAt,omitzero"`
}

// InvocationRequest represents a single named remote function call
type InvocationRequest struct {
	FunctionName string         `json:"functionName"`
	Payload      map[string]any `json:"payload,omitempty"`
}

// UserProfile is the locally cached user record, stored as an opaque JSON blob
type UserProfile map[string]any

// UploadDescriptor describes a local asset to upload
type UploadDescriptor struct {
	LocalURI string `json:"uri"`
	Name     string `json:"name,omitempty"`
	Type     string `json:"type,omitempty"`
	Size     *int64 `json:"size,omitempty"`
}

// UploadOutcome is the result of uploading one object
type UploadOutcome struct {
	Success      bool   `json:"success"`
	URL          string `json:"url,omitempty"`
	CDNURL       string `json:"cdnUrl,omitempty"`
	Key          string `json:"key,omitempty"`
	ETag         string `json:"etag,omitempty"`
	Size         int64  `json:"size,omitempty"`
	ErrorMessage string `json:"errorMessage,omitempty"`
}

// UploadState is a transient upload lifecycle state
type UploadState string

const (
	UploadWaiting   UploadState = "waiting"
	UploadUploading UploadState = "uploading"
	// UploadPaused is reserved for resumable transports.
	UploadPaused    UploadState = "paused"
	UploadCompleted UploadState = "completed"
	UploadCancelled UploadState = "cancelled"
	UploadError     UploadState = "error"
)

// Terminal reports whether no further transitions follow s.
func (s UploadState) Terminal() bool {
	return s == UploadCompleted || s == UploadCancelled || s == UploadError
}

// InvocationResponse is returned by the gateway for a function call
type InvocationResponse struct {
	Success bool           `json:"success"`
	Reply   map[string]any `json:"reply"`
}

// BatchUploadResponse is returned by the gateway for a batch upload
type BatchUploadResponse struct {
	Outcomes  []UploadOutcome `json:"outcomes"`
	Succeeded int             `json:"succeeded"`
	Failed    int             `json:"failed"`
}

// CategoriesResponse is returned by the gateway for the template category list
type CategoriesResponse struct {
	Categories any  `json:"categories"`
	Cached     bool `json:"cached"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Details string `json:"details,omitempty"`
}
