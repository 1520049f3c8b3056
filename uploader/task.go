package uploader

import (
	"context"
	"path"
	"sync"

	"faceswap_access/models"
)

// Named destination prefixes
const (
	UserPhotos      = "user_photos"
	FaceSwapResults = "face_swap_results"
	Templates       = "templates"
	Temp            = "temp"
	Avatars         = "avatars"
)

// Progress is a byte-level snapshot of a running upload
type Progress struct {
	Current    int64 `json:"current"`
	Total      int64 `json:"total"`
	Percentage int   `json:"percentage"`
}

// TaskSnapshot is a point-in-time view of a Task
type TaskSnapshot struct {
	State    models.UploadState    `json:"state"`
	Progress Progress              `json:"progress"`
	Outcome  *models.UploadOutcome `json:"outcome,omitempty"`
}

// Task tracks a single upload (or batch) for a caller that renders progress.
// Cancel is cooperative: the transfer keeps running but its reports are dropped.
type Task struct {
	uploader *Uploader

	mu        sync.Mutex
	state     models.UploadState
	progress  Progress
	outcome   *models.UploadOutcome
	cancelled bool
}

// NewTask creates a Task in the waiting state
func NewTask(u *Uploader) *Task {
	return &Task{uploader: u, state: models.UploadWaiting}
}

// UploadUserPhoto uploads desc under user_photos
func (t *Task) UploadUserPhoto(ctx context.Context, desc models.UploadDescriptor) models.UploadOutcome {
	return t.Upload(ctx, desc, UserPhotos)
}

// UploadFaceSwapResult uploads desc under face_swap_results/{recordID}
func (t *Task) UploadFaceSwapResult(ctx context.Context, desc models.UploadDescriptor, recordID string) models.UploadOutcome {
	return t.Upload(ctx, desc, path.Join(FaceSwapResults, recordID))
}

// UploadTemplate uploads desc under templates/{templateID}
func (t *Task) UploadTemplate(ctx context.Context, desc models.UploadDescriptor, templateID string) models.UploadOutcome {
	return t.Upload(ctx, desc, path.Join(Templates, templateID))
}

// UploadAvatar uploads desc under avatars
func (t *Task) UploadAvatar(ctx context.Context, desc models.UploadDescriptor) models.UploadOutcome {
	return t.Upload(ctx, desc, Avatars)
}

// Upload uploads desc under an arbitrary prefix
func (t *Task) Upload(ctx context.Context, desc models.UploadDescriptor, prefix string) models.UploadOutcome {
	t.begin()

	outcome := t.uploader.UploadFile(ctx, desc, prefix, t.onProgress, t.onState)

	t.finish(outcome)
	return outcome
}

// UploadMultiple uploads descs sequentially; progress counts finished files
func (t *Task) UploadMultiple(ctx context.Context, descs []models.UploadDescriptor, basePath string) []models.UploadOutcome {
	t.begin()
	t.setState(models.UploadUploading)

	outcomes := t.uploader.UploadMultipleFiles(ctx, descs, basePath, func(completed, total int) {
		t.onProgress(int64(completed), int64(total))
	}, nil)

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancelled {
		return outcomes
	}
	t.state = models.UploadCompleted
	for _, o := range outcomes {
		if !o.Success {
			t.state = models.UploadError
			break
		}
	}
	return outcomes
}

// Cancel stops reporting for the current upload and marks it cancelled
func (t *Task) Cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state.Terminal() {
		return
	}
	t.cancelled = true
	t.state = models.UploadCancelled
}

// Cancelled reports whether Cancel took effect
func (t *Task) Cancelled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancelled
}

// Reset returns the Task to waiting
func (t *Task) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = models.UploadWaiting
	t.progress = Progress{}
	t.outcome = nil
	t.cancelled = false
}

// Snapshot returns the current state
func (t *Task) Snapshot() TaskSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	snap := TaskSnapshot{State: t.state, Progress: t.progress}
	if t.outcome != nil {
		o := *t.outcome
		snap.Outcome = &o
	}
	return snap
}

func (t *Task) begin() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = models.UploadWaiting
	t.progress = Progress{}
	t.outcome = nil
	t.cancelled = false
}

func (t *Task) setState(state models.UploadState) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.cancelled {
		t.state = state
	}
}

func (t *Task) onState(state models.UploadState) {
	t.setState(state)
}

func (t *Task) onProgress(sent, total int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancelled || total <= 0 {
		return
	}
	t.progress = Progress{
		Current:    sent,
		Total:      total,
		Percentage: int(sent * 100 / total),
	}
}

func (t *Task) finish(outcome models.UploadOutcome) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancelled {
		return
	}
	t.outcome = &outcome
	if outcome.Success {
		t.state = models.UploadCompleted
	} else {
		t.state = models.UploadError
	}
}
