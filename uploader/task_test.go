package uploader

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"faceswap_access/models"
)

func TestTaskTracksUpload(t *testing.T) {
	u := New(testStorageConfig(), WithTransport(&fakeTransport{}), WithOpener(memoryOpener("0123456789")))
	task := NewTask(u)
	assert.Equal(t, models.UploadWaiting, task.Snapshot().State)

	outcome := task.UploadFaceSwapResult(context.Background(),
		models.UploadDescriptor{LocalURI: "r.jpg", Size: sizePtr(10)}, "rec-9")
	require.True(t, outcome.Success, outcome.ErrorMessage)
	assert.True(t, strings.HasPrefix(outcome.Key, "face_swap_results/rec-9/"))

	snap := task.Snapshot()
	assert.Equal(t, models.UploadCompleted, snap.State)
	assert.Equal(t, Progress{Current: 10, Total: 10, Percentage: 100}, snap.Progress)
	require.NotNil(t, snap.Outcome)
	assert.Equal(t, outcome.Key, snap.Outcome.Key)

	// Cancelling a finished task changes nothing.
	task.Cancel()
	assert.False(t, task.Cancelled())
	assert.Equal(t, models.UploadCompleted, task.Snapshot().State)

	task.Reset()
	assert.Equal(t, TaskSnapshot{State: models.UploadWaiting}, task.Snapshot())
}

func TestTaskCancelSuppressesReports(t *testing.T) {
	transport := &fakeTransport{}
	u := New(testStorageConfig(), WithTransport(transport), WithOpener(memoryOpener("hello world")))
	task := NewTask(u)

	transport.onTick = func(sent, total int64) {
		if sent < total {
			task.Cancel()
		}
	}

	outcome := task.UploadUserPhoto(context.Background(), models.UploadDescriptor{LocalURI: "a.jpg", Size: sizePtr(11)})

	// The transfer is not aborted.
	assert.True(t, outcome.Success)
	assert.Equal(t, 1, transport.putCount())

	snap := task.Snapshot()
	assert.True(t, task.Cancelled())
	assert.Equal(t, models.UploadCancelled, snap.State)
	assert.Equal(t, Progress{Current: 5, Total: 11, Percentage: 45}, snap.Progress)
	assert.Nil(t, snap.Outcome)
}

func TestTaskUploadError(t *testing.T) {
	u := New(testStorageConfig(), WithTransport(&fakeTransport{failKeys: Avatars}), WithOpener(memoryOpener("x")))
	task := NewTask(u)

	outcome := task.UploadAvatar(context.Background(), models.UploadDescriptor{LocalURI: "a.jpg", Size: sizePtr(1)})
	assert.False(t, outcome.Success)

	snap := task.Snapshot()
	assert.Equal(t, models.UploadError, snap.State)
	require.NotNil(t, snap.Outcome)
	assert.NotEmpty(t, snap.Outcome.ErrorMessage)
}

func TestTaskUploadMultipleCountsFiles(t *testing.T) {
	u := New(testStorageConfig(), WithTransport(&fakeTransport{failKeys: "file_1/"}), WithOpener(memoryOpener("x")))
	task := NewTask(u)

	descs := []models.UploadDescriptor{
		{LocalURI: "a.jpg", Size: sizePtr(1)},
		{LocalURI: "b.jpg", Size: sizePtr(1)},
		{LocalURI: "c.jpg", Size: sizePtr(1)},
		{LocalURI: "d.jpg", Size: sizePtr(1)},
	}
	outcomes := task.UploadMultiple(context.Background(), descs, Templates+"/t-1")
	require.Len(t, outcomes, 4)

	snap := task.Snapshot()
	assert.Equal(t, models.UploadError, snap.State)
	assert.Equal(t, Progress{Current: 4, Total: 4, Percentage: 100}, snap.Progress)
}
