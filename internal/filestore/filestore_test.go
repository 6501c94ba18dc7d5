package filestore

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testStore(t *testing.T) *FileStore {
	t.Helper()
	fs, err := New(Config{
		Bucket:          "classroom-recordings",
		Region:          "us-east-1",
		AccessKeyID:     "test-key",
		SecretAccessKey: "test-secret",
	})
	require.NoError(t, err)
	return fs
}

func TestNew_RequiresBucket(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}

func TestPresignUpload_ScopesKeyToMeeting(t *testing.T) {
	fs := testStore(t)
	url, err := fs.PresignUpload(context.Background(), "meeting-1", "session.webm", "video/webm", 15*time.Minute)
	require.NoError(t, err)
	assert.Contains(t, url, "recordings/meeting-1/session.webm")
	assert.Contains(t, url, "classroom-recordings")
}

func TestPresignDownload_ScopesKeyToMeeting(t *testing.T) {
	fs := testStore(t)
	url, err := fs.PresignDownload(context.Background(), "meeting-2", "session.webm", 5*time.Minute)
	require.NoError(t, err)
	assert.True(t, strings.Contains(url, "recordings/meeting-2/session.webm"))
}
