package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"testing"

	"github.com/aws/smithy-go"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendant/simple-output/pkg/simpleoutput"
)

func TestS3Backend_Configuration(t *testing.T) {
	t.Run("EmptyBucket", func(t *testing.T) {
		_, err := New(Config{Region: "us-east-1"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "bucket name is required")
	})

	t.Run("DefaultsAndPrefix", func(t *testing.T) {
		backend, err := New(Config{
			Bucket:          "test-bucket",
			Prefix:          "/uploads/",
			AccessKeyID:     "test-key",
			SecretAccessKey: "test-secret",
		})
		require.NoError(t, err)
		assert.Equal(t, "us-east-1", backend.config.Region)
		assert.Equal(t, "uploads/default/scan.h5", backend.objectKey("default/scan.h5"))
		assert.Equal(t, "s3://test-bucket/uploads/default/scan.h5", backend.location("default/scan.h5"))
	})
}

// TestS3Backend_MinIO runs against a real endpoint when S3_TEST_ENDPOINT is set,
// e.g. a local MinIO started with default credentials.
func TestIsPreconditionFailed(t *testing.T) {
	apiErr := &smithy.GenericAPIError{Code: "PreconditionFailed", Message: "At least one of the pre-conditions you specified did not hold"}
	assert.True(t, isPreconditionFailed(fmt.Errorf("upload: %w", apiErr)))
	assert.True(t, isPreconditionFailed(errors.New("upload multipart failed: PreconditionFailed")))
	assert.False(t, isPreconditionFailed(&smithy.GenericAPIError{Code: "AccessDenied"}))
}

func TestS3Backend_MinIO(t *testing.T) {
	endpoint := os.Getenv("S3_TEST_ENDPOINT")
	if endpoint == "" {
		t.Skip("S3_TEST_ENDPOINT not set")
	}

	backend, err := New(Config{
		Bucket:                 "simple-output-test",
		Endpoint:               endpoint,
		UsePathStyle:           true,
		AccessKeyID:            envOr("S3_TEST_ACCESS_KEY", "minioadmin"),
		SecretAccessKey:        envOr("S3_TEST_SECRET_KEY", "minioadmin"),
		CreateBucketIfNotExist: true,
	})
	require.NoError(t, err)

	ctx := context.Background()
	key := "default/" + uuid.NewString() + ".h5"

	obj, err := backend.Put(ctx, key, bytes.NewReader([]byte("payload")))
	require.NoError(t, err)
	assert.EqualValues(t, 7, obj.Size)

	_, err = backend.Put(ctx, key, bytes.NewReader([]byte("again")))
	assert.ErrorIs(t, err, simpleoutput.ErrAlreadyExists)

	rc, err := backend.Open(ctx, key)
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
