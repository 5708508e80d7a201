package objstore_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/harbor-runner/internal/adapter/objstore"
	"github.com/fairyhunter13/harbor-runner/internal/domain"
)

func TestExtractKey(t *testing.T) {
	tests := []struct {
		name     string
		location string
		relative []string
		want     string
	}{
		{"plain key", "s3://bucket/a/b/c", nil, "a/b/c"},
		{"relative join on prefix", "s3://bucket/a/b/", []string{"x/y"}, "a/b/x/y"},
		{"relative join without trailing slash", "s3://bucket/a/b", []string{"x/y"}, "a/b/x/y"},
		{"several relative parts", "s3://bucket/logs/", []string{"job-1", "trial-1"}, "logs/job-1/trial-1"},
		{"scheme is not interpreted", "minio://artifacts/zips/job-1.zip", nil, "zips/job-1.zip"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := objstore.ExtractKey(tt.location, tt.relative...)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestExtractKey_Malformed(t *testing.T) {
	for _, location := range []string{
		"",
		"zips/job-1.zip",
		"/zips/job-1.zip",
		"s3://bucket-only",
		"s3:///a/b/c",
		"s3://bucket/",
	} {
		t.Run(location, func(t *testing.T) {
			_, err := objstore.ExtractKey(location)
			require.Error(t, err)
			assert.ErrorIs(t, err, domain.ErrInvalidArgument)
		})
	}
}
