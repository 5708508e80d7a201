package objstore

import (
	"fmt"
	"path"
	"strings"

	"github.com/fairyhunter13/harbor-runner/internal/domain"
)

// ExtractKey resolves a stored object location to a bucket-relative key.
// Locations have the shape scheme://bucket/key...; the scheme and the
// bucket segment are stripped. Relative parts are joined onto the key, so
// a location naming a directory prefix can address objects under it:
//
//	ExtractKey("s3://bucket/a/b/c")        = "a/b/c"
//	ExtractKey("s3://bucket/a/b/", "x/y")  = "a/b/x/y"
func ExtractKey(location string, relative ...string) (string, error) {
	_, rest, found := strings.Cut(location, "://")
	if !found {
		return "", fmt.Errorf("op=objstore.extract_key: no scheme in %q: %w", location, domain.ErrInvalidArgument)
	}
	bucket, key, found := strings.Cut(rest, "/")
	if !found || bucket == "" {
		return "", fmt.Errorf("op=objstore.extract_key: no bucket/key in %q: %w", location, domain.ErrInvalidArgument)
	}
	if len(relative) > 0 {
		key = path.Join(append([]string{key}, relative...)...)
	}
	if key == "" {
		return "", fmt.Errorf("op=objstore.extract_key: empty key in %q: %w", location, domain.ErrInvalidArgument)
	}
	return key, nil
}
