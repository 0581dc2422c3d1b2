// Package blob uploads attachment bytes and hands back a public URL.
package blob

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Store puts and removes opaque objects.
type Store interface {
	Put(ctx context.Context, key, contentType string, data []byte) (string, error)
	Delete(ctx context.Context, url string) error
}

var ErrNotFound = errors.New("blob not found")

// ObjectKey names an upload as <self>/<item>/<unix millis>-<random>.<ext>.
func ObjectKey(self, itemID, filename string, now time.Time) string {
	ext := strings.TrimPrefix(strings.ToLower(path.Ext(filename)), ".")
	if ext == "" {
		ext = "bin"
	}
	return fmt.Sprintf("%s/%s/%d-%s.%s", self, itemID, now.UnixMilli(), uuid.NewString()[:8], ext)
}
