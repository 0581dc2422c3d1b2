package session

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gabriel-vasile/mimetype"

	"go-listing-chat/internal/blob"
)

// AttachmentKind is what the user picked in the attach menu.
type AttachmentKind string

const (
	Image    AttachmentKind = "image"
	Document AttachmentKind = "document"
)

const (
	MaxImageSize    = 5 << 20
	MaxDocumentSize = 10 << 20
)

var (
	ErrAttachmentTooLarge = errors.New("file too large")
	ErrNotAnImage         = errors.New("please select a valid image file")
	ErrUnsupportedFile    = errors.New("unsupported file type")
	ErrEmptyAttachment    = errors.New("file is empty")
	ErrAttachmentsOff     = errors.New("attachments are not configured")
)

var documentExts = map[string]bool{".pdf": true, ".doc": true, ".docx": true, ".txt": true}

// CheckAttachment validates data for kind and returns its detected content
// type. Images are recognised by their bytes, documents by extension.
func CheckAttachment(kind AttachmentKind, filename string, data []byte) (string, error) {
	limit := MaxDocumentSize
	if kind == Image {
		limit = MaxImageSize
	}
	if len(data) == 0 {
		return "", ErrEmptyAttachment
	}
	if len(data) > limit {
		return "", fmt.Errorf("%w: %s, limit %s", ErrAttachmentTooLarge,
			humanize.IBytes(uint64(len(data))), humanize.IBytes(uint64(limit)))
	}

	mt := mimetype.Detect(data)
	switch kind {
	case Image:
		if !strings.HasPrefix(mt.String(), "image/") {
			return "", fmt.Errorf("%w: got %s", ErrNotAnImage, mt.String())
		}
	case Document:
		if !documentExts[strings.ToLower(path.Ext(filename))] {
			return "", fmt.Errorf("%w: %s", ErrUnsupportedFile, filename)
		}
	default:
		return "", fmt.Errorf("%w: kind %q", ErrUnsupportedFile, kind)
	}
	return mt.String(), nil
}

// AttachmentBody is the message text stored alongside an attachment URL.
func AttachmentBody(kind AttachmentKind, filename string) string {
	if kind == Image {
		return "Sent an image"
	}
	return "Sent a file: " + filename
}

// SendAttachment validates and uploads data, then sends it to the active
// conversation as a message carrying the file URL. It blocks for the upload
// and must not be called from the session goroutine.
func (s *Session) SendAttachment(ctx context.Context, kind AttachmentKind, filename string, data []byte) error {
	if s.deps.Blobs == nil {
		return ErrAttachmentsOff
	}
	active := s.Snapshot().Active
	if active == nil {
		return ErrNoConversation
	}
	contentType, err := CheckAttachment(kind, filename, data)
	if err != nil {
		return err
	}

	objectKey := blob.ObjectKey(s.me.UserID, active.ItemID, filename, s.now())
	url, err := s.deps.Blobs.Put(ctx, objectKey, contentType, data)
	if err != nil {
		return fmt.Errorf("upload failed: %w", err)
	}
	s.log.Info().Str("object", objectKey).Str("size", humanize.IBytes(uint64(len(data)))).Msg("attachment uploaded")

	return s.post(attachmentCmd{key: active.Key, body: AttachmentBody(kind, filename), url: url})
}

// discardUpload removes an uploaded file whose message was never written.
func (s *Session) discardUpload(url string) {
	if s.deps.Blobs == nil || url == "" {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.deps.Blobs.Delete(ctx, url); err != nil {
			s.log.Warn().Err(err).Str("url", url).Msg("removing orphaned upload failed")
		}
	}()
}
