// Package attachment turns locally captured media into durable public
// URLs before a message may reference them.
package attachment

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"mime"
	"strings"
)

// MaxImageSize is the largest image accepted, in bytes. Audio is bounded
// only by whatever the object storage enforces.
const MaxImageSize = 5 << 20

type Kind string

const (
	KindImage Kind = "image"
	KindAudio Kind = "audio"
)

var (
	ErrUnknownKind      = errors.New("unknown attachment kind")
	ErrEmptyPayload     = errors.New("attachment is empty")
	ErrNotImage         = errors.New("file is not an image")
	ErrImageTooLarge    = fmt.Errorf("image exceeds the %d MiB limit", MaxImageSize>>20)
	ErrUnsupportedAudio = errors.New("unsupported audio format")
)

// ValidationError is raised locally, before any network call.
type ValidationError struct {
	Kind Kind
	Err  error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s attachment: %s", e.Kind, e.Err)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// UploadError is returned by the pipeline for any failed upload; it wraps
// either a *ValidationError or the storage error.
type UploadError struct {
	Kind Kind
	Err  error
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("upload %s: %s", e.Kind, e.Err)
}

func (e *UploadError) Unwrap() error {
	return e.Err
}

// Payload is a captured binary waiting to be uploaded.
type Payload interface {
	Kind() Kind
	// ContentType is the declared type, e.g. the recorder's codec string.
	ContentType() string
	Size() int64
	Open() (io.ReadCloser, error)
}

// Bytes is an in-memory Payload.
type Bytes struct {
	MediaKind Kind
	Type      string
	Data      []byte
}

func (b Bytes) Kind() Kind          { return b.MediaKind }
func (b Bytes) ContentType() string { return b.Type }
func (b Bytes) Size() int64         { return int64(len(b.Data)) }

func (b Bytes) Open() (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(b.Data)), nil
}

type format struct {
	ext         string
	contentType string
}

// audioFormats maps recorder codec media types to the stored object's
// extension and content type. Codec parameters are kept on the content
// type so players pick the right decoder.
var audioFormats = map[string]format{
	"audio/webm":  {ext: "webm", contentType: "audio/webm"},
	"audio/ogg":   {ext: "ogg", contentType: "audio/ogg"},
	"audio/mp4":   {ext: "m4a", contentType: "audio/mp4"},
	"audio/x-m4a": {ext: "m4a", contentType: "audio/mp4"},
	"audio/aac":   {ext: "aac", contentType: "audio/aac"},
	"audio/mpeg":  {ext: "mp3", contentType: "audio/mpeg"},
	"audio/wav":   {ext: "wav", contentType: "audio/wav"},
	"audio/x-wav": {ext: "wav", contentType: "audio/wav"},
	"audio/wave":  {ext: "wav", contentType: "audio/wav"},
}

var imageExts = map[string]string{
	"image/jpeg":    "jpg",
	"image/png":     "png",
	"image/gif":     "gif",
	"image/webp":    "webp",
	"image/avif":    "avif",
	"image/heic":    "heic",
	"image/svg+xml": "svg",
	"image/bmp":     "bmp",
}

// resolveFormat validates the declared content type for kind and returns
// the extension and content type the stored object must carry.
func resolveFormat(kind Kind, declared string) (format, error) {
	mediaType, params, err := mime.ParseMediaType(declared)
	if err != nil {
		mediaType = strings.ToLower(strings.TrimSpace(declared))
		params = nil
	}

	switch kind {
	case KindImage:
		subtype, ok := strings.CutPrefix(mediaType, "image/")
		if !ok || subtype == "" {
			return format{}, &ValidationError{Kind: kind, Err: ErrNotImage}
		}
		ext, ok := imageExts[mediaType]
		if !ok {
			ext = subtype
			if i := strings.IndexAny(ext, "+."); i >= 0 {
				ext = ext[:i]
			}
		}
		if ext == "" {
			return format{}, &ValidationError{Kind: kind, Err: ErrNotImage}
		}
		return format{ext: ext, contentType: mediaType}, nil
	case KindAudio:
		f, ok := audioFormats[mediaType]
		if !ok {
			return format{}, &ValidationError{Kind: kind, Err: fmt.Errorf("%w: %q", ErrUnsupportedAudio, declared)}
		}
		if codecs, ok := params["codecs"]; ok && codecs != "" {
			f.contentType = mime.FormatMediaType(f.contentType, map[string]string{"codecs": codecs})
		}
		return f, nil
	default:
		return format{}, &ValidationError{Kind: kind, Err: ErrUnknownKind}
	}
}

// Validate runs every local check for p without touching the network.
func Validate(p Payload) error {
	_, err := validate(p)
	return err
}

func validate(p Payload) (format, error) {
	f, err := resolveFormat(p.Kind(), p.ContentType())
	if err != nil {
		return format{}, err
	}

	if p.Size() <= 0 {
		return format{}, &ValidationError{Kind: p.Kind(), Err: ErrEmptyPayload}
	}
	if p.Kind() == KindImage && p.Size() > MaxImageSize {
		return format{}, &ValidationError{Kind: p.Kind(), Err: ErrImageTooLarge}
	}

	return f, nil
}

// IsValidation reports whether err came from local validation.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
