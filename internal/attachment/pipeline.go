package attachment

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/npezzotti/go-community/internal/session"
	"github.com/npezzotti/go-community/internal/store"
	"github.com/teris-io/shortid"
)

type Pipeline struct {
	log     *log.Logger
	storage store.ObjectStorage
	now     func() time.Time
	newId   func() (string, error)
}

func NewPipeline(logger *log.Logger, storage store.ObjectStorage) *Pipeline {
	return &Pipeline{
		log:     logger,
		storage: storage,
		now:     time.Now,
		newId:   shortid.Generate,
	}
}

// ObjectPath namespaces an upload under its uploader so storage can scope
// access per user. The short id keeps paths unique within a millisecond.
func (p *Pipeline) ObjectPath(userId, ext string) (string, error) {
	sid, err := p.newId()
	if err != nil {
		return "", fmt.Errorf("generate object id: %w", err)
	}

	return fmt.Sprintf("%s/%d-%s.%s", userId, p.now().UnixMilli(), sid, ext), nil
}

// Upload validates payload locally and stores it, returning its public
// URL. The caller must not reference the attachment until this returns
// without error. An empty userId means nobody is signed in and nothing is
// stored.
func (p *Pipeline) Upload(ctx context.Context, userId string, payload Payload) (string, error) {
	if userId == "" {
		return "", session.ErrNotSignedIn
	}
	kind := payload.Kind()

	f, err := validate(payload)
	if err != nil {
		return "", &UploadError{Kind: kind, Err: err}
	}

	path, err := p.ObjectPath(userId, f.ext)
	if err != nil {
		return "", &UploadError{Kind: kind, Err: err}
	}

	body, err := payload.Open()
	if err != nil {
		return "", &UploadError{Kind: kind, Err: fmt.Errorf("open payload: %w", err)}
	}
	defer body.Close()

	url, err := p.storage.Upload(ctx, path, body, f.contentType)
	if err != nil {
		p.log.Printf("upload %s to %q: %v", kind, path, err)
		return "", &UploadError{Kind: kind, Err: err}
	}

	p.log.Printf("uploaded %s (%d bytes, %s) to %q", kind, payload.Size(), f.contentType, path)
	return url, nil
}
