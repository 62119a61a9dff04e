package attachment

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"sync"
)

var ErrReleased = errors.New("attachment was released")

// Pending is a staged payload spooled to a temporary file. The file is the
// local preview handle and must be released once the attachment is sent,
// replaced or dropped.
type Pending struct {
	kind        Kind
	contentType string
	size        int64

	mu       sync.Mutex
	path     string
	released bool
}

func (p *Pending) Kind() Kind          { return p.kind }
func (p *Pending) ContentType() string { return p.contentType }
func (p *Pending) Size() int64         { return p.size }

// PreviewPath is the local file backing the attachment.
func (p *Pending) PreviewPath() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.path
}

func (p *Pending) Open() (io.ReadCloser, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.released {
		return nil, ErrReleased
	}
	return os.Open(p.path)
}

func (p *Pending) Released() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.released
}

func (p *Pending) release() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.released {
		return nil
	}
	p.released = true
	if err := os.Remove(p.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// Stager keeps at most one pending image and one pending audio clip for a
// compose session.
type Stager struct {
	log *log.Logger
	dir string

	mu      sync.Mutex
	pending map[Kind]*Pending
}

// NewStager spools payloads under dir; an empty dir uses os.TempDir.
func NewStager(logger *log.Logger, dir string) *Stager {
	return &Stager{
		log:     logger,
		dir:     dir,
		pending: make(map[Kind]*Pending),
	}
}

// Stage spools r as the pending attachment of kind, replacing and
// releasing any previous one. Images are checked while spooling so an
// oversized file is rejected without being read to the end.
func (s *Stager) Stage(kind Kind, contentType string, r io.Reader) (*Pending, error) {
	if _, err := resolveFormat(kind, contentType); err != nil {
		return nil, err
	}

	f, err := os.CreateTemp(s.dir, "staged-"+string(kind)+"-*")
	if err != nil {
		return nil, fmt.Errorf("create spool file: %w", err)
	}

	src := r
	if kind == KindImage {
		src = io.LimitReader(r, MaxImageSize+1)
	}

	n, err := io.Copy(f, src)
	closeErr := f.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(f.Name())
		return nil, fmt.Errorf("spool %s: %w", kind, err)
	}

	p := &Pending{kind: kind, contentType: contentType, size: n, path: f.Name()}
	if _, err := validate(p); err != nil {
		p.release()
		return nil, err
	}

	s.mu.Lock()
	prev := s.pending[kind]
	s.pending[kind] = p
	s.mu.Unlock()

	if prev != nil {
		s.releaseOne(prev)
	}

	return p, nil
}

func (s *Stager) Pending(kind Kind) *Pending {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending[kind]
}

func (s *Stager) HasPending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending) > 0
}

// Remove drops and releases the pending attachment of kind, if any.
func (s *Stager) Remove(kind Kind) {
	s.mu.Lock()
	p := s.pending[kind]
	delete(s.pending, kind)
	s.mu.Unlock()

	if p != nil {
		s.releaseOne(p)
	}
}

// ClearIf releases the pending attachments that are still the ones given,
// leaving anything staged in the meantime untouched.
func (s *Stager) ClearIf(sent ...*Pending) {
	for _, p := range sent {
		if p == nil {
			continue
		}
		s.mu.Lock()
		if s.pending[p.kind] == p {
			delete(s.pending, p.kind)
		}
		s.mu.Unlock()
		s.releaseOne(p)
	}
}

func (s *Stager) Clear() {
	s.mu.Lock()
	pending := s.pending
	s.pending = make(map[Kind]*Pending)
	s.mu.Unlock()

	for _, p := range pending {
		s.releaseOne(p)
	}
}

// Close releases everything; an abandoned compose never persists.
func (s *Stager) Close() {
	s.Clear()
}

func (s *Stager) releaseOne(p *Pending) {
	if err := p.release(); err != nil {
		s.log.Printf("release staged %s %q: %v", p.kind, p.path, err)
	}
}
