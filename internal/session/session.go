package session

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	"github.com/zombor/docextract/internal/export"
	"github.com/zombor/docextract/internal/extraction"
	"github.com/zombor/docextract/internal/upload"
)

// ErrNoResult is returned by edit and export actions before an upload succeeded
var ErrNoResult = errors.New("session: no extraction result")

// Transport uploads a file and returns the service response
type Transport interface {
	Upload(ctx context.Context, file upload.File, endpointURL string, onProgress upload.ProgressFunc) (json.RawMessage, error)
}

// Preparer may rewrite a file before it is uploaded
type Preparer interface {
	Prepare(file upload.File) (upload.File, error)
}

// Listener is called with every new state. It runs while the session is
// locked and must not call back into the Session.
type Listener func(State)

// Session tracks a single document from selection to export
type Session struct {
	transport Transport
	endpoint  string
	preparer  Preparer
	logger    *slog.Logger

	mu         sync.Mutex
	state      State
	generation uint64
	cancel     context.CancelFunc
	listeners  map[int]Listener
	nextID     int
}

// Option configures a Session
type Option func(*Session)

// WithPreparer converts files before upload
func WithPreparer(p Preparer) Option {
	return func(s *Session) {
		s.preparer = p
	}
}

// WithLogger sets the logger, slog.Default() otherwise
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) {
		s.logger = l
	}
}

// New creates an idle Session that uploads to endpointURL
func New(transport Transport, endpointURL string, opts ...Option) *Session {
	s := &Session{
		transport: transport,
		endpoint:  endpointURL,
		state:     Idle{},
		listeners: make(map[int]Listener),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// State returns the current state
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return detach(s.state)
}

// Subscribe registers l for state changes and returns a function removing it
func (s *Session) Subscribe(l Listener) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = l
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.listeners, id)
	}
}

// SelectFile abandons any upload in progress, clears the previous result or
// error and starts uploading file. The returned channel is closed once the
// outcome of this attempt has been applied, or dropped because a newer file
// was selected meanwhile.
func (s *Session) SelectFile(ctx context.Context, file upload.File) <-chan struct{} {
	ctx, cancel := context.WithCancel(ctx)

	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.generation++
	gen := s.generation
	s.cancel = cancel
	s.setLocked(Uploading{Name: file.Name(), Progress: 0})
	s.mu.Unlock()

	s.logger.Info("File selected", "filename", file.Name(), "attempt", gen)

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer cancel()
		s.run(ctx, gen, file)
	}()
	return done
}

func (s *Session) run(ctx context.Context, gen uint64, file upload.File) {
	name := file.Name()

	if s.preparer != nil {
		prepared, err := s.preparer.Prepare(file)
		if err != nil {
			s.fail(gen, name, err)
			return
		}
		file = prepared
	}

	payload, err := s.transport.Upload(ctx, file, s.endpoint, func(percent int) {
		s.progress(gen, percent)
	})
	if err != nil {
		s.fail(gen, name, err)
		return
	}
	s.succeed(gen, name, payload)
}

func (s *Session) progress(gen uint64, percent int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.state.(Uploading)
	if gen != s.generation || !ok {
		return
	}
	current.Progress = percent
	s.setLocked(current)
}

func (s *Session) succeed(gen uint64, name string, payload json.RawMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if gen != s.generation {
		s.logger.Info("Discarding outcome of superseded upload", "filename", name, "attempt", gen)
		return
	}

	result := extraction.Normalize(payload)
	s.logger.Info("Extraction received",
		"filename", name,
		"fields", len(result.Fields),
		"low_confidence", result.LowConfidenceCount(),
	)
	s.setLocked(Succeeded{Name: name, Result: result})
}

func (s *Session) fail(gen uint64, name string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if gen != s.generation {
		s.logger.Info("Discarding outcome of superseded upload", "filename", name, "attempt", gen, "error", err)
		return
	}

	s.logger.Error("Upload failed", "filename", name, "error", err)
	s.setLocked(Failed{Name: name, Message: err.Error()})
}

// setLocked stores st and notifies listeners. s.mu must be held.
func (s *Session) setLocked(st State) {
	s.state = st
	for _, l := range s.listeners {
		l(detach(st))
	}
}

// EditField replaces the value of the field at index
func (s *Session) EditField(index int, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.state.(Succeeded)
	if !ok {
		return ErrNoResult
	}

	updated, err := extraction.SetFieldValue(current.Result, index, value)
	if err != nil {
		s.logger.Error("Rejected field edit", "index", index, "error", err)
		return err
	}

	current.Result = updated
	s.setLocked(current)
	return nil
}

// snapshot returns the current result and file name
func (s *Session) snapshot() (*extraction.Result, string, error) {
	st := s.State()
	result := ResultOf(st)
	if result == nil {
		return nil, "", ErrNoResult
	}
	return result, st.FileName(), nil
}

// ExportJSON returns the service response as a JSON artifact
func (s *Session) ExportJSON() (export.Artifact, error) {
	result, name, err := s.snapshot()
	if err != nil {
		return export.Artifact{}, err
	}
	return export.ToJSON(result, name)
}

// ExportCSV returns the current fields as a CSV artifact
func (s *Session) ExportCSV() (export.Artifact, error) {
	result, name, err := s.snapshot()
	if err != nil {
		return export.Artifact{}, err
	}
	return export.ToCSV(result, name), nil
}

// ExportXLSX returns the current fields as a spreadsheet artifact
func (s *Session) ExportXLSX() (export.Artifact, error) {
	result, name, err := s.snapshot()
	if err != nil {
		return export.Artifact{}, err
	}
	return export.ToXLSX(result, name)
}

// Close cancels the upload in progress, if any
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	return nil
}
