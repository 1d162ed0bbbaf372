package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sync"
	"sync/atomic"
	"time"

	"github.com/JonMunkholm/gridsync/internal/broadcast"
	"github.com/JonMunkholm/gridsync/internal/config"
	"github.com/JonMunkholm/gridsync/internal/grid"
	"github.com/JonMunkholm/gridsync/internal/logging"
	"github.com/JonMunkholm/gridsync/internal/ot"
)

var (
	// ErrInvalidDocumentID is returned for document ids outside [A-Za-z0-9_-]{1,64}.
	ErrInvalidDocumentID = errors.New("invalid document id")

	// ErrBroadcastFailed is returned together with an accepted operation
	// that was committed but could not be fanned out. Sessions of the
	// document must resync.
	ErrBroadcastFailed = errors.New("broadcast failed")
)

var docIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// ValidateDocumentID checks that id is usable as a document id.
func ValidateDocumentID(id string) error {
	if !docIDPattern.MatchString(id) {
		return fmt.Errorf("%w: %q", ErrInvalidDocumentID, id)
	}
	return nil
}

// Accepted is an operation as committed by the server. Revision is its index
// in the log; the document is at Revision+1 afterwards.
type Accepted struct {
	Revision  int          `json:"revision"`
	Operation ot.Operation `json:"operation"`
}

// DocumentState is a snapshot of a document and the revision it reflects.
type DocumentState struct {
	Revision int           `json:"revision"`
	Snapshot grid.Snapshot `json:"snapshot"`
}

// Document is a loaded document: its operation log and storage.
type Document struct {
	ID string

	// mu orders submissions against snapshot reads so a snapshot always
	// matches the revision reported with it.
	mu       sync.RWMutex
	server   *ot.Server
	backend  DocumentBackend
	lastUsed atomic.Int64
}

func (d *Document) touch() { d.lastUsed.Store(time.Now().UnixNano()) }

func (d *Document) idleSince() time.Time { return time.Unix(0, d.lastUsed.Load()) }

// Service manages loaded documents and is the entry point for every
// transport.
type Service struct {
	mu   sync.Mutex
	docs map[string]*Document

	backend     Backend
	broadcaster broadcast.Broadcaster
	cfg         *config.Config
	serverOpts  []ot.ServerOption

	sessions *Limiter
	imports  *Limiter
}

// Option configures a Service.
type Option func(*Service)

// WithServerOptions passes options to every document's ot.Server.
func WithServerOptions(opts ...ot.ServerOption) Option {
	return func(s *Service) { s.serverOpts = append(s.serverOpts, opts...) }
}

// NewService returns a service loading documents from backend and fanning
// accepted operations out through b.
func NewService(backend Backend, b broadcast.Broadcaster, cfg *config.Config, opts ...Option) *Service {
	s := &Service{
		docs:        make(map[string]*Document),
		backend:     backend,
		broadcaster: b,
		cfg:         cfg,
		sessions:    NewLimiter(cfg.Session.MaxConcurrent, 0, ErrTooManySessions),
		imports:     NewLimiter(cfg.Import.MaxConcurrent, cfg.Import.MaxWaitTime, ErrTooManyImports),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Config returns the service configuration.
func (s *Service) Config() *config.Config { return s.cfg }

// document returns the loaded document, restoring it from the backend on
// first use.
func (s *Service) document(ctx context.Context, docID string) (*Document, error) {
	if err := ValidateDocumentID(docID); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if doc, ok := s.docs[docID]; ok {
		doc.touch()
		return doc, nil
	}

	backend, ops, err := s.backend.Open(ctx, docID)
	if err != nil {
		return nil, fmt.Errorf("open document %s: %w", docID, err)
	}
	doc := &Document{
		ID:      docID,
		server:  ot.RestoreServer(backend, ops, s.serverOpts...),
		backend: backend,
	}
	doc.touch()
	s.docs[docID] = doc

	slog.Info("document loaded", "doc_id", docID, "revision", len(ops))
	return doc, nil
}

// unload drops doc so that the next access restores it from the backend.
func (s *Service) unload(doc *Document) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.docs[doc.ID] == doc {
		delete(s.docs, doc.ID)
	}
}

// Submit commits op, produced by origin against revision, and broadcasts it.
func (s *Service) Submit(ctx context.Context, docID, origin string, revision int, op ot.Operation) (Accepted, error) {
	doc, err := s.document(ctx, docID)
	if err != nil {
		return Accepted{}, err
	}

	logger := logging.WithFields(ctx, requestFields(ctx, docID, origin)...)

	doc.mu.Lock()
	defer doc.mu.Unlock()

	accepted, committedAt, err := doc.server.ReceiveOperation(ctx, revision, op)
	if err != nil {
		if !errors.Is(err, ot.ErrRevisionOutOfRange) && !errors.Is(err, ot.ErrProtocolViolation) &&
			!errors.Is(err, ot.ErrUnresolvedSymbol) {
			// Storage may have moved on without us; reload on next access.
			s.unload(doc)
		}
		logger.Warn("operation rejected", "revision", revision, "error", err)
		return Accepted{}, err
	}
	result := Accepted{Revision: committedAt, Operation: accepted}

	logger.Debug("operation committed",
		"base_revision", revision,
		"revision", committedAt,
		"changes", accepted.Len(),
	)

	msg := broadcast.Message{DocID: docID, Revision: committedAt, Origin: origin, Operation: accepted}
	if err := s.broadcaster.Publish(ctx, msg); err != nil {
		logger.Error("broadcast failed", "revision", committedAt, "error", err)
		return result, fmt.Errorf("%w: %w", ErrBroadcastFailed, err)
	}
	return result, nil
}

// State returns the document's snapshot and revision.
func (s *Service) State(ctx context.Context, docID string) (DocumentState, error) {
	doc, err := s.document(ctx, docID)
	if err != nil {
		return DocumentState{}, err
	}

	doc.mu.RLock()
	defer doc.mu.RUnlock()

	snap, err := doc.backend.Snapshot(ctx)
	if err != nil {
		return DocumentState{}, fmt.Errorf("snapshot %s: %w", docID, err)
	}
	return DocumentState{Revision: doc.server.Revision(), Snapshot: snap}, nil
}

// Revision returns the number of committed operations of a document.
func (s *Service) Revision(ctx context.Context, docID string) (int, error) {
	doc, err := s.document(ctx, docID)
	if err != nil {
		return 0, err
	}
	doc.mu.RLock()
	defer doc.mu.RUnlock()
	return doc.server.Revision(), nil
}

// Operations returns the operations committed at or after since.
func (s *Service) Operations(ctx context.Context, docID string, since int) ([]ot.Operation, error) {
	doc, err := s.document(ctx, docID)
	if err != nil {
		return nil, err
	}
	doc.mu.RLock()
	defer doc.mu.RUnlock()
	return doc.server.Operations(since)
}

// Subscribe registers for the document's broadcasts and returns its state.
// The subscription starts before the state is read; messages with a
// revision below the returned one are already reflected in it.
func (s *Service) Subscribe(ctx context.Context, docID string) (*broadcast.Subscription, DocumentState, error) {
	if err := ValidateDocumentID(docID); err != nil {
		return nil, DocumentState{}, err
	}

	sub := s.broadcaster.Subscribe(docID)
	state, err := s.State(ctx, docID)
	if err != nil {
		sub.Close()
		return nil, DocumentState{}, err
	}
	return sub, state, nil
}

// Reset clears a document and tells its sessions to reload.
func (s *Service) Reset(ctx context.Context, docID string) error {
	doc, err := s.document(ctx, docID)
	if err != nil {
		return err
	}

	doc.mu.Lock()
	defer doc.mu.Unlock()

	if err := doc.backend.Reset(ctx); err != nil {
		return fmt.Errorf("reset %s: %w", docID, err)
	}
	doc.server = ot.NewServer(doc.backend, s.serverOpts...)

	logging.WithFields(ctx, "doc_id", docID).Info("document reset")

	if err := s.broadcaster.Publish(ctx, broadcast.Message{DocID: docID, Reset: true}); err != nil {
		return fmt.Errorf("%w: %w", ErrBroadcastFailed, err)
	}
	return nil
}

// LoadedDocuments returns the number of documents held in memory.
func (s *Service) LoadedDocuments() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.docs)
}

// Sessions returns the number of sessions subscribed to the document in
// this process.
func (s *Service) Sessions(docID string) (int, error) {
	if err := ValidateDocumentID(docID); err != nil {
		return 0, err
	}
	return s.broadcaster.Subscribers(docID), nil
}

// AnnouncePresence tells the document's sessions that the session count
// changed.
func (s *Service) AnnouncePresence(ctx context.Context, docID string) error {
	if err := ValidateDocumentID(docID); err != nil {
		return err
	}
	if err := s.broadcaster.Publish(ctx, broadcast.Message{DocID: docID, Presence: true}); err != nil {
		return fmt.Errorf("%w: %w", ErrBroadcastFailed, err)
	}
	return nil
}

// AcquireSession reserves a websocket session slot. The returned function
// releases it.
func (s *Service) AcquireSession() (func(), error) {
	if !s.sessions.TryAcquire() {
		return nil, ErrTooManySessions
	}
	return s.sessions.Release, nil
}

// SessionStatus reports session slot usage.
func (s *Service) SessionStatus() LimiterStatus { return s.sessions.Status() }

// WaitForImports blocks until running imports finish or ctx is done.
func (s *Service) WaitForImports(ctx context.Context) error {
	return s.imports.WaitForDrain(ctx)
}

// ImportStatus reports import slot usage.
func (s *Service) ImportStatus() LimiterStatus { return s.imports.Status() }
