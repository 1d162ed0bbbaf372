package ot

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Materializer applies a committed operation to document storage. revision
// is the log index the operation is committed at. Implementations must apply
// the operation atomically: on error nothing may be left behind.
type Materializer interface {
	ApplyOperation(ctx context.Context, revision int, op Operation) error
}

// MaterializerFunc adapts a function to Materializer.
type MaterializerFunc func(ctx context.Context, revision int, op Operation) error

// ApplyOperation calls f.
func (f MaterializerFunc) ApplyOperation(ctx context.Context, revision int, op Operation) error {
	return f(ctx, revision, op)
}

// Server is the authoritative, append-only operation log of one document.
// ReceiveOperation calls are serialized; separate documents use separate
// Server values and do not contend.
type Server struct {
	mu           sync.Mutex
	log          []Operation
	materializer Materializer
	newID        func() string
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithIDGenerator overrides how ids are assigned to client symbols.
func WithIDGenerator(newID func() string) ServerOption {
	return func(s *Server) { s.newID = newID }
}

// NewServer returns an empty log that materializes through m.
func NewServer(m Materializer, opts ...ServerOption) *Server {
	return RestoreServer(m, nil, opts...)
}

// RestoreServer rebuilds a log from previously committed operations. The
// operations are not materialized again.
func RestoreServer(m Materializer, log []Operation, opts ...ServerOption) *Server {
	restored := make([]Operation, len(log))
	for i, op := range log {
		restored[i] = op.Clone()
	}
	s := &Server{
		log:          restored,
		materializer: m,
		newID:        uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Revision returns the number of committed operations.
func (s *Server) Revision() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.log)
}

// Operations returns copies of the operations committed at or after since.
func (s *Server) Operations(since int) ([]Operation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if since < 0 || since > len(s.log) {
		return nil, fmt.Errorf("%w: %d not in [0, %d]", ErrRevisionOutOfRange, since, len(s.log))
	}
	out := make([]Operation, 0, len(s.log)-since)
	for _, op := range s.log[since:] {
		out = append(out, op.Clone())
	}
	return out, nil
}

// ReceiveOperation commits op, which the client produced after seeing the
// first revision operations of the log. The operation is transformed against
// every operation committed since, its client symbols are resolved, and it is
// materialized and appended. The accepted operation is returned together with
// the revision it was committed at.
func (s *Server) ReceiveOperation(ctx context.Context, revision int, op Operation) (Operation, int, error) {
	if err := op.Validate(); err != nil {
		return Operation{}, 0, err
	}
	if op.IsNoop() {
		return Operation{}, 0, fmt.Errorf("%w: empty operation", ErrProtocolViolation)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if revision < 0 || revision > len(s.log) {
		return Operation{}, 0, fmt.Errorf("%w: %d not in [0, %d]", ErrRevisionOutOfRange, revision, len(s.log))
	}

	accepted := op.Clone()
	for _, committed := range s.log[revision:] {
		accepted, _ = Transform(accepted, committed)
	}

	accepted, err := AssignSymbols(accepted, s.newID).Resolve(accepted)
	if err != nil {
		return Operation{}, 0, err
	}

	committedAt := len(s.log)
	if s.materializer != nil {
		if err := s.materializer.ApplyOperation(ctx, committedAt, accepted); err != nil {
			return Operation{}, 0, fmt.Errorf("materialize revision %d: %w", committedAt, err)
		}
	}
	s.log = append(s.log, accepted)

	return accepted.Clone(), committedAt, nil
}
