package core

import (
	"context"
	"sync"

	"github.com/JonMunkholm/gridsync/internal/grid"
	"github.com/JonMunkholm/gridsync/internal/ot"
	"github.com/JonMunkholm/gridsync/internal/store"
)

// Backend opens the persisted state of documents.
type Backend interface {
	// Open returns the document's storage and its committed log.
	Open(ctx context.Context, docID string) (DocumentBackend, []ot.Operation, error)
}

// DocumentBackend is the storage of one document.
// Satisfied by *store.DocumentStore.
type DocumentBackend interface {
	ot.Materializer
	Snapshot(ctx context.Context) (grid.Snapshot, error)
	Reset(ctx context.Context) error
}

// StoreBackend keeps documents in PostgreSQL.
type StoreBackend struct {
	Store *store.Store
}

// Open loads the document's log from the database.
func (b StoreBackend) Open(ctx context.Context, docID string) (DocumentBackend, []ot.Operation, error) {
	doc := b.Store.Document(docID)
	ops, err := doc.LoadOperations(ctx)
	if err != nil {
		return nil, nil, err
	}
	return doc, ops, nil
}

// MemoryBackend keeps documents in process memory. Documents survive
// eviction from the service but not a restart.
type MemoryBackend struct {
	mu   sync.Mutex
	docs map[string]*memoryDocument
}

// NewMemoryBackend returns an empty MemoryBackend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{docs: make(map[string]*memoryDocument)}
}

// Open returns the document, creating it when unknown.
func (b *MemoryBackend) Open(_ context.Context, docID string) (DocumentBackend, []ot.Operation, error) {
	b.mu.Lock()
	doc, ok := b.docs[docID]
	if !ok {
		doc = &memoryDocument{grid: grid.New()}
		b.docs[docID] = doc
	}
	b.mu.Unlock()

	return doc, doc.operations(), nil
}

type memoryDocument struct {
	mu   sync.Mutex
	grid *grid.Grid
	log  []ot.Operation
}

func (d *memoryDocument) ApplyOperation(_ context.Context, _ int, op ot.Operation) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.grid.ApplyOperation(op); err != nil {
		return err
	}
	d.log = append(d.log, op.Clone())
	return nil
}

func (d *memoryDocument) Snapshot(context.Context) (grid.Snapshot, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.grid.Snapshot(), nil
}

func (d *memoryDocument) Reset(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.grid = grid.New()
	d.log = nil
	return nil
}

func (d *memoryDocument) operations() []ot.Operation {
	d.mu.Lock()
	defer d.mu.Unlock()

	ops := make([]ot.Operation, len(d.log))
	for i, op := range d.log {
		ops[i] = op.Clone()
	}
	return ops
}
