package ot

import (
	"fmt"
	"sync"
)

// Sender transmits a local operation to the server. Delivery is assumed
// reliable and ordered per connection.
type Sender interface {
	SendOperation(revision int, op Operation) error
}

// Applier materializes an operation into the local document.
type Applier interface {
	ApplyOperation(op Operation) error
}

// SymbolConfirmer is implemented by local documents that track placeholder
// rows and columns. The client hands it the ids assigned by the server each
// time an operation is acknowledged.
type SymbolConfirmer interface {
	ConfirmSymbols(table SymbolTable) error
}

// ClientState is one of Synchronized, AwaitingConfirm or AwaitingWithBuffer.
type ClientState interface {
	clientState()
}

// Synchronized means no local operation is pending.
type Synchronized struct{}

// AwaitingConfirm means Outstanding was sent and is not yet acknowledged.
type AwaitingConfirm struct {
	Outstanding Operation
}

// AwaitingWithBuffer means Outstanding was sent and Buffer holds the local
// edits made since, composed into one operation that has not been sent.
type AwaitingWithBuffer struct {
	Outstanding Operation
	Buffer      Operation
}

func (Synchronized) clientState()       {}
func (AwaitingConfirm) clientState()    {}
func (AwaitingWithBuffer) clientState() {}

// Client tracks one client's position in the server's total order: at most
// one operation in flight and at most one buffered behind it.
//
// All methods are safe for concurrent use; events are serialized in call
// order.
type Client struct {
	mu       sync.Mutex
	revision int
	state    ClientState
	sender   Sender
	applier  Applier

	// symbols holds every id the server has assigned to this client's
	// placeholders. Local edits are rewritten through it before they are sent.
	symbols SymbolTable
}

// NewClient returns a synchronized client at revision.
func NewClient(revision int, sender Sender, applier Applier) *Client {
	return &Client{
		revision: revision,
		state:    Synchronized{},
		sender:   sender,
		applier:  applier,
		symbols:  SymbolTable{},
	}
}

// Revision returns the number of server operations the client has incorporated.
func (c *Client) Revision() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.revision
}

// State returns the current protocol state.
func (c *Client) State() ClientState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ApplyClient records a local edit that has already been applied to the local
// document. Placeholders the server has already confirmed are replaced by
// their ids. A send failure is returned but the operation stays outstanding;
// call Resend once the connection is back.
func (c *Client) ApplyClient(op Operation) error {
	if err := op.Validate(); err != nil {
		return err
	}
	if op.IsNoop() {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	op = c.symbols.Substitute(op)

	switch s := c.state.(type) {
	case Synchronized:
		c.state = AwaitingConfirm{Outstanding: op}
		if err := c.sender.SendOperation(c.revision, op); err != nil {
			return fmt.Errorf("send operation at revision %d: %w", c.revision, err)
		}
	case AwaitingConfirm:
		c.state = AwaitingWithBuffer{Outstanding: s.Outstanding, Buffer: op}
	case AwaitingWithBuffer:
		c.state = AwaitingWithBuffer{Outstanding: s.Outstanding, Buffer: Compose(s.Buffer, op)}
	default:
		return fmt.Errorf("%w: unknown client state %T", ErrProtocolViolation, c.state)
	}
	return nil
}

// ApplyServer incorporates an operation committed by another client. The
// pending local operations are transformed against it and its transformed
// counterpart is applied to the local document.
//
// When the local document rejects the operation the client is left
// untouched and the error is returned; the session has to resync.
func (c *Client) ApplyServer(op Operation) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var (
		next  ClientState
		apply Operation
	)
	switch s := c.state.(type) {
	case Synchronized:
		next, apply = s, op
	case AwaitingConfirm:
		outstanding, received := Transform(s.Outstanding, op)
		next, apply = AwaitingConfirm{Outstanding: outstanding}, received
	case AwaitingWithBuffer:
		outstanding, received := Transform(s.Outstanding, op)
		buffer, received := Transform(s.Buffer, received)
		next, apply = AwaitingWithBuffer{Outstanding: outstanding, Buffer: buffer}, received
	default:
		return fmt.Errorf("%w: unknown client state %T", ErrProtocolViolation, c.state)
	}

	if !apply.IsNoop() {
		if err := c.applier.ApplyOperation(apply); err != nil {
			return fmt.Errorf("apply server operation at revision %d: %w", c.revision+1, err)
		}
	}
	c.revision++
	c.state = next
	return nil
}

// ServerAck confirms the outstanding operation. acked is the operation as the
// server committed it, carrying the ids assigned to this client's symbols. A
// buffered operation is resolved against those ids and sent next.
func (c *Client) ServerAck(acked Operation) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state.(type) {
	case AwaitingConfirm, AwaitingWithBuffer:
		table := SymbolsOf(acked)
		for symbol, id := range table {
			c.symbols[symbol] = id
		}
		if confirmer, ok := c.applier.(SymbolConfirmer); ok && len(table) > 0 {
			if err := confirmer.ConfirmSymbols(table); err != nil {
				return fmt.Errorf("confirm symbols: %w", err)
			}
		}
	}

	switch s := c.state.(type) {
	case Synchronized:
		return fmt.Errorf("%w: no pending operation", ErrProtocolViolation)
	case AwaitingConfirm:
		c.revision++
		c.state = Synchronized{}
	case AwaitingWithBuffer:
		c.revision++
		buffer := c.symbols.Substitute(s.Buffer)
		if buffer.IsNoop() {
			c.state = Synchronized{}
			return nil
		}
		c.state = AwaitingConfirm{Outstanding: buffer}
		if err := c.sender.SendOperation(c.revision, buffer); err != nil {
			return fmt.Errorf("send buffered operation at revision %d: %w", c.revision, err)
		}
	default:
		return fmt.Errorf("%w: unknown client state %T", ErrProtocolViolation, c.state)
	}
	return nil
}

// Resend re-issues the outstanding operation, for use after a reconnect. It
// is a no-op when nothing is in flight.
func (c *Client) Resend() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var outstanding Operation
	switch s := c.state.(type) {
	case Synchronized:
		return nil
	case AwaitingConfirm:
		outstanding = s.Outstanding
	case AwaitingWithBuffer:
		outstanding = s.Outstanding
	default:
		return fmt.Errorf("%w: unknown client state %T", ErrProtocolViolation, c.state)
	}
	return c.sender.SendOperation(c.revision, c.symbols.Substitute(outstanding))
}
