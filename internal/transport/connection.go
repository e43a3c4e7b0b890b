package transport

import (
	"context"
	"errors"
	"sync"

	"hsmpchat/internal/models"
)

// Conn is the subset of *websocket.Conn used by Connection.
type Conn interface {
	Close() error
	WriteJSON(v any) error
	ReadJSON(v any) error
}

// Connection pumps frames over a single websocket until it fails or ctx is cancelled.
type Connection struct {
	ws       Conn
	dispatch func(models.Frame)
	outbox   chan models.Frame
	errorCh  chan error
	done     chan struct{}
}

func NewConnection(ws Conn, dispatch func(models.Frame)) *Connection {
	return &Connection{
		ws:       ws,
		dispatch: dispatch,
		outbox:   make(chan models.Frame, 64),
		errorCh:  make(chan error, 2),
		done:     make(chan struct{}),
	}
}

// Send queues a frame for the writer. Frames queued before Handle starts are
// written first, in order.
func (c *Connection) Send(ctx context.Context, f models.Frame) error {
	select {
	case <-c.done:
		return models.ErrNotConnected
	default:
	}

	select {
	case c.outbox <- f:
		return nil
	case <-c.done:
		return models.ErrNotConnected
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Handle runs the read and write pumps. It returns nil when ctx is cancelled
// and the first pump error otherwise. The websocket is closed on return.
func (c *Connection) Handle(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		close(c.done)
	}()

	var wg sync.WaitGroup
	wg.Go(func() {
		c.errorCh <- c.readPump(ctx)
		cancel()
	})

	wg.Go(func() {
		c.errorCh <- c.writeLoop(ctx)
		cancel()
	})

	var err error
	select {
	case err = <-c.errorCh:
	case <-ctx.Done():
	}
	_ = c.ws.Close()
	wg.Wait()

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	return nil
}

func (c *Connection) readPump(ctx context.Context) error {
	for {
		var f models.Frame
		if err := c.ws.ReadJSON(&f); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		c.dispatch(f)
	}
}

func (c *Connection) writeLoop(ctx context.Context) error {
	for {
		select {
		case f := <-c.outbox:
			if err := c.ws.WriteJSON(f); err != nil {
				return err
			}
		case <-ctx.Done():
			return nil
		}
	}
}
