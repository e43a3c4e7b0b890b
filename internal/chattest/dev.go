package chattest

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"
)

// DevServer runs the backend on a real address for manual sessions
// with the console client.
type DevServer struct {
	Hub *Hub

	backend  *Server
	server   *http.Server
	listener net.Listener
	wg       sync.WaitGroup
}

// NewDevServer binds addr right away so Addr is known before Start.
func NewDevServer(addr string) (*DevServer, error) {
	if addr == "" {
		addr = ":5000"
	}

	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	backend := newServer()
	return &DevServer{
		Hub:      backend.Hub,
		backend:  backend,
		listener: l,
		server: &http.Server{
			Handler:           backend.routes(),
			ReadHeaderTimeout: 5 * time.Second,
		},
	}, nil
}

func (d *DevServer) Addr() string {
	return d.listener.Addr().String()
}

// Start serves until Shutdown.
func (d *DevServer) Start() error {
	slog.Info("dev server started", "addr", d.Addr())
	d.wg.Add(1)
	defer d.wg.Done()

	if err := d.server.Serve(d.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (d *DevServer) Shutdown(ctx context.Context) error {
	defer d.wg.Wait()
	d.backend.stop()
	return d.server.Shutdown(ctx)
}
