// Package proxy is the local gateway. It exposes the authenticated API and the
// session lifecycle over loopback HTTP so front-ends written in other
// languages share one credential store and one refresh coordinator.
package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/florianilch/jigtrack/internal/client"
	"github.com/florianilch/jigtrack/internal/session"
)

// Requester is the authenticated request pipeline.
type Requester interface {
	Request(ctx context.Context, method, path string, body any, header http.Header) (*client.Response, error)
}

// Sessions manages login state.
type Sessions interface {
	Login(ctx context.Context, usuario, password string) (json.RawMessage, error)
	Bootstrap(ctx context.Context) session.State
	Clear(ctx context.Context) error
}

// Proxy is the gateway server.
type Proxy struct {
	mux    *http.ServeMux
	server *http.Server
}

// Compile-time check that Proxy implements http.Handler
var _ http.Handler = (*Proxy)(nil)

// New creates a gateway that forwards /api/ to requester and serves /session.
func New(requester Requester, sessions Sessions, logger *slog.Logger) (*Proxy, error) {
	if requester == nil {
		return nil, errors.New("missing requester")
	}
	if sessions == nil {
		return nil, errors.New("missing session service")
	}
	if logger == nil {
		logger = slog.Default()
	}

	forward := &ForwardHandler{Requester: requester}
	sessionHandler := &SessionHandler{Sessions: sessions}

	mux := http.NewServeMux()
	mux.Handle("/api/{path...}", applyMiddlewares(forward,
		Logging(logger),
		Recovery,
	))
	mux.Handle("POST /session/login", applyMiddlewares(http.HandlerFunc(sessionHandler.Login),
		Logging(logger),
		Recovery,
		NoStore,
	))
	mux.Handle("GET /session", applyMiddlewares(http.HandlerFunc(sessionHandler.Status),
		Logging(logger),
		Recovery,
		NoStore,
	))
	mux.Handle("DELETE /session", applyMiddlewares(http.HandlerFunc(sessionHandler.Logout),
		Logging(logger),
		Recovery,
	))

	return &Proxy{mux: mux}, nil
}

// ServeHTTP implements http.Handler interface
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p.mux.ServeHTTP(w, r)
}

// Start starts the HTTP server in the background and returns immediately.
// Returns a channel for runtime errors and a startup error if any.
//
// Startup errors (port in use, permission denied) are returned immediately.
// Runtime errors are sent to the error channel.
//
// The caller is responsible for calling Shutdown() to stop the server.
func (p *Proxy) Start(ctx context.Context, address string) (<-chan error, error) {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", address, err)
	}

	p.server = &http.Server{
		Handler:      p,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 2 * time.Minute, // covers one refresh plus the retried attempt
		IdleTimeout:  90 * time.Second,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}

	errCh := make(chan error, 1)

	go func() {
		err := p.server.Serve(listener)
		// Only report error if not from graceful shutdown
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	return errCh, nil
}

// Shutdown performs graceful shutdown of the HTTP server.
func (p *Proxy) Shutdown(ctx context.Context) error {
	if p.server == nil {
		return nil
	}

	if err := p.server.Shutdown(ctx); err != nil {
		_ = p.server.Close()
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}

	return nil
}
