// Package app wires configuration into the credential store, the refresh
// coordinator, the request pipeline and the local gateway.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/florianilch/jigtrack/internal/client"
	"github.com/florianilch/jigtrack/internal/credentials"
	"github.com/florianilch/jigtrack/internal/proxy"
	"github.com/florianilch/jigtrack/internal/refresh"
	"github.com/florianilch/jigtrack/internal/session"
	"github.com/florianilch/jigtrack/internal/tokensource"
)

// App orchestrates the lifecycle of the gateway and the services behind it.
type App struct {
	cfg    *Config
	logger *slog.Logger

	storage *storage
	client  *client.Client
	session *session.Service
	proxy   *proxy.Proxy
}

// New creates a new App instance. Close releases the credential store.
func New(cfg *Config) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	logger := slog.Default()

	st, err := cfg.Storage.openStorage(logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open credential store: %w", err)
	}
	logger.Debug("credential store ready", "primary", st.store.Primary())

	a, err := newApp(cfg, st, logger)
	if err != nil {
		_ = st.closer()
		return nil, err
	}
	return a, nil
}

func newApp(cfg *Config, st *storage, logger *slog.Logger) (*App, error) {
	creds, err := credentials.NewManager(st.store, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create credentials manager: %w", err)
	}

	exchanger := tokensource.NewExchanger(
		strings.TrimSuffix(cfg.API.BaseURL, "/")+cfg.API.RefreshPath,
		tokensource.WithTimeout(cfg.API.Timeout),
		tokensource.WithHeader(cfg.API.ProxyHeader, cfg.API.ProxyHeaderValue),
	)

	coordinator, err := refresh.NewCoordinator(exchanger, creds,
		refresh.WithTimeout(cfg.Auth.RefreshTimeout),
		refresh.WithPurgeOnTransportFailure(*cfg.Auth.PurgeOnTransportFailure),
		refresh.WithOnExpired(func(ctx context.Context, err error) {
			logger.WarnContext(ctx, "session expired, login required", "error", err)
		}),
		refresh.WithLogger(logger),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create refresh coordinator: %w", err)
	}

	apiClient, err := client.New(cfg.API.BaseURL, creds, coordinator,
		client.WithTimeout(cfg.API.Timeout),
		client.WithHeader(cfg.API.ProxyHeader, cfg.API.ProxyHeaderValue),
		client.WithLogger(logger),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create API client: %w", err)
	}

	sessions, err := session.New(apiClient, creds, cfg.API.LoginPath, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create session service: %w", err)
	}

	gateway, err := proxy.New(apiClient, sessions, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create gateway: %w", err)
	}

	return &App{
		cfg:     cfg,
		logger:  logger,
		storage: st,
		client:  apiClient,
		session: sessions,
		proxy:   gateway,
	}, nil
}

// Client returns the authenticated API client.
func (a *App) Client() *client.Client { return a.client }

// Session returns the session service.
func (a *App) Session() *session.Service { return a.session }

// Close releases the credential store.
func (a *App) Close() error {
	return a.storage.closer()
}

// Start starts the gateway and blocks until ctx is cancelled or the server
// fails, then shuts everything down.
func (a *App) Start(ctx context.Context) error {
	g, gCtx := errgroup.WithContext(ctx)

	address := a.cfg.Server.Host + ":" + strconv.FormatUint(uint64(a.cfg.Server.Port), 10)
	shutdownFuncs := []func(context.Context) error{
		func(context.Context) error { return a.Close() },
	}

	if state := a.session.Bootstrap(gCtx); state.Authenticated {
		a.logger.InfoContext(gCtx, "restored stored session")
	} else {
		a.logger.InfoContext(gCtx, "no stored session, login required")
	}

	a.logger.InfoContext(gCtx, "starting gateway", "address", address)
	proxyErrCh, err := a.proxy.Start(gCtx, address)
	if err != nil {
		_ = a.Close()
		return fmt.Errorf("gateway startup failed: %w", err)
	}
	shutdownFuncs = append(shutdownFuncs, a.proxy.Shutdown)

	// Monitor runtime errors - errgroup cancels context on first error
	g.Go(func() error {
		select {
		case err := <-proxyErrCh:
			if err != nil {
				a.logger.ErrorContext(gCtx, "gateway runtime error", "error", err)
				return fmt.Errorf("gateway: %w", err)
			}
			return nil
		case <-gCtx.Done():
			return nil
		}
	})

	a.logger.InfoContext(gCtx, "application ready", "address", address)

	runtimeErr := g.Wait()

	a.logger.InfoContext(gCtx, "shutting down services")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Shutdown.Timeout)
	defer cancel()

	var errs []error
	if runtimeErr != nil {
		errs = append(errs, fmt.Errorf("runtime: %w", runtimeErr))
	}

	for i := len(shutdownFuncs) - 1; i >= 0; i-- {
		if err := shutdownFuncs[i](shutdownCtx); err != nil {
			a.logger.ErrorContext(shutdownCtx, "service shutdown failed", "error", err)
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	a.logger.Info("application stopped")
	return nil
}
