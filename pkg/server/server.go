// SPDX-FileCopyrightText: Copyright 2026 DarkAuth Contributors
// SPDX-License-Identifier: Apache-2.0

// Package server assembles the user and admin HTTP surfaces: routing,
// middleware, background sweepers and graceful shutdown.
package server

import (
	"context"
	stderrors "errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/darkauth/darkauth/pkg/audit"
	"github.com/darkauth/darkauth/pkg/install"
	"github.com/darkauth/darkauth/pkg/kek"
	"github.com/darkauth/darkauth/pkg/keys"
	"github.com/darkauth/darkauth/pkg/logger"
	"github.com/darkauth/darkauth/pkg/metrics"
	"github.com/darkauth/darkauth/pkg/oidc"
	"github.com/darkauth/darkauth/pkg/opaque"
	"github.com/darkauth/darkauth/pkg/otp"
	"github.com/darkauth/darkauth/pkg/ratelimit"
	"github.com/darkauth/darkauth/pkg/session"
	"github.com/darkauth/darkauth/pkg/storage"
)

const (
	requestTimeout    = 10 * time.Second
	readHeaderTimeout = 10 * time.Second
	shutdownTimeout   = 15 * time.Second
)

// Config carries the listen addresses and issuer identity.
type Config struct {
	UserAddr  string
	AdminAddr string
	Issuer    string
}

// Deps carries the assembled components the servers route to.
type Deps struct {
	Store     storage.Store
	Transient storage.TransientLoginStore
	KEK       *kek.Service
	Keys      *keys.Manager
	Engine    *opaque.Engine
	Provider  *oidc.Provider
	Installer *install.Installer
	Metrics   *metrics.Metrics
	Audit     *audit.Recorder
	Limiter   *ratelimit.Limiter

	UserSessions  *session.Manager
	AdminSessions *session.Manager
}

// Server runs the two HTTP surfaces and the expiry sweepers.
type Server struct {
	cfg  Config
	deps Deps

	userHandler  http.Handler
	adminHandler http.Handler
}

// New builds both routers.
func New(cfg Config, deps Deps) *Server {
	s := &Server{cfg: cfg, deps: deps}
	s.userHandler = s.userRouter()
	s.adminHandler = s.adminRouter()
	return s
}

// UserHandler exposes the user router, mainly for tests.
func (s *Server) UserHandler() http.Handler { return s.userHandler }

// AdminHandler exposes the admin router, mainly for tests.
func (s *Server) AdminHandler() http.Handler { return s.adminHandler }

func (s *Server) baseMiddleware(r chi.Router) {
	r.Use(
		middleware.RequestID,
		middleware.RealIP,
		middleware.Timeout(requestTimeout),
	)
	if s.deps.Limiter != nil {
		r.Use(ratelimit.Middleware(s.deps.Limiter))
	}
	r.Use(s.deps.Installer.Gate)
}

func (s *Server) userRouter() http.Handler {
	r := chi.NewRouter()
	s.baseMiddleware(r)
	r.Use(s.deps.UserSessions.Protect)

	s.deps.Provider.Routes(r)
	r.Get("/openapi", s.openAPI)

	opaqueHandler := opaque.NewHandler(opaque.HandlerConfig{
		Engine:            s.deps.Engine,
		Sessions:          s.deps.UserSessions,
		Minter:            s.deps.Provider,
		Policy:            otp.NewPolicy(s.deps.Store),
		Limiter:           s.deps.Limiter,
		Audit:             s.deps.Audit,
		Metrics:           s.deps.Metrics,
		Settings:          s.deps.Store,
		AllowSelfRegister: true,
	})
	api := &apiHandler{
		sessions: s.deps.UserSessions,
		users:    s.deps.Store,
		audit:    s.deps.Audit,
	}
	r.Route("/api/user", func(r chi.Router) {
		opaqueHandler.Routes(r)
		r.Group(func(r chi.Router) {
			r.Use(s.deps.UserSessions.RequireAuth)
			r.Get("/wrapped-drk", api.getWrappedDRK)
			r.Put("/wrapped-drk", api.putWrappedDRK)
		})
	})
	r.Route("/api/otp", func(r chi.Router) {
		r.Use(s.deps.UserSessions.RequireAuth)
		otp.NewHandler(
			otp.NewEngine(s.deps.Store, s.deps.KEK),
			s.deps.UserSessions, s.deps.Store, s.cfg.Issuer,
			s.deps.Audit, s.deps.Metrics,
		).Routes(r)
	})
	r.Group(func(r chi.Router) {
		r.Use(s.deps.UserSessions.RequireAuth)
		s.deps.Provider.ConsentRoutes(r)
		r.Post("/logout", api.logout)
	})
	// Session status answers for anonymous callers too.
	r.Get("/api/session", api.sessionStatus)

	return r
}

func (s *Server) adminRouter() http.Handler {
	r := chi.NewRouter()
	s.baseMiddleware(r)
	r.Use(s.deps.AdminSessions.Protect)

	s.deps.Installer.Routes(r)
	r.Get("/health", s.health)
	r.Method(http.MethodGet, "/metrics", s.deps.Metrics.Handler())

	opaqueHandler := opaque.NewHandler(opaque.HandlerConfig{
		Engine:    s.deps.Engine,
		Sessions:  s.deps.AdminSessions,
		Minter:    s.deps.Provider,
		Policy:    otp.NewPolicy(s.deps.Store),
		Limiter:   s.deps.Limiter,
		Audit:     s.deps.Audit,
		Metrics:   s.deps.Metrics,
		Settings:  s.deps.Store,
		AdminRole: s.resolveAdminRole,
	})
	r.Route("/api/admin", opaqueHandler.Routes)
	r.Route("/api/otp", func(r chi.Router) {
		r.Use(s.deps.AdminSessions.RequireAuth)
		otp.NewHandler(
			otp.NewEngine(s.deps.Store, s.deps.KEK),
			s.deps.AdminSessions, s.deps.Store, s.cfg.Issuer,
			s.deps.Audit, s.deps.Metrics,
		).Routes(r)
	})

	api := &apiHandler{
		sessions: s.deps.AdminSessions,
		users:    s.deps.Store,
		audit:    s.deps.Audit,
	}
	r.Group(func(r chi.Router) {
		r.Use(s.deps.AdminSessions.RequireAuth)
		r.Post("/logout", api.logout)
	})
	r.Get("/api/session", api.sessionStatus)

	return r
}

// resolveAdminRole maps role membership to the admin session role. Anything
// without the admin role has no admin surface access at all.
func (s *Server) resolveAdminRole(ctx context.Context, sub string) (string, error) {
	roles, err := s.deps.Store.ListRolesForUser(ctx, sub)
	if err != nil {
		return "", err
	}
	for _, role := range roles {
		if role.Key == install.AdminRoleKey {
			return "write", nil
		}
	}
	return "", nil
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Store.Ping(r.Context()); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Run serves both surfaces until ctx is cancelled, then shuts down
// gracefully. The sweeper goroutine shares the lifetime of the servers.
func (s *Server) Run(ctx context.Context) error {
	userSrv := &http.Server{
		BaseContext:       func(net.Listener) context.Context { return ctx },
		Addr:              s.cfg.UserAddr,
		Handler:           s.userHandler,
		ReadHeaderTimeout: readHeaderTimeout,
	}
	adminSrv := &http.Server{
		BaseContext:       func(net.Listener) context.Context { return ctx },
		Addr:              s.cfg.AdminAddr,
		Handler:           s.adminHandler,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		logger.Infof("user server listening on %s", s.cfg.UserAddr)
		if err := userSrv.ListenAndServe(); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		logger.Infof("admin server listening on %s", s.cfg.AdminAddr)
		if err := adminSrv.ListenAndServe(); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		s.runSweeper(groupCtx)
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		userErr := userSrv.Shutdown(shutdownCtx)
		adminErr := adminSrv.Shutdown(shutdownCtx)
		return stderrors.Join(userErr, adminErr)
	})

	err := group.Wait()
	logger.Infow("Servers stopped")
	return err
}
