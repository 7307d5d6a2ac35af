package server

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/pulsepay/pulsepay/internal/app"
	"github.com/pulsepay/pulsepay/internal/routes"
)

// Server wraps the Fiber application and shared dependencies.
type Server struct {
	app *fiber.App
	svc *app.App
}

// New instantiates the HTTP server and delegates route wiring to routes.Setup.
func New(svc *app.App) (*Server, error) {
	if svc == nil || svc.Sessions == nil || svc.Wallets == nil || svc.Funding == nil || svc.Payments == nil {
		return nil, errors.New("wired services are required")
	}
	cfg := svc.Config
	if !cfg.IsDevelopment() && (svc.DB == nil || svc.Cache == nil) {
		return nil, errors.New("postgres and redis are required outside development")
	}

	fa := fiber.New(fiber.Config{
		AppName:      cfg.AppName,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	})

	routes.Setup(fa, routes.Deps{
		Cfg:      cfg,
		DB:       svc.DB,
		Cache:    svc.Cache,
		Logger:   svc.Logger,
		Gatherer: svc.Registry,
		Wallets:  svc.Wallets,
		Sessions: svc.Sessions,
		Funding:  svc.Funding,
		Payments: svc.Payments,
	})

	return &Server{app: fa, svc: svc}, nil
}

// App exposes the Fiber application, mainly for tests.
func (s *Server) App() *fiber.App {
	return s.app
}

// Listen starts the HTTP server.
func (s *Server) Listen() error {
	return s.app.Listen(s.svc.Config.Address())
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}
