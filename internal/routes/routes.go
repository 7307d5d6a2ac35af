package routes

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/pulsepay/pulsepay/internal/config"
	"github.com/pulsepay/pulsepay/internal/funding"
	"github.com/pulsepay/pulsepay/internal/middleware"
	"github.com/pulsepay/pulsepay/internal/payments"
	"github.com/pulsepay/pulsepay/internal/session"
	"github.com/pulsepay/pulsepay/internal/wallet"
)

// Deps aggregates shared dependencies required to wire routes.
type Deps struct {
	Cfg      config.Config
	DB       *pgxpool.Pool
	Cache    *redis.Client
	Logger   *slog.Logger
	Gatherer prometheus.Gatherer
	Wallets  *wallet.Service
	Sessions *session.Service
	Funding  *funding.Service
	Payments *payments.Service
}

// Setup configures middlewares and all application routes.
func Setup(app *fiber.App, d Deps) {
	app.Use(recover.New())
	app.Use(middleware.RequestID())
	// Plain text access log in desired format: [HH:MM:SS] 200 -  145ms METHOD /path
	app.Use(logger.New(logger.Config{
		Format:     "[${time}] ${status} -  ${latency} ${method} ${path}\n",
		TimeFormat: "15:04:05",
		TimeZone:   "Local",
	}))

	RegisterHealthRoutes(app, d)
	if d.Gatherer != nil {
		app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{})))
	}

	api := app.Group("/api/v1", middleware.Audit(d.Logger))
	api.Get("/ping", func(c *fiber.Ctx) error {
		return c.Status(http.StatusOK).JSON(fiber.Map{
			"status":     "ok",
			"request_id": middleware.RequestIDFrom(c),
			"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
		})
	})

	idem := middleware.Idempotency(d.Cache, d.Cfg.IdempotencyTTL, d.Logger)
	RegisterWalletRoutes(api, wallet.NewHandler(d.Wallets))
	RegisterFundingRoutes(api, funding.NewHandler(d.Funding), idem)
	RegisterSessionRoutes(api, session.NewHandler(d.Sessions), idem, middleware.StartRateLimit(d.Cache, d.Cfg.StartRateLimit))
	RegisterPaymentRoutes(api, payments.NewHandler(d.Payments), idem)
}
