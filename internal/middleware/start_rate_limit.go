package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
)

const startRateLimitPrefix = "rl:session-start:"

// StartRateLimit caps session starts per payer wallet (or payer address,
// falling back to client IP) per minute. It fails open without Redis or on
// cache errors.
func StartRateLimit(cache *redis.Client, maxPerMin int) fiber.Handler {
	if maxPerMin <= 0 {
		maxPerMin = 10
	}
	return func(c *fiber.Ctx) error {
		if cache == nil {
			return c.Next()
		}
		var req struct {
			WalletID     string `json:"wallet_id"`
			PayerAddress string `json:"payer_address"`
		}
		_ = c.BodyParser(&req)
		subject := strings.TrimSpace(req.WalletID)
		if subject == "" {
			subject = strings.ToLower(strings.TrimSpace(req.PayerAddress))
		}
		if subject == "" {
			subject = c.IP()
		}

		key := startRateLimitPrefix + subject
		cnt, err := cache.Incr(c.UserContext(), key).Result()
		if err != nil {
			return c.Next()
		}
		if cnt == 1 {
			cache.Expire(c.UserContext(), key, time.Minute)
		}
		if cnt > int64(maxPerMin) {
			return fiber.NewError(http.StatusTooManyRequests, "too many session starts, try again later")
		}
		return c.Next()
	}
}
