// Package middleware provides fiber middleware for the status API.
package middleware

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"

	"github.com/gofiber/fiber/v2"
)

// APIKeyMiddleware returns a fiber handler that requires the
// X-API-Key header (or api_key query parameter) to match key via a
// constant-time comparison of its SHA-256 digest. An empty key
// disables the check entirely, since a reader on a private network
// behind its own firewall often has no need for one.
func APIKeyMiddleware(key string) fiber.Handler {
	if key == "" {
		return func(c *fiber.Ctx) error { return c.Next() }
	}

	want := sha256.Sum256([]byte(key))

	return func(c *fiber.Ctx) error {
		got := c.Get("X-API-Key")
		if got == "" {
			got = c.Query("api_key")
		}
		if got == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "missing API key"})
		}
		gotHash := sha256.Sum256([]byte(got))
		if subtle.ConstantTimeCompare(want[:], gotHash[:]) != 1 {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "invalid API key"})
		}
		return c.Next()
	}
}

// Fingerprint returns a short, non-secret identifier for a key, safe to
// log when reporting which key was configured.
func Fingerprint(key string) string {
	if key == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:4])
}
