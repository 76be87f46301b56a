package middleware

import (
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/require"
)

func newTestApp(key string) *fiber.App {
	app := fiber.New()
	app.Get("/secret", APIKeyMiddleware(key), func(c *fiber.Ctx) error {
		return c.SendString("ok")
	})
	return app
}

func TestAPIKeyMiddlewareEmptyKeyAllowsAll(t *testing.T) {
	app := newTestApp("")
	req := httptest.NewRequest("GET", "/secret", nil)
	resp, err := app.Test(req)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
}

func TestAPIKeyMiddlewareRejectsMissingKey(t *testing.T) {
	app := newTestApp("topsecret")
	req := httptest.NewRequest("GET", "/secret", nil)
	resp, err := app.Test(req)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)
}

func TestAPIKeyMiddlewareRejectsWrongKey(t *testing.T) {
	app := newTestApp("topsecret")
	req := httptest.NewRequest("GET", "/secret", nil)
	req.Header.Set("X-API-Key", "wrong")
	resp, err := app.Test(req)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)
}

func TestAPIKeyMiddlewareAcceptsHeaderKey(t *testing.T) {
	app := newTestApp("topsecret")
	req := httptest.NewRequest("GET", "/secret", nil)
	req.Header.Set("X-API-Key", "topsecret")
	resp, err := app.Test(req)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
}

func TestAPIKeyMiddlewareAcceptsQueryKey(t *testing.T) {
	app := newTestApp("topsecret")
	req := httptest.NewRequest("GET", "/secret?api_key=topsecret", nil)
	resp, err := app.Test(req)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
}

func TestFingerprintIsStableAndShort(t *testing.T) {
	require.Equal(t, "", Fingerprint(""))
	fp := Fingerprint("topsecret")
	require.Len(t, fp, 8) // 4 bytes hex-encoded
	require.Equal(t, fp, Fingerprint("topsecret"))
	require.NotEqual(t, fp, Fingerprint("othersecret"))
}
