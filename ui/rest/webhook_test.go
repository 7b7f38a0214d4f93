package rest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/royalbot/royal-dispatch/core/config"
	"github.com/royalbot/royal-dispatch/pkg/metrics"
	"github.com/royalbot/royal-dispatch/usecase"
)

// newWebhookApp arma una app con el intake real pero sin cola ni store:
// la ventana del coalescer es larga a propósito para que ningún burst se
// emita durante el test.
func newWebhookApp(t *testing.T, perUserPerMin int) *fiber.App {
	t.Helper()
	cfg := config.RateConfig{
		PerUserPerMin: perUserPerMin,
		PerIPPerMin:   100,
		GlobalPerMin:  1000,
		DedupeTTL:     time.Minute,
	}
	admission := usecase.NewAdmissionService(nil, nil, nil, metrics.New(), nil, nil, cfg, 0)
	coalescer := usecase.NewCoalescer(time.Minute, 2*time.Minute)
	intake := usecase.NewIntakeService(admission, coalescer, nil, nil)

	app := fiber.New()
	InitRestWebhook(app, intake, nil, nil)
	return app
}

func gatewayPayload(userID, text, msgID string) []byte {
	return []byte(fmt.Sprintf(`{
		"event": "messages.upsert",
		"data": {
			"key": {"remoteJid": "%s@s.whatsapp.net", "fromMe": false, "id": "%s"},
			"message": {"conversation": %q},
			"messageTimestamp": 1756112400
		}
	}`, userID, msgID, text))
}

func postJSON(t *testing.T, app *fiber.App, path string, body []byte) (int, string) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	var envelope struct {
		Code string `json:"code"`
	}
	_ = json.Unmarshal(raw, &envelope)
	return resp.StatusCode, envelope.Code
}

// Test: un mensaje entrante que pasa admisión responde 200 SUCCESS.
func TestGatewayEvent_AcceptsMessage(t *testing.T) {
	app := newWebhookApp(t, 10)

	status, code := postJSON(t, app, "/webhook/whatsapp", gatewayPayload("5493515551234", "hola", "m1"))
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "SUCCESS", code)
}

// Test: un rechazo por rate limit igual responde 200 — el gateway
// reintenta ante non-2xx y un 429 provocaría tormenta de reintentos.
func TestGatewayEvent_RateLimitedStillAnswers200(t *testing.T) {
	app := newWebhookApp(t, 1)

	status, _ := postJSON(t, app, "/webhook/whatsapp", gatewayPayload("5493515551234", "hola", "m1"))
	require.Equal(t, http.StatusOK, status)

	status, code := postJSON(t, app, "/webhook/whatsapp", gatewayPayload("5493515551234", "sigo acá", "m2"))
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "RATE_LIMITED", code)
}

// Test: el duplicado exacto dentro del TTL responde 200 con su motivo.
func TestGatewayEvent_DuplicateStillAnswers200(t *testing.T) {
	app := newWebhookApp(t, 10)

	status, _ := postJSON(t, app, "/webhook/whatsapp", gatewayPayload("5493515551234", "hola", "m1"))
	require.Equal(t, http.StatusOK, status)

	status, code := postJSON(t, app, "/webhook/whatsapp", gatewayPayload("5493515551234", "hola", "m1"))
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "DUPLICATE", code)
}

// Test: el texto vacío se descarta con 200, no con 400.
func TestGatewayEvent_EmptyTextStillAnswers200(t *testing.T) {
	app := newWebhookApp(t, 10)

	status, code := postJSON(t, app, "/webhook/whatsapp", gatewayPayload("5493515551234", "", "m1"))
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "BAD_REQUEST", code)
}

// Test: el webhook de Chatwoot también responde 200 ante un rechazo de
// admisión del mensaje entrante.
func TestChatwootEvent_RateLimitedStillAnswers200(t *testing.T) {
	app := newWebhookApp(t, 1)

	incoming := func(text string, id int) []byte {
		return []byte(fmt.Sprintf(`{
			"event": "message_created",
			"message_type": "incoming",
			"content": %q,
			"id": %d,
			"sender": {"phone_number": "+54 9 351 555-1234"},
			"conversation": {"id": 42}
		}`, text, id))
	}

	status, _ := postJSON(t, app, "/webhook/chatwoot", incoming("hola", 1))
	require.Equal(t, http.StatusOK, status)

	status, code := postJSON(t, app, "/webhook/chatwoot", incoming("sigo acá", 2))
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "RATE_LIMITED", code)
}
