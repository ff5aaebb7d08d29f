package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/guardian/internal/history"
)

func TestWebhookSend(t *testing.T) {
	var got map[string]any
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	s := New(srv.URL, map[string]string{"Authorization": "Bearer t0k"})
	e := history.NewEvent(history.EventRecoveryEscalated, "api", history.SeverityCritical, "restart limit reached")
	require.NoError(t, s.Send(context.Background(), e))

	assert.Equal(t, "Bearer t0k", auth)
	assert.Equal(t, "recovery_escalated", got["type"])
	assert.Equal(t, "[critical] api: restart limit reached", got["text"])
}

func TestWebhookErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()
	err := New(srv.URL, nil).Send(context.Background(), history.NewEvent(history.EventProcessStop, "x", history.SeverityInfo, ""))
	assert.Error(t, err)
}
