package influxdb

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/guardian/internal/history"
)

func TestSendWritesLineProtocol(t *testing.T) {
	var body, path, bucket, auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		bucket = r.URL.Query().Get("bucket")
		auth = r.Header.Get("Authorization")
		b, _ := io.ReadAll(r.Body)
		body = string(b)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	s, err := New(Options{URL: srv.URL, Token: "secret", Org: "ops", Bucket: "guardian"})
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	e := history.NewEvent(history.EventProcessCrash, "api", history.SeverityCritical, "crashed")
	e.PID = 77
	require.NoError(t, s.Send(context.Background(), e))

	assert.Equal(t, "/api/v2/write", path)
	assert.Equal(t, "guardian", bucket)
	assert.Equal(t, "Token secret", auth)
	assert.True(t, strings.HasPrefix(body, "guardian_events,"), body)
	assert.Contains(t, body, "process=api")
	assert.Contains(t, body, "type=process_crash")
	assert.Contains(t, body, "pid=77i")
}

func TestSendServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"code":"unauthorized","message":"bad token"}`))
	}))
	defer srv.Close()
	s, err := New(Options{URL: srv.URL, Org: "ops", Bucket: "guardian"})
	require.NoError(t, err)
	defer func() { _ = s.Close() }()
	assert.Error(t, s.Send(context.Background(), history.NewEvent(history.EventProcessStop, "x", history.SeverityInfo, "")))
}

func TestNewValidates(t *testing.T) {
	_, err := New(Options{URL: "http://localhost:8086"})
	assert.Error(t, err)
	_, err = New(Options{})
	assert.Error(t, err)
}
