package notify

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mercutio-route/pkg/secrets"
	"mercutio-route/pkg/types"
)

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func TestSendWebhookSucceedsOnFirstAttempt(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s, err := New(types.NotifyConfig{MaxRetries: 2}, testLogger(), nil)
	require.NoError(t, err)
	defer s.Close()

	err = s.SendWebhook(context.Background(), srv.URL, map[string]string{"series_uid": "1.2.3"}, types.NotificationEventReception, "")
	require.NoError(t, err)
	assert.Equal(t, int32(1), hits)
}

func TestSendWebhookRetriesThenSucceeds(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s, err := New(types.NotifyConfig{MaxRetries: 3}, testLogger(), nil)
	require.NoError(t, err)
	defer s.Close()

	err = s.SendWebhook(context.Background(), srv.URL, map[string]string{"series_uid": "1.2.3"}, "ROUTE", "")
	require.NoError(t, err)
	assert.Equal(t, int32(3), hits)
}

func TestSendWebhookParksToDLQAfterExhaustingRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	dir := t.TempDir()
	s, err := New(types.NotifyConfig{MaxRetries: 1, DLQDirectory: dir}, testLogger(), nil)
	require.NoError(t, err)
	defer s.Close()

	err = s.SendWebhook(context.Background(), srv.URL, map[string]string{"series_uid": "1.2.3"}, "ROUTE", "")
	require.Error(t, err)
	assert.Equal(t, int64(1), s.dlq.GetStats().EntriesWritten)
}

func TestSendWebhookAttachesResolvedBearerToken(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	secretManager, err := secrets.NewMultiSecretsManager(secrets.Config{DefaultBackend: "env"}, testLogger())
	require.NoError(t, err)
	defer secretManager.Close()
	t.Setenv("SECRET_WEBHOOK_PACS-A-TOKEN", "s3cr3t")

	s, err := New(types.NotifyConfig{MaxRetries: 1}, testLogger(), secretManager)
	require.NoError(t, err)
	defer s.Close()

	err = s.SendWebhook(context.Background(), srv.URL, map[string]string{"series_uid": "1.2.3"}, "ROUTE", "pacs-a-token")
	require.NoError(t, err)
	assert.Equal(t, "Bearer s3cr3t", gotAuth)
}

func TestSendWebhookFallsBackToRawRefWhenUnresolved(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	secretManager, err := secrets.NewMultiSecretsManager(secrets.Config{DefaultBackend: "env"}, testLogger())
	require.NoError(t, err)
	defer secretManager.Close()

	s, err := New(types.NotifyConfig{MaxRetries: 1}, testLogger(), secretManager)
	require.NoError(t, err)
	defer s.Close()

	err = s.SendWebhook(context.Background(), srv.URL, map[string]string{"series_uid": "1.2.3"}, "ROUTE", "literal-token")
	require.NoError(t, err)
	assert.Equal(t, "Bearer literal-token", gotAuth)
}

func TestSendWebhookRejectsUnsupportedScheme(t *testing.T) {
	s, err := New(types.NotifyConfig{MaxRetries: 1}, testLogger(), nil)
	require.NoError(t, err)
	defer s.Close()

	err = s.SendWebhook(context.Background(), "ftp://example.org/hook", nil, "ROUTE", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rejected webhook target")
}

func TestSendWebhookRespectsContextCancellation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	s, err := New(types.NotifyConfig{MaxRetries: 5}, testLogger(), nil)
	require.NoError(t, err)
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	err = s.SendWebhook(ctx, srv.URL, nil, "ROUTE", "")
	require.Error(t, err)
	assert.Less(t, time.Since(start), 6*time.Second)
}
