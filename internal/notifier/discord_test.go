package notifier

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiscordNotifier_PostsContent(t *testing.T) {
	var got map[string]string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n := NewDiscordNotifier(srv.URL)

	require.NoError(t, n.Notify(context.Background(), "session complete"))
	assert.Equal(t, "session complete", got["content"])
}

func TestDiscordNotifier_SurfacesWebhookFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	n := NewDiscordNotifier(srv.URL)

	assert.Error(t, n.Notify(context.Background(), "hello"))
}

func TestDiscordNotifier_RequiresURL(t *testing.T) {
	n := NewDiscordNotifier("")

	assert.Error(t, n.Notify(context.Background(), "hello"))
}
