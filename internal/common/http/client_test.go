package http

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClient_Get(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		assert.Equal(t, http.MethodGet, r.Method)
		switch r.URL.Path {
		case "/ok":
			_, _ = w.Write([]byte("<ConfirmSubscriptionResponse/>"))
		default:
			w.WriteHeader(http.StatusForbidden)
		}
	}))
	defer srv.Close()

	c := NewClient(time.Second)
	require.NoError(t, c.Get(context.Background(), srv.URL+"/ok"))

	err := c.Get(context.Background(), srv.URL+"/denied")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "403")
	assert.Equal(t, 2, hits)
}

func TestClient_GetHonoursContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.Error(t, NewClient(5*time.Second).Get(ctx, srv.URL))
}
