package collector

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketpulse/internal/config"
)

func newTestClient(timeout time.Duration) *Client {
	return NewClient(config.CollectorConfig{
		FetchTimeout:      timeout,
		BlockedSignatures: []string{"captcha", "robot check"},
	})
}

func TestFetchSuccess(t *testing.T) {
	var gotUA string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		w.Write([]byte("<html>ok</html>"))
	}))
	defer server.Close()

	c := newTestClient(5 * time.Second)
	payload, err := c.Fetch(context.Background(), server.URL, Schedule{Identity: "test-ua"})

	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, payload.Status)
	assert.Equal(t, []byte("<html>ok</html>"), payload.Body)
	assert.Equal(t, "test-ua", gotUA)
	assert.False(t, payload.FetchedAt.IsZero())
}

func TestFetchBlockedByStatus(t *testing.T) {
	for _, status := range []int{http.StatusForbidden, http.StatusTooManyRequests} {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(status)
		}))

		c := newTestClient(5 * time.Second)
		_, err := c.Fetch(context.Background(), server.URL, Schedule{})
		server.Close()

		fe, ok := AsFetchError(err)
		require.True(t, ok)
		assert.Equal(t, KindBlocked, fe.Kind)
		assert.Equal(t, status, fe.Status)
	}
}

func TestFetchBlockedBySignature(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html>Please solve this CAPTCHA to continue</html>"))
	}))
	defer server.Close()

	c := newTestClient(5 * time.Second)
	_, err := c.Fetch(context.Background(), server.URL, Schedule{})

	fe, ok := AsFetchError(err)
	require.True(t, ok)
	assert.Equal(t, KindBlocked, fe.Kind)
}

func TestFetchHTTPStatusError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	c := newTestClient(5 * time.Second)
	_, err := c.Fetch(context.Background(), server.URL, Schedule{})

	fe, ok := AsFetchError(err)
	require.True(t, ok)
	assert.Equal(t, KindHTTPStatus, fe.Kind)
	assert.Equal(t, http.StatusInternalServerError, fe.Status)
}

func TestFetchTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(500 * time.Millisecond)
	}))
	defer server.Close()

	c := newTestClient(50 * time.Millisecond)
	_, err := c.Fetch(context.Background(), server.URL, Schedule{})

	fe, ok := AsFetchError(err)
	require.True(t, ok)
	assert.Equal(t, KindTimeout, fe.Kind)
}

func TestFetchConnectionRefused(t *testing.T) {
	c := newTestClient(time.Second)
	_, err := c.Fetch(context.Background(), "http://127.0.0.1:1", Schedule{})

	fe, ok := AsFetchError(err)
	require.True(t, ok)
	assert.Equal(t, KindConnection, fe.Kind)
}

func TestFetchInvalidProxy(t *testing.T) {
	c := newTestClient(time.Second)
	_, err := c.Fetch(context.Background(), "http://example.com", Schedule{Proxy: "://bad"})

	fe, ok := AsFetchError(err)
	require.True(t, ok)
	assert.Equal(t, KindConnection, fe.Kind)
}
