package auth

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"
)

// TestParseExtractor asserts each extractor source and the startup
// validation of malformed specs.
func TestParseExtractor(t *testing.T) {
	t.Parallel()

	t.Run("header", func(t *testing.T) {
		extract, err := ParseExtractor("header:X-Agent-Id")
		require.NoError(t, err)

		r := httptest.NewRequest("GET", "/x", nil)
		r.Header.Set("X-Agent-Id", "alice")
		require.Equal(t, "alice", extract(r))

		require.Empty(t, extract(httptest.NewRequest("GET", "/x", nil)))
	})

	t.Run("query", func(t *testing.T) {
		extract, err := ParseExtractor("query:agent")
		require.NoError(t, err)

		r := httptest.NewRequest("GET", "/x?agent=bob", nil)
		require.Equal(t, "bob", extract(r))
	})

	t.Run("route", func(t *testing.T) {
		extract, err := ParseExtractor("route:threadID")
		require.NoError(t, err)

		var got string
		router := chi.NewRouter()
		router.Get("/threads/{threadID}", func(w http.ResponseWriter,
			r *http.Request) {

			got = extract(r)
		})
		router.ServeHTTP(
			httptest.NewRecorder(),
			httptest.NewRequest("GET", "/threads/t-17", nil),
		)
		require.Equal(t, "t-17", got)
	})

	t.Run("body dotted path", func(t *testing.T) {
		extract, err := ParseExtractor("body:post.threadId")
		require.NoError(t, err)

		payload := `{"post": {"threadId": "t-99", "text": "hi"}}`
		r := httptest.NewRequest(
			"POST", "/x", bytes.NewBufferString(payload),
		)
		require.Equal(t, "t-99", extract(r))

		// The body is restored for the downstream handler.
		rest, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		require.JSONEq(t, payload, string(rest))
	})

	t.Run("body numeric value", func(t *testing.T) {
		extract, err := ParseExtractor("body:threadId")
		require.NoError(t, err)

		r := httptest.NewRequest(
			"POST", "/x", bytes.NewBufferString(`{"threadId": 42}`),
		)
		require.Equal(t, "42", extract(r))
	})

	t.Run("body not json", func(t *testing.T) {
		extract, err := ParseExtractor("body:threadId")
		require.NoError(t, err)

		r := httptest.NewRequest(
			"POST", "/x", bytes.NewBufferString("plain text"),
		)
		require.Empty(t, extract(r))
	})

	t.Run("invalid specs", func(t *testing.T) {
		_, err := ParseExtractor("header")
		require.Error(t, err)

		_, err = ParseExtractor("header:")
		require.Error(t, err)

		_, err = ParseExtractor("cookie:session")
		require.ErrorContains(t, err, "unknown extractor source")
	})
}

// TestChallengeLimiter asserts bucket isolation per agent and the bonus
// burst handling.
func TestChallengeLimiter(t *testing.T) {
	t.Parallel()

	limiter := NewChallengeLimiter(ChallengeLimit{
		Requests: 2,
		Per:      time.Hour,
	})

	require.True(t, limiter.Allow("a"))
	require.True(t, limiter.Allow("a"))
	require.False(t, limiter.Allow("a"))
	require.Positive(t, limiter.RetryDelay("a"))

	// Another agent is unaffected.
	require.True(t, limiter.Allow("b"))
}
