package trust

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/stretchr/testify/require"
)

// TestStaticResolver asserts map lookups, clamping and the unknown case.
func TestStaticResolver(t *testing.T) {
	t.Parallel()

	resolver := NewStaticResolver(map[string]int{
		"alice":   85,
		"bob":     30,
		"cranked": 250,
		"floored": -7,
	})
	ctx := context.Background()

	score, known, err := resolver.Score(ctx, "alice")
	require.NoError(t, err)
	require.True(t, known)
	require.Equal(t, 85, score)

	_, known, err = resolver.Score(ctx, "nobody")
	require.NoError(t, err)
	require.False(t, known)

	score, _, _ = resolver.Score(ctx, "cranked")
	require.Equal(t, 100, score)
	score, _, _ = resolver.Score(ctx, "floored")
	require.Equal(t, 0, score)
}

// TestRESTResolver asserts the happy path and that every failure mode
// degrades to unknown instead of erroring.
func TestRESTResolver(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			switch r.URL.Path {
			case "/v1/score/alice":
				fmt.Fprintf(w, `{"score": 72}`)
			case "/v1/score/broken":
				fmt.Fprintf(w, `not json`)
			case "/v1/score/overflow":
				fmt.Fprintf(w, `{"score": 9000}`)
			default:
				w.WriteHeader(http.StatusNotFound)
			}
		},
	))
	defer server.Close()

	resolver := NewRESTResolver(server.URL)
	defer func() {
		require.NoError(t, resolver.Close())
	}()
	ctx := context.Background()

	score, known, err := resolver.Score(ctx, "alice")
	require.NoError(t, err)
	require.True(t, known)
	require.Equal(t, 72, score)

	_, known, err = resolver.Score(ctx, "nobody")
	require.NoError(t, err)
	require.False(t, known)

	_, known, err = resolver.Score(ctx, "broken")
	require.NoError(t, err)
	require.False(t, known)

	score, known, err = resolver.Score(ctx, "overflow")
	require.NoError(t, err)
	require.True(t, known)
	require.Equal(t, 100, score)
}

// errResolver is a backend that always fails, for cache fallback tests.
type errResolver struct {
	calls int
	fail  bool
}

func (e *errResolver) Score(_ context.Context, _ string) (int, bool, error) {
	e.calls++
	if e.fail {
		return 0, false, errors.New("backend down")
	}
	return 42, true, nil
}

func (e *errResolver) Close() error {
	return nil
}

// TestCachingResolver asserts cache hits, unknown caching and stale
// fallback on backend errors.
func TestCachingResolver(t *testing.T) {
	t.Parallel()

	backend := &errResolver{}
	resolver := NewCachingResolver(backend, time.Minute)
	ctx := context.Background()

	score, known, err := resolver.Score(ctx, "alice")
	require.NoError(t, err)
	require.True(t, known)
	require.Equal(t, 42, score)
	require.Equal(t, 1, backend.calls)

	// Second lookup is served from cache.
	_, _, err = resolver.Score(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, 1, backend.calls)

	// A failing backend serves the stale answer for a known agent and a
	// hard error for a never-seen one.
	backend.fail = true
	resolver.cache.Purge()

	score, known, err = resolver.Score(ctx, "alice")
	require.NoError(t, err)
	require.True(t, known)
	require.Equal(t, 42, score)

	_, _, err = resolver.Score(ctx, "stranger")
	require.Error(t, err)
}

// TestAttestationScoring walks the weight, decay and network-factor math on
// synthetic events.
func TestAttestationScoring(t *testing.T) {
	t.Parallel()

	now := time.Unix(1700000000, 0)
	testClock := clock.NewTestClock(now)
	resolver := NewAttestationResolver(AttestationConfig{
		Clock: testClock,
	})

	fresh := func(pubkey, attType string) event {
		return event{
			PubKey:    pubkey,
			CreatedAt: now.Unix(),
			Tags:      [][]string{{"t", attType}},
		}
	}

	// One fresh attester: quality 1, network factor 1/5.
	score := resolver.scoreEvents("subject", []event{
		fresh("peer1", "service-quality"),
	})
	require.Equal(t, 20, score)

	// Five fresh attesters saturate the network factor.
	var events []event
	for i := 0; i < 5; i++ {
		events = append(events,
			fresh(fmt.Sprintf("peer%d", i), "general-trust"))
	}
	require.Equal(t, 100, resolver.scoreEvents("subject", events))

	// An attestation one half life old decays to half quality.
	aged := fresh("peer1", "service-quality")
	aged.CreatedAt = now.Add(-DefaultHalfLife).Unix()
	require.Equal(t, 10, resolver.scoreEvents("subject", []event{aged}))

	// Dedup keeps the most recent attestation per attester.
	older := fresh("peer1", "service-quality")
	older.CreatedAt = now.Add(-DefaultHalfLife).Unix()
	require.Equal(t, 20, resolver.scoreEvents("subject", []event{
		older, fresh("peer1", "service-quality"),
	}))

	// Self attestations score zero but are not unknown.
	require.Equal(t, 0, resolver.scoreEvents("subject", []event{
		fresh("subject", "general-trust"),
	}))
}
