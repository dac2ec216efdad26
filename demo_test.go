package tollgate

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestForumConcurrentReplies hammers a single thread with concurrent replies
// and readers. Responses must be built from copies taken under the forum
// lock, otherwise the encoder races with the appends.
func TestForumConcurrentReplies(t *testing.T) {
	t.Parallel()

	f := newForum(nil)

	w := httptest.NewRecorder()
	f.ServeHTTP(w, httptest.NewRequest(
		"POST", "/threads",
		bytes.NewBufferString(`{"title": "busy", "text": "first"}`),
	))
	require.Equal(t, http.StatusCreated, w.Code)

	var thread forumThread
	require.NoError(t, json.NewDecoder(w.Body).Decode(&thread))

	const numWriters = 8
	const numReplies = 25

	var wg sync.WaitGroup
	for i := 0; i < numWriters; i++ {
		wg.Add(2)

		go func(writer int) {
			defer wg.Done()

			for j := 0; j < numReplies; j++ {
				body := fmt.Sprintf(
					`{"text": "reply %d-%d"}`, writer, j,
				)
				w := httptest.NewRecorder()
				f.ServeHTTP(w, httptest.NewRequest(
					"POST",
					"/threads/"+thread.ID+"/replies",
					bytes.NewBufferString(body),
				))
				if w.Code != http.StatusCreated {
					t.Errorf("reply failed with %d", w.Code)
				}
			}
		}(i)

		go func() {
			defer wg.Done()

			for j := 0; j < numReplies; j++ {
				w := httptest.NewRecorder()
				f.ServeHTTP(w, httptest.NewRequest(
					"GET", "/threads/"+thread.ID, nil,
				))
				if w.Code != http.StatusOK {
					t.Errorf("read failed with %d", w.Code)
				}

				w = httptest.NewRecorder()
				f.ServeHTTP(w, httptest.NewRequest(
					"GET", "/threads", nil,
				))
				if w.Code != http.StatusOK {
					t.Errorf("list failed with %d", w.Code)
				}
			}
		}()
	}
	wg.Wait()

	w = httptest.NewRecorder()
	f.ServeHTTP(w, httptest.NewRequest("GET", "/threads/"+thread.ID, nil))
	require.Equal(t, http.StatusOK, w.Code)

	var final forumThread
	require.NoError(t, json.NewDecoder(w.Body).Decode(&final))
	require.Len(t, final.Replies, numWriters*numReplies)
}
