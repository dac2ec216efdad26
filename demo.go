package tollgate

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/tollgate-labs/tollgate/l402"
)

// forumThread is one discussion thread in the demo forum.
type forumThread struct {
	ID        string       `json:"id"`
	Title     string       `json:"title"`
	Text      string       `json:"text"`
	Author    string       `json:"author"`
	CreatedAt time.Time    `json:"createdAt"`
	Replies   []forumReply `json:"replies"`
}

// forumReply is one reply inside a thread.
type forumReply struct {
	Text      string    `json:"text"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"createdAt"`
}

// snapshot returns a copy of the thread that is safe to encode after the
// forum lock is released. The caller must hold the lock.
func (t *forumThread) snapshot() forumThread {
	copied := *t
	copied.Replies = append([]forumReply(nil), t.Replies...)
	return copied
}

// forum is a minimal in-memory discussion API. It exists as the downstream
// handler the gate is demonstrated against, writes to it are what admission
// tolls.
type forum struct {
	mtx     sync.Mutex
	threads map[string]*forumThread
	nextID  int
	clock   clock.Clock

	router *chi.Mux
}

// newForum creates an empty forum with its routes registered.
func newForum(clk clock.Clock) *forum {
	if clk == nil {
		clk = clock.NewDefaultClock()
	}
	f := &forum{
		threads: make(map[string]*forumThread),
		clock:   clk,
	}

	router := chi.NewRouter()
	router.Get("/threads", f.listThreads)
	router.Post("/threads", f.createThread)
	router.Get("/threads/{threadID}", f.getThread)
	router.Post("/threads/{threadID}/replies", f.createReply)
	f.router = router

	return f
}

// ServeHTTP implements http.Handler.
func (f *forum) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.router.ServeHTTP(w, r)
}

// author derives the display author from what the gate extracted, falling
// back to the conventional header for ungated requests.
func author(r *http.Request) string {
	if agentID, ok := l402.FromContext(
		r.Context(), l402.KeyAgentID,
	).(string); ok {
		return agentID
	}
	if agentID := r.Header.Get("X-Agent-Id"); agentID != "" {
		return agentID
	}
	return "anonymous"
}

func (f *forum) listThreads(w http.ResponseWriter, r *http.Request) {
	f.mtx.Lock()
	threads := make([]forumThread, 0, len(f.threads))
	for _, thread := range f.threads {
		threads = append(threads, thread.snapshot())
	}
	f.mtx.Unlock()

	writeForumJSON(w, http.StatusOK, threads)
}

func (f *forum) createThread(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Title string `json:"title"`
		Text  string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeForumJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON body",
		})
		return
	}

	f.mtx.Lock()
	f.nextID++
	thread := &forumThread{
		ID:        fmt.Sprintf("t-%d", f.nextID),
		Title:     body.Title,
		Text:      body.Text,
		Author:    author(r),
		CreatedAt: f.clock.Now(),
	}
	f.threads[thread.ID] = thread
	created := thread.snapshot()
	f.mtx.Unlock()

	writeForumJSON(w, http.StatusCreated, created)
}

func (f *forum) getThread(w http.ResponseWriter, r *http.Request) {
	threadID := chi.URLParam(r, "threadID")

	f.mtx.Lock()
	thread, ok := f.threads[threadID]
	var current forumThread
	if ok {
		current = thread.snapshot()
	}
	f.mtx.Unlock()

	if !ok {
		writeForumJSON(w, http.StatusNotFound, map[string]string{
			"error": "no such thread",
		})
		return
	}
	writeForumJSON(w, http.StatusOK, current)
}

func (f *forum) createReply(w http.ResponseWriter, r *http.Request) {
	threadID := chi.URLParam(r, "threadID")

	var body struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeForumJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON body",
		})
		return
	}

	f.mtx.Lock()
	thread, ok := f.threads[threadID]
	var updated forumThread
	if ok {
		thread.Replies = append(thread.Replies, forumReply{
			Text:      body.Text,
			Author:    author(r),
			CreatedAt: f.clock.Now(),
		})
		updated = thread.snapshot()
	}
	f.mtx.Unlock()

	if !ok {
		writeForumJSON(w, http.StatusNotFound, map[string]string{
			"error": "no such thread",
		})
		return
	}
	writeForumJSON(w, http.StatusCreated, updated)
}

func writeForumJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Errorf("Unable to write forum response: %v", err)
	}
}
