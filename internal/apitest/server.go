// Package apitest runs an in-memory stand-in for the remote inventory
// service over httptest. Records are kept per user; ids are issued as
// increasing integers rendered as strings.
//
// The server can be switched offline (connections are dropped without a
// response), told to answer with 429, or told to reject the next request.
package apitest

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
)

// Call is one request the server received.
type Call struct {
	Method string
	Path   string
	UserID string
	Body   string
}

type rejection struct {
	status  int
	message string
}

// Server is safe for concurrent use.
type Server struct {
	*httptest.Server

	mu        sync.Mutex
	nextID    int
	data      map[string]map[string]map[string]json.RawMessage // user -> collection -> id -> record
	offline   bool
	throttle  int
	retryHint string
	reject    []rejection
	calls     []Call
}

var collections = map[string]bool{"products": true, "sales": true, "clients": true, "schedules": true}

// New starts a server that is closed when the test ends.
func New(t testing.TB) *Server {
	s := &Server{data: make(map[string]map[string]map[string]json.RawMessage)}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serve))
	t.Cleanup(s.Close)
	return s
}

// SetOffline drops every connection without answering while on.
func (s *Server) SetOffline(offline bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offline = offline
}

// Throttle answers the next n requests with 429 and the given Retry-After
// value ("" for none).
func (s *Server) Throttle(n int, retryAfter string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.throttle = n
	s.retryHint = retryAfter
}

// RejectNext answers the next request with status and an error message.
func (s *Server) RejectNext(status int, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reject = append(s.reject, rejection{status, message})
}

// Seed stores a record for user in a collection and returns its id.
func (s *Server) Seed(userID, collection string, record any) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, err := json.Marshal(record)
	if err != nil {
		panic(fmt.Sprintf("apitest: seed: %v", err))
	}
	id, _ := s.storeLocked(userID, collection, "", raw)
	return id
}

// Remove deletes a record directly, as another client would.
func (s *Server) Remove(userID, collection, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.bucketLocked(userID, collection), id)
}

// Items returns the records of a collection for user, ordered by id.
func (s *Server) Items(userID, collection string) []map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()

	bucket := s.bucketLocked(userID, collection)
	ids := make([]string, 0, len(bucket))
	for id := range bucket {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		a, _ := strconv.Atoi(ids[i])
		b, _ := strconv.Atoi(ids[j])
		return a < b
	})

	out := make([]map[string]any, 0, len(ids))
	for _, id := range ids {
		var rec map[string]any
		_ = json.Unmarshal(bucket[id], &rec)
		out = append(out, rec)
	}
	return out
}

// Calls returns every request received so far, including dropped ones.
func (s *Server) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Call(nil), s.calls...)
}

// CallCount counts requests matching method and path.
func (s *Server) CallCount(method, path string) int {
	n := 0
	for _, c := range s.Calls() {
		if c.Method == method && c.Path == path {
			n++
		}
	}
	return n
}

func (s *Server) bucketLocked(userID, collection string) map[string]json.RawMessage {
	user, ok := s.data[userID]
	if !ok {
		user = make(map[string]map[string]json.RawMessage)
		s.data[userID] = user
	}
	bucket, ok := user[collection]
	if !ok {
		bucket = make(map[string]json.RawMessage)
		user[collection] = bucket
	}
	return bucket
}

// storeLocked writes raw under id (a new id when empty) and returns the
// stored record including its id.
func (s *Server) storeLocked(userID, collection, id string, raw json.RawMessage) (string, json.RawMessage) {
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil || fields == nil {
		fields = map[string]any{}
	}
	delete(fields, "_id")
	if id == "" {
		s.nextID++
		id = strconv.Itoa(s.nextID)
	}
	fields["id"] = id
	fields["userId"] = userID
	stored, _ := json.Marshal(fields)
	s.bucketLocked(userID, collection)[id] = stored
	return id, stored
}

func (s *Server) serve(w http.ResponseWriter, r *http.Request) {
	raw, _ := io.ReadAll(r.Body)
	body := string(raw)

	userID := r.Header.Get("X-User-Id")

	s.mu.Lock()
	s.calls = append(s.calls, Call{Method: r.Method, Path: r.URL.Path, UserID: userID, Body: body})

	if s.offline {
		s.mu.Unlock()
		hijackAndClose(w)
		return
	}
	if s.throttle > 0 {
		s.throttle--
		hint := s.retryHint
		s.mu.Unlock()
		if hint != "" {
			w.Header().Set("Retry-After", hint)
		}
		writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "too many requests"})
		return
	}
	if len(s.reject) > 0 {
		rej := s.reject[0]
		s.reject = s.reject[1:]
		s.mu.Unlock()
		writeJSON(w, rej.status, map[string]string{"error": rej.message})
		return
	}
	defer s.mu.Unlock()

	if userID == "" {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "missing user"})
		return
	}

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) == 0 || !collections[parts[0]] {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown collection"})
		return
	}
	collection := parts[0]
	bucket := s.bucketLocked(userID, collection)

	switch {
	case len(parts) == 1 && r.Method == http.MethodGet:
		ids := make([]int, 0, len(bucket))
		for id := range bucket {
			n, _ := strconv.Atoi(id)
			ids = append(ids, n)
		}
		sort.Ints(ids)
		items := make([]json.RawMessage, 0, len(ids))
		for _, n := range ids {
			items = append(items, bucket[strconv.Itoa(n)])
		}
		writeJSON(w, http.StatusOK, items)

	case len(parts) == 1 && r.Method == http.MethodPost:
		_, stored := s.storeLocked(userID, collection, "", json.RawMessage(body))
		writeJSON(w, http.StatusCreated, stored)

	case len(parts) == 2 && parts[1] == "bulk" && collection == "sales" && r.Method == http.MethodPost:
		var bodies []json.RawMessage
		if err := json.Unmarshal([]byte(body), &bodies); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "expected an array"})
			return
		}
		out := make([]json.RawMessage, 0, len(bodies))
		for _, b := range bodies {
			_, stored := s.storeLocked(userID, collection, "", b)
			out = append(out, stored)
		}
		writeJSON(w, http.StatusCreated, out)

	case len(parts) == 2 && r.Method == http.MethodPut:
		if _, ok := bucket[parts[1]]; !ok {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
			return
		}
		_, stored := s.storeLocked(userID, collection, parts[1], json.RawMessage(body))
		writeJSON(w, http.StatusOK, stored)

	case len(parts) == 2 && r.Method == http.MethodDelete:
		if _, ok := bucket[parts[1]]; !ok {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
			return
		}
		delete(bucket, parts[1])
		w.WriteHeader(http.StatusNoContent)

	default:
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "unsupported"})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// hijackAndClose drops the connection so the client sees a network error.
func hijackAndClose(w http.ResponseWriter) {
	hj, ok := w.(http.Hijacker)
	if !ok {
		panic("apitest: response writer cannot hijack")
	}
	conn, _, err := hj.Hijack()
	if err != nil {
		return
	}
	_ = conn.Close()
}
