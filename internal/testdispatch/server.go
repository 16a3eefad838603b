// Package testdispatch is a fake in-process ingest server, modeled on the
// teacher's testtracer harness: an httptest.Server that captures posted
// multipart batches and exposes Wait helpers so tests can assert on what
// a dispatcher actually sent without depending on real network I/O.
package testdispatch

import (
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/langchain-ai/langsmith-sdk-go/internal/wire"
)

// Server captures every batch POSTed to it.
type Server struct {
	t   *testing.T
	srv *httptest.Server

	mu    sync.Mutex
	ops   []wire.RunOperation
	reqs  []*http.Request
}

// New starts a fake ingest server. Callers point a Client at srv.URL()
// via WithEndpoint.
func New(t *testing.T) *Server {
	t.Helper()
	s := &Server{t: t}
	s.srv = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *Server) URL() string { return s.srv.URL }

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	ops, err := wire.DecodeBatch(r.Header.Get("Content-Type"), body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	s.ops = append(s.ops, ops...)
	cloned := *r
	s.reqs = append(s.reqs, &cloned)
	s.mu.Unlock()

	w.WriteHeader(http.StatusOK)
}

// Operations returns every decoded run operation received so far, in
// receipt order.
func (s *Server) Operations() []wire.RunOperation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]wire.RunOperation(nil), s.ops...)
}

// Requests returns every HTTP request received so far, for tests
// asserting on headers (x-api-key, x-tenant-id).
func (s *Server) Requests() []*http.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*http.Request(nil), s.reqs...)
}

// WaitForOperations polls until at least n operations have been received
// or the deadline elapses, failing the test on timeout.
func (s *Server) WaitForOperations(n int, timeout time.Duration) []wire.RunOperation {
	s.t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		ops := s.Operations()
		if len(ops) >= n {
			return ops
		}
		if time.Now().After(deadline) {
			s.t.Fatalf("testdispatch: timed out waiting for %d operation(s), have %d", n, len(ops))
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// WaitForMatch polls until match returns true for the current set of
// operations, or the deadline elapses.
func (s *Server) WaitForMatch(match func([]wire.RunOperation) bool, timeout time.Duration) []wire.RunOperation {
	s.t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		ops := s.Operations()
		if match(ops) {
			return ops
		}
		if time.Now().After(deadline) {
			s.t.Fatalf("testdispatch: timed out waiting for operation match, have %d operation(s)", len(ops))
		}
		time.Sleep(5 * time.Millisecond)
	}
}
