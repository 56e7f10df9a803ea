package http

import (
	"context"
	"net/http"
	"sync"

	"github.com/mcprepl/mcprepl/internal/domain/backend"
)

// responseStream adapts an http.ResponseWriter to backend.ClientStream.
// Header and status writes after the first body byte are ignored, which lets
// the same stream carry both direct relays and keepalive-then-flush replies.
type responseStream struct {
	w   http.ResponseWriter
	ctx context.Context

	mu          sync.Mutex
	wroteHeader bool
}

func newResponseStream(w http.ResponseWriter, r *http.Request) *responseStream {
	return &responseStream{w: w, ctx: r.Context()}
}

func (s *responseStream) SetHeader(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.wroteHeader {
		return
	}
	s.w.Header().Set(key, value)
}

func (s *responseStream) WriteHeader(status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.wroteHeader {
		return
	}
	s.wroteHeader = true
	s.w.WriteHeader(status)
}

func (s *responseStream) Write(p []byte) (int, error) {
	s.mu.Lock()
	s.wroteHeader = true
	s.mu.Unlock()
	return s.w.Write(p)
}

func (s *responseStream) Flush() {
	if f, ok := s.w.(http.Flusher); ok {
		f.Flush()
	}
}

func (s *responseStream) Context() context.Context { return s.ctx }

var _ backend.ClientStream = (*responseStream)(nil)
