// Package phalatest provides a scripted in-process control plane for tests.
package phalatest

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
)

// Route keys accepted by Script and Calls.
const (
	ListTeepods    = "GET /teepods"
	ListCVMs       = "GET /cvms"
	Provision      = "POST /cvms/provision"
	Create         = "POST /cvms"
	GetCVM         = "GET /cvms/{id}"
	GetAttestation = "GET /cvms/{id}/attestation"
	GetNetwork     = "GET /cvms/{id}/network"
	DeleteCVM      = "DELETE /cvms/{id}"
)

// Reply is one scripted response. Hangup closes the connection without a
// response so the client observes a transport error.
type Reply struct {
	Status int
	Body   string
	Hangup bool
}

// JSON builds a reply whose body is v encoded as JSON.
func JSON(status int, v any) Reply {
	data, err := json.Marshal(v)
	if err != nil {
		panic("phalatest: marshal reply: " + err.Error())
	}
	return Reply{Status: status, Body: string(data)}
}

// Raw builds a reply with a literal body.
func Raw(status int, body string) Reply {
	return Reply{Status: status, Body: body}
}

// Hangup builds a reply that drops the connection.
func Hangup() Reply {
	return Reply{Hangup: true}
}

// Request is a recorded inbound request.
type Request struct {
	Route  string
	Path   string
	ID     string
	APIKey string
	Header http.Header
	Body   []byte
}

// Server is a fake control plane. Each route serves its scripted replies in
// order and repeats the last one once the script is exhausted. Unscripted
// routes answer 404.
type Server struct {
	*httptest.Server

	// APIKey, when set, makes every request without a matching X-API-Key fail with 401.
	APIKey string

	mu       sync.Mutex
	scripts  map[string][]Reply
	calls    map[string]int
	requests []Request
}

// New starts a fake control plane that is closed when the test ends.
func New(t testing.TB) *Server {
	t.Helper()
	s := &Server{
		scripts: make(map[string][]Reply),
		calls:   make(map[string]int),
	}

	r := chi.NewRouter()
	r.Get("/teepods", s.handle(ListTeepods))
	r.Route("/cvms", func(r chi.Router) {
		r.Get("/", s.handle(ListCVMs))
		r.Post("/", s.handle(Create))
		r.Post("/provision", s.handle(Provision))
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.handle(GetCVM))
			r.Delete("/", s.handle(DeleteCVM))
			r.Get("/attestation", s.handle(GetAttestation))
			r.Get("/network", s.handle(GetNetwork))
		})
	})

	s.Server = httptest.NewServer(r)
	t.Cleanup(s.Close)
	return s
}

// Script replaces the replies for a route.
func (s *Server) Script(route string, replies ...Reply) *Server {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scripts[route] = append([]Reply(nil), replies...)
	return s
}

// Calls returns how many requests a route received.
func (s *Server) Calls(route string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[route]
}

// TotalCalls returns the number of requests received on any route.
func (s *Server) TotalCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

// Requests returns a copy of every recorded request in arrival order.
func (s *Server) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.requests...)
}

// LastRequest returns the most recent request to route.
func (s *Server) LastRequest(route string) (Request, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.requests) - 1; i >= 0; i-- {
		if s.requests[i].Route == route {
			return s.requests[i], true
		}
	}
	return Request{}, false
}

func (s *Server) handle(route string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		reply := s.next(route, Request{
			Route:  route,
			Path:   r.URL.Path,
			ID:     chi.URLParam(r, "id"),
			APIKey: r.Header.Get("X-API-Key"),
			Header: r.Header.Clone(),
			Body:   body,
		})

		if s.APIKey != "" && r.Header.Get("X-API-Key") != s.APIKey {
			writeReply(w, Raw(http.StatusUnauthorized, `{"detail":"invalid api key"}`))
			return
		}
		if reply.Hangup {
			hangup(w)
			return
		}
		writeReply(w, reply)
	}
}

func (s *Server) next(route string, req Request) Reply {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[route]++
	s.requests = append(s.requests, req)

	script := s.scripts[route]
	if len(script) == 0 {
		return Raw(http.StatusNotFound, `{"detail":"not scripted"}`)
	}
	reply := script[0]
	if len(script) > 1 {
		s.scripts[route] = script[1:]
	}
	return reply
}

func writeReply(w http.ResponseWriter, reply Reply) {
	w.Header().Set("Content-Type", "application/json")
	status := reply.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	io.WriteString(w, reply.Body)
}

func hangup(w http.ResponseWriter) {
	hj, ok := w.(http.Hijacker)
	if !ok {
		panic("phalatest: response writer cannot be hijacked")
	}
	conn, _, err := hj.Hijack()
	if err != nil {
		panic("phalatest: hijack: " + err.Error())
	}
	conn.Close()
}
