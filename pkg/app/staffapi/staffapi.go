// Package staffapi is a small in-memory staff directory application,
// registered as "staff:app". It is a stand-in for the kind of JSON
// service the launcher typically fronts: employees grouped into
// subunits, plus job posts.
package staffapi

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/go-go-golems/prefork/pkg/app"
)

func init() {
	app.Register("staff:app", func() (http.Handler, error) { return New(), nil })
}

type Employee struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Email   string `json:"email"`
	Subunit string `json:"subunit,omitempty"`
	Fired   bool   `json:"fired,omitempty"`
}

type Post struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

type Server struct {
	mux *http.ServeMux

	mu        sync.RWMutex
	employees map[string]Employee
	posts     map[string]Post
}

func New() *Server {
	s := &Server{
		mux:       http.NewServeMux(),
		employees: map[string]Employee{},
		posts:     map[string]Post{},
	}
	s.mux.HandleFunc("/employee", s.handleEmployee)
	s.mux.HandleFunc("/employee/all", s.handleEmployeeAll)
	s.mux.HandleFunc("/post", s.handlePost)
	s.mux.HandleFunc("/post/all", s.handlePostAll)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) handleEmployee(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		id := r.URL.Query().Get("id")
		if id == "" {
			writeError(w, http.StatusBadRequest, errors.New("missing id query param"))
			return
		}
		s.mu.RLock()
		e, ok := s.employees[id]
		s.mu.RUnlock()
		if !ok {
			writeError(w, http.StatusNotFound, errors.Errorf("employee %s not found", id))
			return
		}
		writeJSON(w, http.StatusOK, e)
	case http.MethodPost:
		var e Employee
		if err := json.NewDecoder(r.Body).Decode(&e); err != nil {
			writeError(w, http.StatusBadRequest, errors.Wrap(err, "decode employee"))
			return
		}
		if e.Name == "" || e.Email == "" {
			writeError(w, http.StatusUnprocessableEntity, errors.New("name and email are required"))
			return
		}
		e.ID = uuid.NewString()
		s.mu.Lock()
		for _, existing := range s.employees {
			if existing.Email == e.Email {
				s.mu.Unlock()
				writeError(w, http.StatusConflict, errors.Errorf("employee with email %s already exists", e.Email))
				return
			}
		}
		s.employees[e.ID] = e
		s.mu.Unlock()
		writeJSON(w, http.StatusCreated, e)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleEmployeeAll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	s.mu.RLock()
	out := make([]Employee, 0, len(s.employees))
	for _, e := range s.employees {
		out = append(out, e)
	}
	s.mu.RUnlock()
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handlePost(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		id := r.URL.Query().Get("id")
		s.mu.RLock()
		p, ok := s.posts[id]
		s.mu.RUnlock()
		if !ok {
			writeError(w, http.StatusNotFound, errors.Errorf("post %s not found", id))
			return
		}
		writeJSON(w, http.StatusOK, p)
	case http.MethodPost:
		var p Post
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			writeError(w, http.StatusBadRequest, errors.Wrap(err, "decode post"))
			return
		}
		if p.Title == "" {
			writeError(w, http.StatusUnprocessableEntity, errors.New("title is required"))
			return
		}
		p.ID = uuid.NewString()
		s.mu.Lock()
		s.posts[p.ID] = p
		s.mu.Unlock()
		writeJSON(w, http.StatusCreated, p)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) handlePostAll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	s.mu.RLock()
	out := make([]Post, 0, len(s.posts))
	for _, p := range s.posts {
		out = append(out, p)
	}
	s.mu.RUnlock()
	writeJSON(w, http.StatusOK, out)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"message": err.Error()})
}
