// ABOUTME: In-memory fake of the document search REST API for tests
// ABOUTME: Matches documents containing every query term and scores them by term frequency

package searchtest

import (
	"cmp"
	"encoding/json"
	"net/http"
	"slices"
	"strings"
	"sync"
)

// Document is one indexed document.
type Document struct {
	Title   string
	Content string
	Source  string
}

// Server is a fake search service for one index. It implements http.Handler.
type Server struct {
	mu sync.Mutex

	mux        *http.ServeMux
	index      string
	docs       []Document
	apiKey     string
	failStatus int
	failTimes  int
	calls      int
	queries    []string
}

// New creates a fake serving index with the given documents.
func New(index string, docs ...Document) *Server {
	s := &Server{index: index, docs: docs}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /indexes/{index}/docs/search", s.handleSearch)
	s.mux = mux
	return s
}

// Add indexes more documents.
func (s *Server) Add(docs ...Document) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs = append(s.docs, docs...)
}

// RequireAPIKey makes every call without this api-key header fail with 403.
func (s *Server) RequireAPIKey(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.apiKey = key
}

// Fail makes the next times searches fail with status.
func (s *Server) Fail(status, times int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failStatus = status
	s.failTimes = times
}

// Calls returns how many searches were requested.
func (s *Server) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// Queries returns the search texts received, in order.
func (s *Server) Queries() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.queries...)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

type hit struct {
	Score  float64 `json:"@search.score"`
	Title  string  `json:"title"`
	Body   string  `json:"content"`
	Source string  `json:"metadata_storage_path"`
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++

	switch {
	case r.URL.Query().Get("api-version") == "":
		writeError(w, http.StatusBadRequest, "api-version query parameter is required")
		return
	case r.PathValue("index") != s.index:
		writeError(w, http.StatusNotFound, "index '"+r.PathValue("index")+"' was not found")
		return
	case s.apiKey != "" && r.Header.Get("api-key") != s.apiKey:
		writeError(w, http.StatusForbidden, "invalid api key")
		return
	case s.failTimes > 0:
		s.failTimes--
		writeError(w, s.failStatus, "scripted failure")
		return
	}

	var req struct {
		Search string `json:"search"`
		Top    int    `json:"top"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	s.queries = append(s.queries, req.Search)

	terms := strings.Fields(strings.ToLower(req.Search))
	hits := []hit{}
	for _, d := range s.docs {
		if score := match(d, terms); score > 0 {
			hits = append(hits, hit{Score: score, Title: d.Title, Body: d.Content, Source: d.Source})
		}
	}
	slices.SortStableFunc(hits, func(a, b hit) int { return cmp.Compare(b.Score, a.Score) })
	total := len(hits)
	if req.Top > 0 && len(hits) > req.Top {
		hits = hits[:req.Top]
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"@odata.count": total,
		"value":        hits,
	})
}

// match scores d by how often the terms occur. Every term must occur.
func match(d Document, terms []string) float64 {
	if len(terms) == 0 {
		return 0
	}
	text := strings.ToLower(d.Title + " " + d.Content)
	var score float64
	for _, t := range terms {
		n := strings.Count(text, t)
		if n == 0 {
			return 0
		}
		score += float64(n)
	}
	return score
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]string{"message": message}})
}
