// ABOUTME: In-memory fake of the agent service REST API for tests and local runs
// ABOUTME: Scriptable run status sequences, replies, failures and per-operation call counters

package remotetest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/agent-relay/internal/remote"
)

// Op names a remote operation.
type Op string

const (
	OpGetAgent      Op = "get_agent"
	OpCreateThread  Op = "create_thread"
	OpCreateMessage Op = "create_message"
	OpCreateRun     Op = "create_run"
	OpGetRun        Op = "get_run"
	OpListMessages  Op = "list_messages"
)

// ReplyFunc produces the agent's answer to the latest user message. An empty
// answer means the agent writes no message.
type ReplyFunc func(userText string) string

// EchoReply answers "You said: <text>".
func EchoReply(userText string) string { return "You said: " + userText }

type failure struct {
	status  int
	code    string
	message string
	times   int // remaining; <0 means forever
}

type runState struct {
	run      remote.Run
	statuses []string
	polls    int
}

// Server is a fake agent service. It implements http.Handler.
type Server struct {
	mu sync.Mutex

	mux      *http.ServeMux
	agents   map[string]remote.Agent
	threads  map[string][]remote.Message
	runs     map[string]*runState
	calls    map[Op]int
	failures map[Op]*failure

	apiKey   string
	statuses []string
	runError *remote.RunError
	reply    ReplyFunc
	pageSize int
	delay    time.Duration
}

// New creates a fake with one agent. Runs complete on their first poll and
// reply with EchoReply.
func New(agentID string) *Server {
	s := &Server{
		agents:   map[string]remote.Agent{},
		threads:  map[string][]remote.Message{},
		runs:     map[string]*runState{},
		calls:    map[Op]int{},
		failures: map[Op]*failure{},
		statuses: []string{remote.RunCompleted},
		reply:    EchoReply,
	}
	if agentID != "" {
		s.agents[agentID] = remote.Agent{ID: agentID, Name: "fake-agent", Model: "fake", CreatedAt: time.Now().Unix()}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /assistants/{id}", s.handleGetAgent)
	mux.HandleFunc("POST /threads", s.handleCreateThread)
	mux.HandleFunc("POST /threads/{id}/messages", s.handleCreateMessage)
	mux.HandleFunc("GET /threads/{id}/messages", s.handleListMessages)
	mux.HandleFunc("POST /threads/{id}/runs", s.handleCreateRun)
	mux.HandleFunc("GET /threads/{id}/runs/{runID}", s.handleGetRun)
	s.mux = mux
	return s
}

// RequireAPIKey makes every call without this api-key header fail with 401.
func (s *Server) RequireAPIKey(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.apiKey = key
}

// SetRunStatuses scripts the statuses successive polls of a new run report.
// The last status repeats.
func (s *Server) SetRunStatuses(statuses ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses = append([]string(nil), statuses...)
}

// SetRunError sets last_error for runs that end failed.
func (s *Server) SetRunError(code, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runError = &remote.RunError{Code: code, Message: message}
}

// SetReply replaces the reply function.
func (s *Server) SetReply(fn ReplyFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reply = fn
}

// SetPageSize caps list pages below the requested limit.
func (s *Server) SetPageSize(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pageSize = n
}

// SetDelay adds latency to every call.
func (s *Server) SetDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delay = d
}

// Fail makes the next times calls of op fail with status. times < 0 fails
// forever.
func (s *Server) Fail(op Op, status int, code, message string, times int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[op] = &failure{status: status, code: code, message: message, times: times}
}

// Calls returns how many times op was requested.
func (s *Server) Calls(op Op) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// TotalCalls returns the number of requests across all operations.
func (s *Server) TotalCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, n := range s.calls {
		total += n
	}
	return total
}

// Threads returns the number of threads created.
func (s *Server) Threads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.threads)
}

// Messages returns a copy of a thread's messages.
func (s *Server) Messages(threadID string) []remote.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]remote.Message(nil), s.threads[threadID]...)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	delay := s.delay
	s.mu.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
	}
	s.mux.ServeHTTP(w, r)
}

// begin counts the call and applies auth and scripted failures. It returns
// false when the response was already written. Caller must not hold mu.
func (s *Server) begin(w http.ResponseWriter, r *http.Request, op Op) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls[op]++

	if r.URL.Query().Get("api-version") == "" {
		writeError(w, http.StatusBadRequest, "missing_api_version", "api-version query parameter is required")
		return false
	}
	if s.apiKey != "" && r.Header.Get("api-key") != s.apiKey {
		writeError(w, http.StatusUnauthorized, "unauthorized", "invalid api key")
		return false
	}
	if f, ok := s.failures[op]; ok && f.times != 0 {
		if f.times > 0 {
			f.times--
		}
		writeError(w, f.status, f.code, f.message)
		return false
	}
	return true
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	if !s.begin(w, r, OpGetAgent) {
		return
	}
	s.mu.Lock()
	agent, ok := s.agents[r.PathValue("id")]
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", fmt.Sprintf("No assistant found with id '%s'.", r.PathValue("id")))
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

func (s *Server) handleCreateThread(w http.ResponseWriter, r *http.Request) {
	if !s.begin(w, r, OpCreateThread) {
		return
	}
	thread := remote.Thread{ID: "thread_" + compactID(), CreatedAt: time.Now().Unix()}
	s.mu.Lock()
	s.threads[thread.ID] = nil
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, thread)
}

func (s *Server) handleCreateMessage(w http.ResponseWriter, r *http.Request) {
	if !s.begin(w, r, OpCreateMessage) {
		return
	}
	var req remote.CreateMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Content == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "role and content are required")
		return
	}

	threadID := r.PathValue("id")
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.threads[threadID]; !ok {
		writeError(w, http.StatusNotFound, "not_found", "thread not found")
		return
	}
	msg := newTextMessage(threadID, req.Role, req.Content, "", "")
	s.threads[threadID] = append(s.threads[threadID], msg)
	writeJSON(w, http.StatusOK, msg)
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	if !s.begin(w, r, OpListMessages) {
		return
	}

	threadID := r.PathValue("id")
	s.mu.Lock()
	msgs, ok := s.threads[threadID]
	pageSize := s.pageSize
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "thread not found")
		return
	}

	ordered := append([]remote.Message(nil), msgs...)
	if r.URL.Query().Get("order") == "desc" {
		for i, j := 0, len(ordered)-1; i < j; i, j = i+1, j-1 {
			ordered[i], ordered[j] = ordered[j], ordered[i]
		}
	}

	start := 0
	if after := r.URL.Query().Get("after"); after != "" {
		for i, m := range ordered {
			if m.ID == after {
				start = i + 1
				break
			}
		}
	}
	limit := 20
	if n, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && n > 0 {
		limit = n
	}
	if pageSize > 0 && pageSize < limit {
		limit = pageSize
	}
	end := min(start+limit, len(ordered))

	page := remote.MessageList{Object: "list", Data: ordered[start:end], HasMore: end < len(ordered)}
	if len(page.Data) > 0 {
		page.FirstID = page.Data[0].ID
		page.LastID = page.Data[len(page.Data)-1].ID
	} else {
		page.Data = []remote.Message{}
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	if !s.begin(w, r, OpCreateRun) {
		return
	}
	var req remote.CreateRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.AssistantID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "assistant_id is required")
		return
	}

	threadID := r.PathValue("id")
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.threads[threadID]; !ok {
		writeError(w, http.StatusNotFound, "not_found", "thread not found")
		return
	}
	if _, ok := s.agents[req.AssistantID]; !ok {
		writeError(w, http.StatusNotFound, "not_found", "assistant not found")
		return
	}

	st := &runState{
		run: remote.Run{
			ID:          "run_" + compactID(),
			ThreadID:    threadID,
			AssistantID: req.AssistantID,
			Status:      remote.RunQueued,
			CreatedAt:   time.Now().Unix(),
		},
		statuses: append([]string(nil), s.statuses...),
	}
	s.runs[st.run.ID] = st
	writeJSON(w, http.StatusOK, st.run)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	if !s.begin(w, r, OpGetRun) {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.runs[r.PathValue("runID")]
	if !ok || st.run.ThreadID != r.PathValue("id") {
		writeError(w, http.StatusNotFound, "not_found", "run not found")
		return
	}

	if !st.run.IsTerminal() && len(st.statuses) > 0 {
		idx := min(st.polls, len(st.statuses)-1)
		st.polls++
		s.transition(st, st.statuses[idx])
	}
	writeJSON(w, http.StatusOK, st.run)
}

// transition moves a run to status. Must be called with mu held.
func (s *Server) transition(st *runState, status string) {
	st.run.Status = status
	switch {
	case status == remote.RunCompleted:
		msgs := s.threads[st.run.ThreadID]
		userText := ""
		for i := len(msgs) - 1; i >= 0; i-- {
			if msgs[i].Role == remote.RoleUser {
				if texts := msgs[i].Texts(); len(texts) > 0 {
					userText = texts[len(texts)-1]
				}
				break
			}
		}
		if answer := s.reply(userText); answer != "" {
			msg := newTextMessage(st.run.ThreadID, "assistant", answer, st.run.ID, st.run.AssistantID)
			s.threads[st.run.ThreadID] = append(msgs, msg)
		}
	case status == remote.RunIncomplete:
		st.run.IncompleteDetails = &remote.IncompleteDetails{Reason: "max_completion_tokens"}
	case remote.IsFailureStatus(status):
		if s.runError != nil {
			e := *s.runError
			st.run.LastError = &e
		}
	}
}

func newTextMessage(threadID, role, text, runID, agentID string) remote.Message {
	return remote.Message{
		ID:          "msg_" + compactID(),
		ThreadID:    threadID,
		Role:        role,
		RunID:       runID,
		AssistantID: agentID,
		Content:     []remote.ContentPart{{Type: "text", Text: &remote.TextContent{Value: text}}},
		CreatedAt:   time.Now().Unix(),
	}
}

func compactID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:24]
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, remote.ErrorResponse{Error: &remote.ErrorDetail{Code: code, Message: message}})
}
