// Package backendtest runs an in-memory diagnostics backend for tests: the
// auth, thread, workshop and usage endpoints plus the realtime chat socket.
package backendtest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"

	"github.com/user/diagchat/internal/types"
)

const (
	Username = "tech1"
	Password = "x"
)

// Server is a fake backend. URL is the API base (ending in /api).
type Server struct {
	URL string

	LoginCalls   atomic.Int32
	RefreshCalls atomic.Int32
	MessagePosts atomic.Int32
	SocketDials  atomic.Int32

	// BroadcastRESTSends also pushes REST-sent exchanges over open sockets.
	BroadcastRESTSends atomic.Bool
	// SilentSockets stops the socket from replying to message frames.
	SilentSockets atomic.Bool
	// RejectSockets fails every socket handshake with 403.
	RejectSockets atomic.Bool

	srv *httptest.Server

	mu           sync.Mutex
	validAccess  string
	refreshToken string
	issued       int
	seq          int
	threads      map[types.ThreadID]*types.Thread
	order        []types.ThreadID
	messages     map[types.ThreadID][]types.Message
	workshops    []types.Workshop
	usage        types.TokenUsage
	conns        map[types.ThreadID][]*websocket.Conn
	historyGate  chan struct{}
	releaseGate  func()
	received     []string
}

type exchange struct {
	UserMessage      *types.Message     `json:"user_message"`
	AssistantMessage *types.Message     `json:"assistant_message"`
	Thread           *types.ThreadPatch `json:"thread,omitempty"`
	TokenUsage       *types.TokenUsage  `json:"token_usage,omitempty"`
}

type messageFrame struct {
	Type string `json:"type"`
	exchange
}

// New starts a backend that is shut down when the test ends.
func New(t *testing.T) *Server {
	t.Helper()
	s := &Server{
		threads:  make(map[types.ThreadID]*types.Thread),
		messages: make(map[types.ThreadID][]types.Message),
		conns:    make(map[types.ThreadID][]*websocket.Conn),
	}
	monthly := 1000
	s.usage = types.TokenUsage{
		User:     &types.UserUsage{MonthlyLimit: &monthly, MonthlyRemaining: &monthly},
		Workshop: &types.WorkshopUsage{MonthlyLimit: 100000, MonthlyRemaining: 100000},
	}

	r := chi.NewRouter()
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/auth/login", s.handleLogin)
		r.Post("/auth/refresh", s.handleRefresh)
		r.Get("/ws/chat/{id}", s.handleSocket)
		r.Group(func(r chi.Router) {
			r.Use(s.requireAuth)
			r.Get("/chat/threads", s.handleListThreads)
			r.Post("/chat/threads", s.handleCreateThread)
			r.Get("/chat/threads/{id}", s.handleGetThread)
			r.Patch("/chat/threads/{id}", s.handleUpdateThread)
			r.Post("/chat/threads/{id}/messages", s.handleSendMessage)
			r.Get("/workshops/", s.handleListWorkshops)
			r.Get("/tokens/remaining", s.handleRemaining)
		})
	})

	s.srv = httptest.NewServer(r)
	s.URL = s.srv.URL + "/api"
	t.Cleanup(func() {
		s.mu.Lock()
		for _, conns := range s.conns {
			for _, c := range conns {
				c.CloseNow()
			}
		}
		release := s.releaseGate
		s.mu.Unlock()
		if release != nil {
			release()
		}
		s.srv.Close()
	})
	return s
}

// AccessToken returns the token the server currently accepts.
func (s *Server) AccessToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.validAccess
}

// InvalidateAccess makes every request fail with 401 until the next refresh.
func (s *Server) InvalidateAccess() {
	s.mu.Lock()
	s.validAccess = ""
	s.mu.Unlock()
}

// RevokeRefresh makes the refresh endpoint reject every token.
func (s *Server) RevokeRefresh() {
	s.mu.Lock()
	s.refreshToken = ""
	s.mu.Unlock()
}

// AddWorkshop registers a workshop.
func (s *Server) AddWorkshop(ws types.Workshop) {
	s.mu.Lock()
	s.workshops = append(s.workshops, ws)
	s.mu.Unlock()
}

// AddThread registers a thread with its history.
func (s *Server) AddThread(thread types.Thread, history ...types.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if thread.Version == 0 {
		thread.Version = 1
	}
	if thread.Status == "" {
		thread.Status = types.ThreadActive
	}
	s.threads[thread.ID] = &thread
	s.order = append(s.order, thread.ID)
	s.messages[thread.ID] = append(s.messages[thread.ID], history...)
}

// Thread returns a copy of the stored thread.
func (s *Server) Thread(id types.ThreadID) (types.Thread, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.threads[id]
	if !ok {
		return types.Thread{}, false
	}
	return *t, true
}

// SetUsage replaces the usage snapshot returned with exchanges.
func (s *Server) SetUsage(u types.TokenUsage) {
	s.mu.Lock()
	s.usage = u
	s.mu.Unlock()
}

// GateHistory blocks thread history requests until the returned function is
// called.
func (s *Server) GateHistory() (release func()) {
	gate := make(chan struct{})
	var once sync.Once
	release = func() {
		once.Do(func() {
			s.mu.Lock()
			if s.historyGate == gate {
				s.historyGate = nil
			}
			s.mu.Unlock()
			close(gate)
		})
	}
	s.mu.Lock()
	s.historyGate = gate
	s.releaseGate = release
	s.mu.Unlock()
	return release
}

// Received returns the contents of message frames received over sockets.
func (s *Server) Received() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.received...)
}

// SocketCount returns the number of open sockets for a thread.
func (s *Server) SocketCount(id types.ThreadID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns[id])
}

// Push writes v as a JSON frame to every socket open on the thread.
func (s *Server) Push(id types.ThreadID, v any) error {
	s.mu.Lock()
	conns := append([]*websocket.Conn(nil), s.conns[id]...)
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for _, c := range conns {
		if err := wsjson.Write(ctx, c, v); err != nil {
			return err
		}
	}
	return nil
}

// PushRaw writes raw bytes as a text frame to every socket open on the thread.
func (s *Server) PushRaw(id types.ThreadID, data []byte) error {
	s.mu.Lock()
	conns := append([]*websocket.Conn(nil), s.conns[id]...)
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for _, c := range conns {
		if err := c.Write(ctx, websocket.MessageText, data); err != nil {
			return err
		}
	}
	return nil
}

// DropSockets closes every socket on the thread with code.
func (s *Server) DropSockets(id types.ThreadID, code websocket.StatusCode) {
	s.mu.Lock()
	conns := s.conns[id]
	delete(s.conns, id)
	s.mu.Unlock()
	for _, c := range conns {
		c.Close(code, "dropped by test")
	}
}

// Exchange records a user message and a canned reply on the thread and
// returns the message frame describing them.
func (s *Server) Exchange(id types.ThreadID, content string) map[string]any {
	ex := s.newExchange(id, content)
	data, _ := json.Marshal(messageFrame{Type: "message", exchange: ex})
	var out map[string]any
	json.Unmarshal(data, &out)
	return out
}

func (s *Server) newExchange(id types.ThreadID, content string) exchange {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	history := s.messages[id]
	next := int64(len(history) + 1)
	s.seq++
	user := types.Message{
		ID:             types.MessageID(fmt.Sprintf("m%d-u", s.seq)),
		ThreadID:       id,
		Role:           types.RoleUser,
		SenderType:     "user",
		Content:        content,
		SequenceNumber: next,
		CreatedAt:      now,
	}
	assistant := types.Message{
		ID:               types.MessageID(fmt.Sprintf("m%d-a", s.seq)),
		ThreadID:         id,
		Role:             types.RoleAssistant,
		SenderType:       "ai",
		Content:          "Check the " + content,
		IsMarkdown:       true,
		AIModelUsed:      "test-model",
		PromptTokens:     10,
		CompletionTokens: 20,
		TotalTokens:      30,
		SequenceNumber:   next + 1,
		CreatedAt:        now,
	}
	s.messages[id] = append(history, user, assistant)

	patch := &types.ThreadPatch{}
	if thread, ok := s.threads[id]; ok {
		thread.TotalPromptTokens += 10
		thread.TotalCompletionTokens += 20
		thread.TotalTokens += 30
		thread.LastMessageAt = &now
		prompt, completion, total := thread.TotalPromptTokens, thread.TotalCompletionTokens, thread.TotalTokens
		patch.TotalPromptTokens = &prompt
		patch.TotalCompletionTokens = &completion
		patch.TotalTokens = &total
		patch.LastMessageAt = &now
	}
	usage := s.usage.Clone()
	return exchange{UserMessage: &user, AssistantMessage: &assistant, Thread: patch, TokenUsage: usage}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		valid := s.validAccess
		s.mu.Unlock()
		if valid == "" || r.Header.Get("Authorization") != "Bearer "+valid {
			writeDetail(w, http.StatusUnauthorized, "Could not validate credentials")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	s.LoginCalls.Add(1)
	if err := r.ParseForm(); err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid form")
		return
	}
	if r.PostForm.Get("username") != Username || r.PostForm.Get("password") != Password {
		writeDetail(w, http.StatusUnauthorized, "Incorrect username or password")
		return
	}
	s.mu.Lock()
	s.issued++
	s.validAccess = "A" + strconv.Itoa(s.issued)
	s.refreshToken = "R1"
	resp := types.TokenResponse{AccessToken: s.validAccess, RefreshToken: s.refreshToken, TokenType: "bearer"}
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	s.RefreshCalls.Add(1)
	cookie, err := r.Cookie("refresh_token")
	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil || s.refreshToken == "" || cookie.Value != s.refreshToken {
		writeDetail(w, http.StatusUnauthorized, "Invalid refresh token")
		return
	}
	s.issued++
	s.validAccess = "A" + strconv.Itoa(s.issued)
	writeJSON(w, http.StatusOK, types.TokenResponse{AccessToken: s.validAccess, RefreshToken: s.refreshToken, TokenType: "bearer"})
}

func (s *Server) handleListThreads(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	s.mu.Lock()
	out := make([]types.Thread, 0, len(s.order))
	for _, id := range s.order {
		t := s.threads[id]
		if ws := q.Get("workshop_id"); ws != "" && string(t.WorkshopID) != ws {
			continue
		}
		if v := q.Get("is_archived"); v != "" && strconv.FormatBool(t.IsArchived) != v {
			continue
		}
		if v := q.Get("is_resolved"); v != "" && strconv.FormatBool(t.IsResolved) != v {
			continue
		}
		if v := q.Get("license_plate"); v != "" && !strings.EqualFold(t.LicensePlate, v) {
			continue
		}
		out = append(out, *t)
	}
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"threads": out})
}

func (s *Server) handleCreateThread(w http.ResponseWriter, r *http.Request) {
	var nt types.NewThread
	if err := json.NewDecoder(r.Body).Decode(&nt); err != nil || nt.LicensePlate == "" {
		writeDetail(w, http.StatusUnprocessableEntity, "license_plate is required")
		return
	}
	now := time.Now().UTC()
	s.mu.Lock()
	id := types.ThreadID(fmt.Sprintf("t%d", len(s.order)+1))
	thread := &types.Thread{
		ID:             id,
		WorkshopID:     nt.WorkshopID,
		LicensePlate:   nt.LicensePlate,
		VehicleKM:      nt.VehicleKM,
		ErrorCodes:     nt.ErrorCodes,
		VehicleContext: nt.VehicleContext,
		Status:         types.ThreadActive,
		Version:        1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	s.threads[id] = thread
	s.order = append(s.order, id)
	out := *thread
	s.mu.Unlock()
	writeJSON(w, http.StatusCreated, out)
}

func (s *Server) handleGetThread(w http.ResponseWriter, r *http.Request) {
	id := types.ThreadID(chi.URLParam(r, "id"))
	s.mu.Lock()
	gate := s.historyGate
	s.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-r.Context().Done():
			return
		}
	}

	s.mu.Lock()
	thread, ok := s.threads[id]
	if !ok {
		s.mu.Unlock()
		writeDetail(w, http.StatusNotFound, "Thread not found")
		return
	}
	out := map[string]any{
		"thread":   *thread,
		"messages": append([]types.Message{}, s.messages[id]...),
	}
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleUpdateThread(w http.ResponseWriter, r *http.Request) {
	id := types.ThreadID(chi.URLParam(r, "id"))
	var req struct {
		Version    int                 `json:"version"`
		IsResolved *bool               `json:"is_resolved"`
		IsArchived *bool               `json:"is_archived"`
		Status     *types.ThreadStatus `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeDetail(w, http.StatusUnprocessableEntity, "invalid body")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	thread, ok := s.threads[id]
	if !ok {
		writeDetail(w, http.StatusNotFound, "Thread not found")
		return
	}
	if req.Version != thread.Version {
		writeDetail(w, http.StatusConflict, "Thread was modified by another user")
		return
	}
	if req.IsResolved != nil {
		thread.IsResolved = *req.IsResolved
		if thread.IsResolved {
			thread.Status = types.ThreadResolved
		}
	}
	if req.IsArchived != nil {
		thread.IsArchived = *req.IsArchived
		if thread.IsArchived {
			thread.Status = types.ThreadArchived
		}
	}
	if req.Status != nil {
		thread.Status = *req.Status
	}
	thread.Version++
	thread.UpdatedAt = time.Now().UTC()
	writeJSON(w, http.StatusOK, *thread)
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	s.MessagePosts.Add(1)
	id := types.ThreadID(chi.URLParam(r, "id"))
	var req struct {
		Content string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Content == "" {
		writeDetail(w, http.StatusUnprocessableEntity, "content is required")
		return
	}
	if _, ok := s.Thread(id); !ok {
		writeDetail(w, http.StatusNotFound, "Thread not found")
		return
	}
	ex := s.newExchange(id, req.Content)
	if s.BroadcastRESTSends.Load() {
		s.Push(id, messageFrame{Type: "message", exchange: ex})
	}
	writeJSON(w, http.StatusOK, ex)
}

func (s *Server) handleListWorkshops(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	out := append([]types.Workshop{}, s.workshops...)
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"workshops": out})
}

func (s *Server) handleRemaining(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	usage := s.usage.Clone()
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"remaining": usage})
}

func (s *Server) handleSocket(w http.ResponseWriter, r *http.Request) {
	s.SocketDials.Add(1)
	id := types.ThreadID(chi.URLParam(r, "id"))

	s.mu.Lock()
	valid := s.validAccess != "" && r.URL.Query().Get("token") == s.validAccess
	s.mu.Unlock()
	if !valid || s.RejectSockets.Load() {
		writeDetail(w, http.StatusForbidden, "Could not validate credentials")
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		return
	}

	s.mu.Lock()
	s.conns[id] = append(s.conns[id], conn)
	s.mu.Unlock()
	defer s.removeConn(id, conn)

	ctx := context.Background()
	for {
		var frame struct {
			Type    string `json:"type"`
			Content string `json:"content"`
		}
		if err := wsjson.Read(ctx, conn, &frame); err != nil {
			return
		}
		if frame.Type != "message" {
			continue
		}
		s.mu.Lock()
		s.received = append(s.received, frame.Content)
		s.mu.Unlock()
		if s.SilentSockets.Load() {
			continue
		}
		ex := s.newExchange(id, frame.Content)
		if err := s.Push(id, messageFrame{Type: "message", exchange: ex}); err != nil {
			return
		}
	}
}

func (s *Server) removeConn(id types.ThreadID, conn *websocket.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conns := s.conns[id]
	for i, c := range conns {
		if c == conn {
			s.conns[id] = append(conns[:i:i], conns[i+1:]...)
			return
		}
	}
}
