// Package server exposes the companion HTTP facade: chat, scan capture,
// profile, onboarding, stats, and account erasure, all scoped to the tenant
// carried by the bearer token.
package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"femora/internal/ratelimit"
	"femora/internal/util"
	"femora/pkg/analysis"
	"femora/pkg/assistant"
	"femora/pkg/chat"
	"femora/pkg/domain"
	"femora/pkg/events"
	"femora/pkg/scan"
	"femora/pkg/storage"
	"femora/pkg/store"
)

// IdentityVerifier turns a bearer token into a tenant identity.
type IdentityVerifier interface {
	VerifyIdentity(token string) (domain.Identity, error)
}

// StatusReader serves scan processing snapshots from the cache layer, keyed
// by tenant so cached results stay partitioned like the store.
type StatusReader interface {
	Get(ctx context.Context, tenantID, scanID string) (domain.ProcessingStatus, bool, error)
	Put(ctx context.Context, tenantID, scanID string, status domain.ProcessingStatus) error
}

// Config wires required dependencies for the HTTP server.
type Config struct {
	Store           store.Store
	Verifier        IdentityVerifier
	Analysis        *analysis.Client
	AssistantURL    string
	Frames          storage.FrameStore
	Statuses        StatusReader
	Events          events.Publisher
	Logger          *slog.Logger
	Limiter         *ratelimit.FixedWindowLimiter
	AllowedOrigins  []string
	CaptureInterval time.Duration
	FrameLimit      int
	ScanType        string
}

// Server exposes HTTP endpoints for the companion service.
type Server struct {
	store           store.Store
	verifier        IdentityVerifier
	analysis        *analysis.Client
	assistantURL    string
	frames          storage.FrameStore
	statuses        StatusReader
	events          events.Publisher
	logger          *slog.Logger
	limiter         *ratelimit.FixedWindowLimiter
	local           *analysis.LocalAnalyzer
	allowedOrigins  []string
	captureInterval time.Duration
	frameLimit      int
	scanType        string
	probe           *assistant.Client
	mux             *http.ServeMux

	mu       sync.Mutex
	sessions map[string]*tenantSession
}

// tenantSession holds the per-tenant conversation and, while one runs, the
// active capture attempt.
type tenantSession struct {
	chat *chat.Controller
	scan *scan.Orchestrator
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	if cfg.Store == nil || cfg.Verifier == nil || cfg.Analysis == nil {
		return nil, errors.New("server requires store, verifier, and analysis client")
	}
	if cfg.AssistantURL == "" {
		return nil, errors.New("server requires assistantURL")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	publisher := cfg.Events
	if publisher == nil {
		publisher = events.Nop{}
	}
	s := &Server{
		store:           cfg.Store,
		verifier:        cfg.Verifier,
		analysis:        cfg.Analysis,
		assistantURL:    cfg.AssistantURL,
		frames:          cfg.Frames,
		statuses:        cfg.Statuses,
		events:          publisher,
		logger:          logger,
		limiter:         cfg.Limiter,
		local:           analysis.NewLocalAnalyzer(),
		allowedOrigins:  cfg.AllowedOrigins,
		captureInterval: cfg.CaptureInterval,
		frameLimit:      cfg.FrameLimit,
		scanType:        cfg.ScanType,
		probe:           assistant.NewClient(cfg.AssistantURL),
		mux:             http.NewServeMux(),
		sessions:        make(map[string]*tenantSession),
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler wrapped in the middleware chain.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(util.WithRequestLog(util.WithSecurityHeaders(util.WithCORS(s.allowedOrigins, s.mux))))
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)
	s.mux.HandleFunc("/readyz", s.handleReady)
	s.mux.Handle("/chat/messages", s.withIdentity(s.handleChatMessages))
	s.mux.Handle("/chat/sessions", s.withIdentity(s.handleChatSessions))
	s.mux.Handle("/chat/reset", s.withIdentity(s.handleChatReset))
	s.mux.Handle("/scans", s.withIdentity(s.handleScans))
	s.mux.Handle("/scans/", s.withIdentity(s.handleScanByID))
	s.mux.Handle("/profile", s.withIdentity(s.handleProfile))
	s.mux.Handle("/onboarding", s.withIdentity(s.handleOnboarding))
	s.mux.Handle("/stats", s.withIdentity(s.handleStats))
	s.mux.Handle("/account", s.withIdentity(s.handleAccount))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReady probes both upstream collaborators. The service still works in
// degraded mode without them, but readiness reports the true picture.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	checks := map[string]string{"assistant": "ok", "analysis": "ok"}
	status := http.StatusOK
	if err := s.probe.Health(ctx); err != nil {
		checks["assistant"] = err.Error()
		status = http.StatusServiceUnavailable
	}
	if err := s.analysis.Health(ctx); err != nil {
		checks["analysis"] = err.Error()
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, checks)
}

type identityHandler func(http.ResponseWriter, *http.Request, domain.Identity)

func (s *Server) withIdentity(next identityHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		identity, err := s.verifier.VerifyIdentity(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r, identity)
	})
}

// session returns the per-tenant state, creating the conversation on first
// use so the greeting shows up before the first send.
func (s *Server) session(ctx context.Context, identity domain.Identity) (*tenantSession, error) {
	s.mu.Lock()
	sess, ok := s.sessions[identity.TenantID]
	s.mu.Unlock()
	if ok {
		return sess, nil
	}

	controller, err := chat.NewController(chat.Config{
		Assistant: assistant.NewClient(s.assistantURL),
		Store:     s.store,
		Events:    s.events,
		Logger:    s.logger,
	})
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if existing, ok := s.sessions[identity.TenantID]; ok {
		s.mu.Unlock()
		return existing, nil
	}
	sess = &tenantSession{chat: controller}
	s.sessions[identity.TenantID] = sess
	s.mu.Unlock()

	controller.Open(ctx, identity.TenantID)
	return sess, nil
}

func (s *Server) dropSession(tenantID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, tenantID)
}

func (s *Server) handleChatMessages(w http.ResponseWriter, r *http.Request, identity domain.Identity) {
	sess, err := s.session(r.Context(), identity)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]any{"messages": sess.chat.Messages()})
	case http.MethodPost:
		var req struct {
			Text string `json:"text"`
		}
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if strings.TrimSpace(req.Text) == "" {
			writeError(w, http.StatusBadRequest, "text is required")
			return
		}
		if s.limiter != nil && !s.limiter.Allow(identity.TenantID) {
			writeError(w, http.StatusTooManyRequests, "too many messages, slow down")
			return
		}
		reply, err := sess.chat.Send(r.Context(), req.Text)
		if err != nil {
			if errors.Is(err, chat.ErrSendInProgress) {
				writeError(w, http.StatusConflict, err.Error())
				return
			}
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"reply": reply, "sessionId": sess.chat.SessionID()})
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleChatSessions(w http.ResponseWriter, r *http.Request, identity domain.Identity) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	sessions, err := s.store.ListChatSessions(identity.TenantID)
	if err != nil {
		s.logger.Warn("list chat sessions failed", "tenant_id", identity.TenantID, "err", err)
		sessions = []domain.ChatSession{}
	}
	if sessions == nil {
		sessions = []domain.ChatSession{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

func (s *Server) handleChatReset(w http.ResponseWriter, r *http.Request, identity domain.Identity) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	sess, err := s.session(r.Context(), identity)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := sess.chat.Reset(r.Context()); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"sessionId": sess.chat.SessionID()})
}

type startScanRequest struct {
	Frames   []string `json:"frames"`
	ScanType string   `json:"scanType"`
}

func (s *Server) handleScans(w http.ResponseWriter, r *http.Request, identity domain.Identity) {
	switch r.Method {
	case http.MethodGet:
		scans, err := s.store.ListScanSessions(identity.TenantID)
		if err != nil {
			s.logger.Warn("list scans failed", "tenant_id", identity.TenantID, "err", err)
			scans = []domain.ScanSession{}
		}
		if scans == nil {
			scans = []domain.ScanSession{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"scans": scans})
	case http.MethodPost:
		s.handleStartScan(w, r, identity)
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleStartScan(w http.ResponseWriter, r *http.Request, identity domain.Identity) {
	var req startScanRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 32<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if len(req.Frames) == 0 {
		writeError(w, http.StatusBadRequest, "frames are required")
		return
	}
	frames := make([][]byte, 0, len(req.Frames))
	for _, raw := range req.Frames {
		frame, err := base64.StdEncoding.DecodeString(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "frames must be base64 encoded")
			return
		}
		frames = append(frames, frame)
	}

	sess, err := s.session(r.Context(), identity)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	scanType := req.ScanType
	if scanType == "" {
		scanType = s.scanType
	}
	orchestrator, err := scan.New(scan.Config{
		Source:     newFrameQueue(frames),
		Analysis:   s.analysis,
		Store:      s.store,
		Frames:     s.frames,
		Local:      s.local,
		Statuses:   s.statuses,
		Events:     s.events,
		Logger:     s.logger,
		ScanType:   scanType,
		Interval:   s.captureInterval,
		FrameLimit: s.frameLimit,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.mu.Lock()
	if sess.scan != nil {
		active := sess.scan.State()
		if active == scan.StateCapturing || active == scan.StateCompleting {
			s.mu.Unlock()
			writeError(w, http.StatusConflict, "a capture is already in progress")
			return
		}
	}
	sess.scan = orchestrator
	s.mu.Unlock()

	// The attempt outlives the request.
	if err := orchestrator.Start(context.Background(), identity.TenantID); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	go func() {
		res := <-orchestrator.Done()
		switch {
		case res.Stopped:
			s.logger.Info("capture stopped", "tenant_id", identity.TenantID)
		case res.Err != nil:
			s.logger.Error("capture failed", "tenant_id", identity.TenantID, "err", res.Err)
		default:
			s.logger.Info("capture completed", "tenant_id", identity.TenantID, "scan_id", res.Scan.ID)
		}
	}()
	writeJSON(w, http.StatusAccepted, map[string]string{"state": string(scan.StateCapturing)})
}

func (s *Server) handleScanByID(w http.ResponseWriter, r *http.Request, identity domain.Identity) {
	path := strings.TrimPrefix(r.URL.Path, "/scans/")
	if path == "active" {
		if r.Method != http.MethodDelete {
			methodNotAllowed(w)
			return
		}
		s.handleStopScan(w, identity)
		return
	}
	if id, ok := strings.CutSuffix(path, "/status"); ok {
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		s.handleScanStatus(w, r, identity, id)
		return
	}
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	scanSession, ok, err := s.store.GetScanSession(identity.TenantID, path)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "scan not found")
		return
	}
	writeJSON(w, http.StatusOK, scanSession)
}

// handleStopScan discards the active attempt. Stopping when nothing runs is
// a no-op and still reports idle.
func (s *Server) handleStopScan(w http.ResponseWriter, identity domain.Identity) {
	s.mu.Lock()
	sess := s.sessions[identity.TenantID]
	var orchestrator *scan.Orchestrator
	if sess != nil {
		orchestrator = sess.scan
	}
	s.mu.Unlock()
	if orchestrator != nil {
		orchestrator.Stop()
	}
	writeJSON(w, http.StatusOK, map[string]string{"state": string(scan.StateIdle)})
}

// handleScanStatus prefers the status cache and falls back to the stored
// scan's processing snapshot.
func (s *Server) handleScanStatus(w http.ResponseWriter, r *http.Request, identity domain.Identity, scanID string) {
	if s.statuses != nil {
		status, ok, err := s.statuses.Get(r.Context(), identity.TenantID, scanID)
		if err != nil {
			s.logger.Warn("status cache read failed", "scan_id", scanID, "err", err)
		} else if ok {
			writeJSON(w, http.StatusOK, status)
			return
		}
	}
	scanSession, ok, err := s.store.GetScanSession(identity.TenantID, scanID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !ok || scanSession.Processing == nil {
		writeError(w, http.StatusNotFound, "scan status not found")
		return
	}
	writeJSON(w, http.StatusOK, *scanSession.Processing)
}

// handleProfile never fails the read path: when the store is unavailable the
// identity itself is enough for a placeholder profile.
func (s *Server) handleProfile(w http.ResponseWriter, r *http.Request, identity domain.Identity) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	profile, err := s.store.GetOrCreateProfile(identity)
	if err != nil {
		s.logger.Warn("profile load failed", "tenant_id", identity.TenantID, "err", err)
		profile = domain.UserProfile{
			TenantID:    identity.TenantID,
			Email:       identity.Email,
			DisplayName: identity.Name,
			AvatarURL:   identity.AvatarURL,
		}
	}
	writeJSON(w, http.StatusOK, profile)
}

func (s *Server) handleOnboarding(w http.ResponseWriter, r *http.Request, identity domain.Identity) {
	switch r.Method {
	case http.MethodGet:
		data, err := s.store.GetOnboarding(identity.TenantID)
		if err != nil {
			s.logger.Warn("onboarding load failed", "tenant_id", identity.TenantID, "err", err)
		}
		if data == nil {
			writeJSON(w, http.StatusOK, map[string]any{"onboarding": nil})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"onboarding": data})
	case http.MethodPut:
		var data domain.OnboardingData
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&data); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		// Onboarding loss is user-visible, so persistence errors are real here.
		if err := s.store.SaveOnboarding(identity.TenantID, data); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "saved"})
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request, identity domain.Identity) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, store.Stats(s.store, identity.TenantID))
}

func (s *Server) handleAccount(w http.ResponseWriter, r *http.Request, identity domain.Identity) {
	if r.Method != http.MethodDelete {
		methodNotAllowed(w)
		return
	}
	if err := s.store.EraseTenant(identity.TenantID); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.dropSession(identity.TenantID)
	w.WriteHeader(http.StatusNoContent)
}

// frameQueue replays uploaded frames in order and repeats the last one when
// the capture loop outpaces the upload.
type frameQueue struct {
	mu     sync.Mutex
	frames [][]byte
	next   int
}

func newFrameQueue(frames [][]byte) *frameQueue {
	return &frameQueue{frames: frames}
}

func (q *frameQueue) Capture(context.Context) ([]byte, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.frames) == 0 {
		return nil, errors.New("no frames available")
	}
	idx := q.next
	if idx >= len(q.frames) {
		idx = len(q.frames) - 1
	}
	q.next++
	return q.frames[idx], nil
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func bearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" {
		return "", false
	}
	return token, true
}
