// Package server implements the bridge's HTTP surface (spec §6): the
// shared and per-actor inbox, actor/note documents for bridged NET-N
// identities, discovery endpoints, and the Prometheus metrics endpoint.
// Grounded on the teacher's chi-based internal/server/server.go — same
// router, middleware and response-helper idioms, generalized from klistr's
// single-fixed-user model to the bridge's many-proxied-actor model.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/momobridge/bridge/internal/activitypub"
	"github.com/momobridge/bridge/internal/bridgeerr"
	"github.com/momobridge/bridge/internal/idhash"
	"github.com/momobridge/bridge/internal/metrics"
)

const (
	activityJSONType = `application/activity+json`
	softwareName      = "bridge"
	softwareVersion   = "1.0.0"
)

// maxInboxBodyBytes bounds a single inbox POST body. Spec §4.5/§5 size
// budget is considerably larger than the teacher's single-user 1MiB cap,
// since this bridge fans every federated server's activities through one
// shared inbox.
const maxInboxBodyBytes = 1 << 30 // 1 GiB

const (
	maxConcurrentActivities = 200
	maxPerOriginConcurrency = 20
)

// Translator is the subset of internal/translate.Translator the server
// calls into.
type Translator interface {
	HandleInbox(ctx context.Context, signingActorURL string, raw json.RawMessage) error
	ActorDocument(ctx context.Context, pubkey string) (*activitypub.Actor, error)
	NoteDocument(ctx context.Context, eventID string) (*activitypub.Note, error)
}

// Config carries the deployment constants the HTTP surface needs.
type Config struct {
	LocalDomain  string // e.g. "https://bridge.example", used for self-referential URLs
	HTTPSDomain  string // bare host, used for webfinger/nodeinfo host matching
	UserIDPrefix string
	NoteIDPrefix string
	ServiceActor string // this bridge's own NET-A service actor URL
}

// inboxLimiter is a per-origin concurrent-activity counter, identical in
// shape to the teacher's: a noisy origin can't starve the shared inbox.
type inboxLimiter struct {
	mu     sync.Mutex
	counts map[string]int
}

func newInboxLimiter() *inboxLimiter {
	return &inboxLimiter{counts: make(map[string]int)}
}

func (l *inboxLimiter) acquire(origin string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.counts[origin] >= maxPerOriginConcurrency {
		return false
	}
	l.counts[origin]++
	return true
}

func (l *inboxLimiter) release(origin string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.counts[origin] > 0 {
		l.counts[origin]--
	}
	if l.counts[origin] == 0 {
		delete(l.counts, origin)
	}
}

// Server is the bridge's HTTP server.
type Server struct {
	cfg        Config
	translator Translator
	router     *chi.Mux
	startedAt  time.Time

	inboxSem     chan struct{}
	inboxLimiter *inboxLimiter
}

// New builds a Server and its router.
func New(cfg Config, translator Translator) *Server {
	s := &Server{
		cfg:          cfg,
		translator:   translator,
		startedAt:    time.Now(),
		inboxSem:     make(chan struct{}, maxConcurrentActivities),
		inboxLimiter: newInboxLimiter(),
	}
	s.router = s.buildRouter()
	return s
}

// Start runs the HTTP server until ctx is cancelled, returning once the
// listener has shut down (grounded on the teacher's Start, adapted to
// return an error so cmd/bridge can errgroup.Wait on it).
func (s *Server) Start(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("starting HTTP server", "addr", addr, "domain", s.cfg.LocalDomain)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
		<-errCh
		return ctx.Err()
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	}
}

func (s *Server) buildRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RealIP)
	r.Use(loggingMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware)

	r.Get("/.well-known/webfinger", s.handleWebFinger)
	r.Get("/.well-known/host-meta", s.handleHostMeta)
	r.Get("/.well-known/nodeinfo", s.handleNodeInfo)
	r.Get("/nodeinfo/{version}", s.handleNodeInfoSchema)

	r.Get("/users/{npub}", s.handleActor)
	r.Post("/users/{npub}/inbox", s.handleInbox)
	r.Get("/notes/{note}", s.handleNote)

	r.Post("/inbox", s.handleInbox)

	r.Get("/actor", s.handleServiceActor)

	r.Handle("/metrics", metrics.Handler())

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		fmt.Fprintf(w, "bridge — a NET-N/NET-A federation bridge.\nRunning on %s\n", s.cfg.LocalDomain)
	})

	return r
}

// ─── ActivityPub handlers ───────────────────────────────────────────────────

func (s *Server) handleActor(w http.ResponseWriter, r *http.Request) {
	pubkey, err := idhash.DecodeNpub(chi.URLParam(r, "npub"))
	if err != nil {
		http.NotFound(w, r)
		return
	}
	actor, err := s.translator.ActorDocument(r.Context(), pubkey)
	if err != nil {
		writeBridgeErr(w, &bridgeerr.NotFound{What: "actor " + pubkey})
		return
	}
	apResponse(w, activitypub.WithContext(actor))
}

func (s *Server) handleNote(w http.ResponseWriter, r *http.Request) {
	eventID, err := idhash.DecodeNote(chi.URLParam(r, "note"))
	if err != nil {
		http.NotFound(w, r)
		return
	}
	note, err := s.translator.NoteDocument(r.Context(), eventID)
	if err != nil {
		writeBridgeErr(w, &bridgeerr.NotFound{What: "note " + eventID})
		return
	}
	apResponse(w, activitypub.WithContext(note))
}

func (s *Server) handleServiceActor(w http.ResponseWriter, r *http.Request) {
	actor := &activitypub.Actor{
		ID:                s.cfg.ServiceActor,
		Type:              "Application",
		Name:              softwareName,
		PreferredUsername: softwareName,
		Inbox:             s.cfg.LocalDomain + "/inbox",
	}
	apResponse(w, activitypub.WithContext(actor))
}

func (s *Server) handleInbox(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	defer func() { metrics.InboxLatency.Observe(time.Since(start).Seconds()) }()

	signingActorURL, err := activitypub.VerifySignature(r)
	if err != nil {
		metrics.InboxRequests.WithLabelValues("auth_failed").Inc()
		slog.Warn("inbox: invalid HTTP signature", "error", err, "remote", r.RemoteAddr)
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxInboxBodyBytes))
	if err != nil {
		metrics.InboxRequests.WithLabelValues("bad_request").Inc()
		http.Error(w, "read error", http.StatusBadRequest)
		return
	}

	origin := hostOf(signingActorURL)
	if !s.inboxLimiter.acquire(origin) {
		metrics.InboxRequests.WithLabelValues("rate_limited").Inc()
		http.Error(w, "too many requests", http.StatusTooManyRequests)
		return
	}

	select {
	case s.inboxSem <- struct{}{}:
	default:
		s.inboxLimiter.release(origin)
		metrics.InboxRequests.WithLabelValues("overloaded").Inc()
		http.Error(w, "too many requests", http.StatusServiceUnavailable)
		return
	}

	// Signature verification is done; parsing, the dedup check and
	// translation run detached in HandleInbox so the HTTP reply doesn't wait
	// on network I/O to remote actors/relays. The 202 is therefore sent
	// before the dedup check runs.
	go func() {
		defer s.inboxLimiter.release(origin)
		defer func() { <-s.inboxSem }()
		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()
		if err := s.translator.HandleInbox(ctx, signingActorURL, json.RawMessage(body)); err != nil {
			var conv *bridgeerr.NostrConversion
			if isConversionDrop(err, &conv) {
				metrics.TranslationDropped.WithLabelValues(conv.Reason.String()).Inc()
				return
			}
			slog.Warn("inbox: handling failed", "actor", signingActorURL, "error", err)
		}
	}()

	metrics.InboxRequests.WithLabelValues("accepted").Inc()
	w.WriteHeader(http.StatusAccepted)
}

func isConversionDrop(err error, target **bridgeerr.NostrConversion) bool {
	conv, ok := err.(*bridgeerr.NostrConversion)
	if ok {
		*target = conv
	}
	return ok
}

// ─── Discovery handlers ─────────────────────────────────────────────────────

func (s *Server) handleWebFinger(w http.ResponseWriter, r *http.Request) {
	resource := r.URL.Query().Get("resource")
	if resource == "" {
		http.Error(w, "missing resource", http.StatusBadRequest)
		return
	}

	acct := strings.TrimPrefix(resource, "acct:")
	user, host, ok := strings.Cut(acct, "@")
	if !ok || host != s.cfg.HTTPSDomain {
		http.NotFound(w, r)
		return
	}

	pubkey, err := idhash.DecodeNpub(user)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	npub, err := idhash.EncodeNpub(pubkey)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	actorURL := s.cfg.UserIDPrefix + npub

	resp := activitypub.WebFingerResponse{
		Subject: resource,
		Aliases: []string{actorURL},
		Links: []activitypub.WebFingerLink{
			{Rel: "self", Type: activityJSONType, Href: actorURL},
		},
	}

	w.Header().Set("Content-Type", "application/jrd+json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	cacheHeaders(w, 3600)
	json.NewEncoder(w).Encode(resp)
}

func (s *Server) handleHostMeta(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/xrd+xml")
	fmt.Fprintf(w, `<?xml version="1.0" encoding="UTF-8"?>
<XRD xmlns="http://docs.oasis-open.org/ns/xri/xrd-1.0">
  <Link rel="lrdd" template="%s/.well-known/webfinger?resource={uri}"/>
</XRD>`, s.cfg.LocalDomain)
}

func (s *Server) handleNodeInfo(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{
		"links": []map[string]string{
			{"rel": "http://nodeinfo.diaspora.software/ns/schema/2.1", "href": s.cfg.LocalDomain + "/nodeinfo/2.1"},
		},
	}
	cacheHeaders(w, 3600)
	jsonResponse(w, resp, http.StatusOK)
}

func (s *Server) handleNodeInfoSchema(w http.ResponseWriter, r *http.Request) {
	v := chi.URLParam(r, "version")
	if v != "2.0" && v != "2.1" {
		http.Error(w, "unsupported nodeinfo version", http.StatusNotFound)
		return
	}
	info := activitypub.NodeInfo{
		Version:           "2.1",
		Software:          activitypub.NodeInfoSoftware{Name: softwareName, Version: softwareVersion},
		Protocols:         []string{"activitypub"},
		Usage:             activitypub.NodeInfoUsage{},
		OpenRegistrations: false,
	}
	cacheHeaders(w, 3600)
	jsonResponse(w, info, http.StatusOK)
}

// ─── response/error helpers ─────────────────────────────────────────────────

func writeBridgeErr(w http.ResponseWriter, err error) {
	switch e := err.(type) {
	case *bridgeerr.BadRequest:
		http.Error(w, e.Error(), http.StatusBadRequest)
	case *bridgeerr.AuthFailed:
		http.Error(w, e.Error(), http.StatusUnauthorized)
	case *bridgeerr.NotFound:
		http.Error(w, e.Error(), http.StatusNotFound)
	default:
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func apResponse(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", activityJSONType)
	w.Header().Set("Access-Control-Allow-Origin", "*")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode AP response", "error", err)
	}
}

func jsonResponse(w http.ResponseWriter, v interface{}, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode JSON response", "error", err)
	}
}

func cacheHeaders(w http.ResponseWriter, maxAge int) {
	w.Header().Set("Cache-Control", fmt.Sprintf("public, max-age=%d", maxAge))
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		slog.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.status,
			"duration", time.Since(start),
			"remote", r.RemoteAddr,
		)
	})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(status int) {
	rw.status = status
	rw.ResponseWriter.WriteHeader(status)
}

// Unwrap allows http.ResponseController to reach the underlying
// ResponseWriter, e.g. for SetWriteDeadline on long-lived connections.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	if u.Host != "" {
		return u.Host
	}
	host, _, err := net.SplitHostPort(rawURL)
	if err != nil {
		return rawURL
	}
	return host
}
