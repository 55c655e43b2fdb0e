// Package ingress is the connector's HTTP surface: webhook receivers for
// the upstream sources and the health endpoint.
//
// Webhook handling is deliberately thin. The receiver verifies the
// signature, extracts the external id, and enqueues an envelope; all
// fetching and mapping happens later in the pipeline. Upstreams time out
// webhook deliveries aggressively, so anything slower than an INSERT here
// would cost retries and disables.
package ingress

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/Jorineg/TeamworkMissiveConnector/spool"
	"github.com/Jorineg/TeamworkMissiveConnector/store"
)

// maxBodyBytes bounds webhook payload reads.
const maxBodyBytes = 1 << 20

// Signature headers per source.
const (
	teamworkSigHeader = "X-Projects-Signature"
	missiveSigHeader  = "X-Hook-Signature"
)

// Server wires the webhook receivers and health endpoint.
type Server struct {
	sp     *spool.Spool
	st     *store.Store
	logger *slog.Logger
	start  time.Time

	teamworkSecret string
	missiveSecret  string
}

// New creates the ingress server. Empty secrets disable verification for
// that source, which is only sane behind a private network.
func New(sp *spool.Spool, st *store.Store, teamworkSecret, missiveSecret string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		sp:             sp,
		st:             st,
		logger:         logger,
		start:          time.Now(),
		teamworkSecret: teamworkSecret,
		missiveSecret:  missiveSecret,
	}
}

// Router builds the chi router.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Post("/webhook/teamwork", s.handleTeamwork)
	r.Post("/webhook/missive", s.handleMissive)
	r.Get("/health", s.handleHealth)
	return r
}

func (s *Server) handleTeamwork(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readAndVerify(w, r, s.teamworkSecret, teamworkSigHeader)
	if !ok {
		return
	}

	// Teamwork v1 webhooks are form-encoded.
	form, err := url.ParseQuery(string(body))
	if err != nil {
		http.Error(w, "bad payload", http.StatusBadRequest)
		return
	}
	taskID := form.Get("Task.ID")
	if taskID == "" {
		taskID = form.Get("ID")
	}
	if taskID == "" {
		// Not a task event; acknowledge so the upstream doesn't retry.
		s.logger.Info("ingress: teamwork event without task id", "event", form.Get("Event"))
		w.WriteHeader(http.StatusOK)
		return
	}

	kind := spool.KindUpsert
	if strings.Contains(strings.ToLower(form.Get("Event")), "deleted") {
		kind = spool.KindDelete
	}
	s.enqueue(w, r.Context(), spool.NewEnvelope(spool.SourceTeamwork, kind, taskID, body))
}

func (s *Server) handleMissive(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readAndVerify(w, r, s.missiveSecret, missiveSigHeader)
	if !ok {
		return
	}

	convID := missiveConversationID(body)
	if convID == "" {
		s.logger.Info("ingress: missive event without conversation id")
		w.WriteHeader(http.StatusOK)
		return
	}
	s.enqueue(w, r.Context(), spool.NewEnvelope(spool.SourceMissive, spool.KindUpsert, convID, body))
}

// missiveConversationID digs the conversation id out of a webhook payload.
// Rule and comment hooks nest it differently, hence the preference order.
func missiveConversationID(body []byte) string {
	var payload struct {
		Conversation struct {
			ID string `json:"id"`
		} `json:"conversation"`
		Message struct {
			ConversationID string `json:"conversation_id"`
			Conversation   struct {
				ID string `json:"id"`
			} `json:"conversation"`
		} `json:"message"`
		Comment struct {
			Conversation struct {
				ID string `json:"id"`
			} `json:"conversation"`
		} `json:"comment"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return ""
	}
	switch {
	case payload.Conversation.ID != "":
		return payload.Conversation.ID
	case payload.Message.ConversationID != "":
		return payload.Message.ConversationID
	case payload.Message.Conversation.ID != "":
		return payload.Message.Conversation.ID
	default:
		return payload.Comment.Conversation.ID
	}
}

// readAndVerify reads the raw body and checks the HMAC-SHA256 signature
// against it. Verification is skipped when no secret is configured.
func (s *Server) readAndVerify(w http.ResponseWriter, r *http.Request, secret, header string) ([]byte, bool) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return nil, false
	}
	if secret == "" {
		return body, true
	}

	sig := strings.TrimPrefix(r.Header.Get(header), "sha256=")
	if !verifySignature(secret, body, sig) {
		s.logger.Warn("ingress: webhook signature mismatch", "path", r.URL.Path)
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return nil, false
	}
	return body, true
}

// verifySignature compares a hex HMAC-SHA256 digest in constant time.
func verifySignature(secret string, body []byte, gotHex string) bool {
	got, err := hex.DecodeString(gotHex)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), got)
}

func (s *Server) enqueue(w http.ResponseWriter, ctx context.Context, env *spool.Envelope) {
	outcome, err := s.sp.Enqueue(ctx, env)
	if err != nil {
		s.logger.Error("ingress: enqueue failed", "envelope", env.ID, "error", err)
		http.Error(w, "enqueue failed", http.StatusInternalServerError)
		return
	}
	s.logger.Info("ingress: webhook accepted",
		"source", env.Source, "envelope", env.ID, "outcome", outcome)
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	dbOK := s.st.Ping(ctx) == nil
	backlog, failed, err := s.sp.Depth(ctx)
	if err != nil {
		dbOK = false
	}

	status := http.StatusOK
	if !dbOK {
		status = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"db_ok":          dbOK,
		"queue_depth":    backlog,
		"failed":         failed,
		"uptime_seconds": int(time.Since(s.start).Seconds()),
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
	})
}
