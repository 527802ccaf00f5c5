package handler

import (
	"context"
	"net/http"
	"strconv"

	"draft-collab-server/internal/domain"
	"draft-collab-server/internal/middleware"
	"draft-collab-server/internal/repository"
	"draft-collab-server/internal/service"
	"draft-collab-server/pkg/response"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
)

type SessionMetricsReader interface {
	Session(sessionID string) (domain.SessionMetrics, bool)
}

type PresenceReader interface {
	AliveMembers(ctx context.Context, sessionID string) ([]repository.PresenceMember, error)
}

type operationsQuery struct {
	Since int64 `validate:"min=0"`
}

// SessionHandler serves read-only views of a live session to its participants.
type SessionHandler struct {
	sessions *service.SessionRegistry
	metrics  SessionMetricsReader
	presence PresenceReader
	validate *validator.Validate
}

// NewSessionHandler builds the handler. presence may be nil, in which case
// presence is read from the session roster.
func NewSessionHandler(sessions *service.SessionRegistry, metrics SessionMetricsReader, presence PresenceReader) *SessionHandler {
	return &SessionHandler{
		sessions: sessions,
		metrics:  metrics,
		presence: presence,
		validate: validator.New(),
	}
}

func writeServiceError(w http.ResponseWriter, err error) {
	response.Kind(w, service.ErrorKind(err), err.Error())
}

// participantSnapshot loads the session and checks the caller is in it.
func (h *SessionHandler) participantSnapshot(w http.ResponseWriter, r *http.Request) (*domain.SessionSnapshot, bool) {
	userID := middleware.GetUserID(r)
	if userID == "" {
		response.Unauthorized(w, "unauthorized")
		return nil, false
	}

	snap, err := h.sessions.Snapshot(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeServiceError(w, err)
		return nil, false
	}

	for _, p := range snap.Participants {
		if p.UserID == userID {
			return snap, true
		}
	}
	response.Kind(w, "NotJoined", "not a participant of this session")
	return nil, false
}

func (h *SessionHandler) Get(w http.ResponseWriter, r *http.Request) {
	snap, ok := h.participantSnapshot(w, r)
	if !ok {
		return
	}
	response.Success(w, snap)
}

func (h *SessionHandler) Operations(w http.ResponseWriter, r *http.Request) {
	var q operationsQuery
	if raw := r.URL.Query().Get("since"); raw != "" {
		since, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			response.Kind(w, "InvalidMessage", "since must be an integer")
			return
		}
		q.Since = since
	}
	if err := h.validate.Struct(q); err != nil {
		response.Kind(w, "InvalidMessage", err.Error())
		return
	}

	snap, ok := h.participantSnapshot(w, r)
	if !ok {
		return
	}

	ops, err := h.sessions.OperationsSince(r.Context(), snap.ID, q.Since)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	payloads := make([]service.OpCommittedPayload, 0, len(ops))
	for _, op := range ops {
		payloads = append(payloads, service.NewOpCommittedPayload(op))
	}
	response.Success(w, payloads)
}

func (h *SessionHandler) Conflicts(w http.ResponseWriter, r *http.Request) {
	snap, ok := h.participantSnapshot(w, r)
	if !ok {
		return
	}

	conflicts, err := h.sessions.Conflicts(r.Context(), snap.ID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	response.Success(w, conflicts)
}

func (h *SessionHandler) Comments(w http.ResponseWriter, r *http.Request) {
	snap, ok := h.participantSnapshot(w, r)
	if !ok {
		return
	}

	comments, err := h.sessions.Comments(r.Context(), snap.ID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	response.Success(w, comments)
}

func (h *SessionHandler) Metrics(w http.ResponseWriter, r *http.Request) {
	snap, ok := h.participantSnapshot(w, r)
	if !ok {
		return
	}

	m, _ := h.metrics.Session(snap.ID)
	response.Success(w, m)
}

func (h *SessionHandler) Presence(w http.ResponseWriter, r *http.Request) {
	snap, ok := h.participantSnapshot(w, r)
	if !ok {
		return
	}

	if h.presence != nil {
		members, err := h.presence.AliveMembers(r.Context(), snap.ID)
		if err == nil {
			if members == nil {
				members = []repository.PresenceMember{}
			}
			response.Success(w, members)
			return
		}
		// The roster is authoritative; the cache only adds cross-node reads.
	}

	members := make([]repository.PresenceMember, 0, len(snap.Participants))
	for _, p := range snap.Participants {
		members = append(members, repository.PresenceMember{
			UserID:      p.UserID,
			DisplayName: p.DisplayName,
			Cursor:      p.Cursor,
		})
	}
	response.Success(w, members)
}

// Routes mounts the session endpoints on an authenticated subrouter.
func (h *SessionHandler) Routes(r *mux.Router) {
	r.HandleFunc("/sessions/{id}", h.Get).Methods("GET", "OPTIONS")
	r.HandleFunc("/sessions/{id}/operations", h.Operations).Methods("GET", "OPTIONS")
	r.HandleFunc("/sessions/{id}/conflicts", h.Conflicts).Methods("GET", "OPTIONS")
	r.HandleFunc("/sessions/{id}/comments", h.Comments).Methods("GET", "OPTIONS")
	r.HandleFunc("/sessions/{id}/metrics", h.Metrics).Methods("GET", "OPTIONS")
	r.HandleFunc("/sessions/{id}/presence", h.Presence).Methods("GET", "OPTIONS")
}
