package handler

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"draft-collab-server/internal/domain"
	"draft-collab-server/internal/service"
	"draft-collab-server/internal/websocket"
	"draft-collab-server/pkg/jwt"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	ws "github.com/gorilla/websocket"
)

type WebSocketHandler struct {
	manager   *websocket.Manager
	jwtSecret string
	upgrader  ws.Upgrader
}

func NewWebSocketHandler(manager *websocket.Manager, jwtSecret string, readBufferSize, writeBufferSize int) *WebSocketHandler {
	return &WebSocketHandler{
		manager:   manager,
		jwtSecret: jwtSecret,
		upgrader: ws.Upgrader{
			ReadBufferSize:  readBufferSize,
			WriteBufferSize: writeBufferSize,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

func bearerToken(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	parts := strings.Split(r.Header.Get("Authorization"), " ")
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return parts[1]
}

func (h *WebSocketHandler) HandleConnection(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		log.Printf("[WebSocket] Missing authorization token")
		http.Error(w, "missing authorization token", http.StatusUnauthorized)
		return
	}

	claims, err := jwt.ValidateToken(token, h.jwtSecret)
	if err != nil {
		log.Printf("[WebSocket] Token validation failed: %v", err)
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	userID := claims.UserID

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[WebSocket] Failed to upgrade connection: %v", err)
		return
	}

	log.Printf("[WebSocket] Connection upgraded for user: %s", userID)

	client := websocket.NewClient(uuid.New().String(), userID, conn, h.manager)

	h.manager.Register <- client

	go client.WritePump()
	go client.ReadPump()
}

// WebSocketMessageHandler turns client messages into session calls. Session
// events reach clients through their subscriptions, so only joined,
// heartbeatAck and error are answered directly.
type WebSocketMessageHandler struct {
	sessions *service.SessionRegistry
	presence *service.PresenceTracker
	validate *validator.Validate
	timeout  time.Duration
}

func NewWebSocketMessageHandler(sessions *service.SessionRegistry, presence *service.PresenceTracker, timeout time.Duration) *WebSocketMessageHandler {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &WebSocketMessageHandler{
		sessions: sessions,
		presence: presence,
		validate: validator.New(),
		timeout:  timeout,
	}
}

func (h *WebSocketMessageHandler) HandleWebSocketMessage(client *websocket.Client, msg *websocket.Message) error {
	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()

	if msg.Type == websocket.TypeJoin {
		return h.handleJoin(ctx, client, msg)
	}

	sessionID := client.SessionID()
	if sessionID == "" {
		switch msg.Type {
		case websocket.TypeSubmitOp, websocket.TypeCursorUpdate, websocket.TypeAddComment, websocket.TypeHeartbeat, websocket.TypeLeave:
			client.SendError("NotJoined", "join a session first", msg.Type, "")
			return nil
		}
	}

	switch msg.Type {
	case websocket.TypeSubmitOp:
		return h.handleSubmitOp(ctx, client, sessionID, msg)

	case websocket.TypeCursorUpdate:
		return h.handleCursorUpdate(ctx, client, sessionID, msg)

	case websocket.TypeAddComment:
		return h.handleAddComment(ctx, client, sessionID, msg)

	case websocket.TypeHeartbeat:
		return h.handleHeartbeat(ctx, client, sessionID)

	case websocket.TypeLeave:
		return h.handleLeave(ctx, client, sessionID)

	default:
		client.SendError("InvalidMessage", "unknown message type", msg.Type, "")
	}

	return nil
}

func (h *WebSocketMessageHandler) HandleDisconnect(client *websocket.Client) {
	sessionID := client.SessionID()
	if sessionID == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()

	err := h.sessions.Disconnect(ctx, sessionID, client.UserID, client)
	if err != nil && !errors.Is(err, service.ErrSessionNotFound) {
		log.Printf("[WebSocket] failed to release %s from session %s: %v", client.UserID, sessionID, err)
	}
	client.SetSessionID("")
}

// fail reports a session error to the client. Only unexpected errors are
// returned for logging.
func (h *WebSocketMessageHandler) fail(client *websocket.Client, requestType websocket.MessageType, clientOpID string, err error) error {
	kind := service.ErrorKind(err)
	client.SendError(kind, err.Error(), requestType, clientOpID)
	if kind == "Internal" {
		return err
	}
	return nil
}

func (h *WebSocketMessageHandler) decode(client *websocket.Client, msg *websocket.Message, v interface{}) bool {
	if err := msg.UnmarshalPayload(v); err != nil {
		client.SendError("InvalidMessage", "malformed payload", msg.Type, "")
		return false
	}
	if err := h.validate.Struct(v); err != nil {
		client.SendError("InvalidMessage", err.Error(), msg.Type, "")
		return false
	}
	return true
}

func (h *WebSocketMessageHandler) handleJoin(ctx context.Context, client *websocket.Client, msg *websocket.Message) error {
	if client.SessionID() != "" {
		client.SendError("InvalidMessage", "connection already joined a session", msg.Type, "")
		return nil
	}

	var payload websocket.JoinPayload
	if err := msg.UnmarshalPayload(&payload); err != nil {
		client.SendError("InvalidMessage", "malformed payload", msg.Type, "")
		return nil
	}
	if payload.UserID != "" && payload.UserID != client.UserID {
		client.SendError("Forbidden", "cannot join as another user", msg.Type, "")
		return nil
	}
	payload.UserID = client.UserID
	if err := h.validate.Struct(&payload); err != nil {
		client.SendError("InvalidMessage", err.Error(), msg.Type, "")
		return nil
	}

	_, err := h.sessions.CreateOrJoin(ctx, payload.JoinRequest, service.JoinOptions{
		LastSeq:    payload.LastSeq,
		Subscriber: client,
		OnJoined: func(res *domain.JoinResult) {
			client.SetSessionID(res.Snapshot.ID)
			reply, err := websocket.NewMessage(websocket.TypeJoined, newJoinedPayload(res))
			if err != nil {
				log.Printf("[WebSocket] failed to encode joined reply: %v", err)
				return
			}
			client.SendMessage(reply)
		},
	})
	if err != nil {
		return h.fail(client, msg.Type, "", err)
	}
	return nil
}

func newJoinedPayload(res *domain.JoinResult) *websocket.JoinedPayload {
	payload := &websocket.JoinedPayload{
		Snapshot:      res.Snapshot,
		AssignedColor: res.Color,
		Rejoined:      res.Rejoined,
	}
	for _, op := range res.MissedOps {
		payload.MissedOps = append(payload.MissedOps, service.NewOpCommittedPayload(op))
	}
	return payload
}

func (h *WebSocketMessageHandler) handleSubmitOp(ctx context.Context, client *websocket.Client, sessionID string, msg *websocket.Message) error {
	var payload websocket.SubmitOpPayload
	if !h.decode(client, msg, &payload) {
		return nil
	}

	op, err := domain.NewOperation(payload.OpKind, client.UserID, payload.BaseSeq, payload.Offset, payload.Length, payload.Text)
	if err != nil {
		return h.fail(client, msg.Type, payload.ClientOpID, err)
	}
	op.ClientOpID = payload.ClientOpID
	// Stamped before the session queue so commit latency includes the wait.
	op.SubmittedAt = time.Now()

	// The commit itself is acknowledged by the opCommitted broadcast.
	if _, err := h.sessions.Submit(ctx, sessionID, op); err != nil {
		return h.fail(client, msg.Type, payload.ClientOpID, err)
	}
	return nil
}

func (h *WebSocketMessageHandler) handleCursorUpdate(ctx context.Context, client *websocket.Client, sessionID string, msg *websocket.Message) error {
	var payload websocket.CursorUpdatePayload
	if !h.decode(client, msg, &payload) {
		return nil
	}

	cursor := domain.Cursor{
		Line:      payload.Line,
		Column:    payload.Column,
		Offset:    payload.Offset,
		UpdatedAt: time.Now(),
	}
	if err := h.presence.UpdateCursor(ctx, sessionID, client.UserID, cursor); err != nil {
		return h.fail(client, msg.Type, "", err)
	}
	return nil
}

func (h *WebSocketMessageHandler) handleAddComment(ctx context.Context, client *websocket.Client, sessionID string, msg *websocket.Message) error {
	var payload domain.AddCommentRequest
	if !h.decode(client, msg, &payload) {
		return nil
	}

	if _, err := h.sessions.AddComment(ctx, sessionID, client.UserID, payload); err != nil {
		return h.fail(client, msg.Type, "", err)
	}
	return nil
}

func (h *WebSocketMessageHandler) handleHeartbeat(ctx context.Context, client *websocket.Client, sessionID string) error {
	if err := h.sessions.Heartbeat(ctx, sessionID, client.UserID); err != nil {
		return h.fail(client, websocket.TypeHeartbeat, "", err)
	}
	h.presence.Touch(sessionID, client.UserID)

	ack, err := websocket.NewMessage(websocket.TypeHeartbeatAck, &websocket.HeartbeatAckPayload{ServerTime: time.Now()})
	if err != nil {
		return err
	}
	client.SendMessage(ack)
	return nil
}

func (h *WebSocketMessageHandler) handleLeave(ctx context.Context, client *websocket.Client, sessionID string) error {
	client.SetSessionID("")
	if err := h.sessions.Leave(ctx, sessionID, client.UserID); err != nil {
		return h.fail(client, websocket.TypeLeave, "", err)
	}
	return nil
}
