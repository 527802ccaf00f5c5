package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"draft-collab-server/internal/domain"
	"draft-collab-server/internal/metrics"
	"draft-collab-server/internal/middleware"
	"draft-collab-server/internal/service"
	"draft-collab-server/internal/websocket"
	"draft-collab-server/pkg/jwt"

	"github.com/gorilla/mux"
	ws "github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
)

const testSecret = "test-secret"

type testServer struct {
	srv      *httptest.Server
	sessions *service.SessionRegistry
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	collector := metrics.NewCollector(prometheus.NewRegistry())
	sessions := service.NewSessionRegistry(service.SessionConfig{
		HeartbeatTimeout: 30 * time.Second,
		IdleAfter:        10 * time.Second,
		IdleGrace:        time.Minute,
	}, nil, collector)
	presence := service.NewPresenceTracker(sessions, nil, 20*time.Millisecond)
	sessions.AddObserver(presence)

	manager := websocket.NewManager(websocket.DefaultOptions())
	manager.SetMetrics(collector)
	manager.SetMessageHandler(NewWebSocketMessageHandler(sessions, presence, time.Second))
	go manager.Run()

	r := mux.NewRouter()
	r.HandleFunc("/ws", NewWebSocketHandler(manager, testSecret, 1024, 1024).HandleConnection)
	api := r.PathPrefix("/api/v1").Subrouter()
	api.Use(middleware.AuthMiddleware(testSecret))
	NewSessionHandler(sessions, collector, nil).Routes(api)

	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		sessions.Shutdown(ctx)
		manager.Shutdown()
		presence.Close()
	})

	return &testServer{srv: srv, sessions: sessions}
}

func token(t *testing.T, userID string) string {
	t.Helper()

	tok, err := jwt.GenerateToken(userID, time.Minute, testSecret)
	if err != nil {
		t.Fatalf("GenerateToken() error = %v", err)
	}
	return tok
}

func (ts *testServer) dial(t *testing.T, userID string) *ws.Conn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(ts.srv.URL, "http") + "/ws?token=" + token(t, userID)
	conn, _, err := ws.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial(%s) error = %v", userID, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *ws.Conn, msgType websocket.MessageType, payload interface{}) {
	t.Helper()

	msg, err := websocket.NewMessage(msgType, payload)
	if err != nil {
		t.Fatalf("NewMessage() error = %v", err)
	}
	if err := conn.WriteJSON(msg); err != nil {
		t.Fatalf("WriteJSON(%s) error = %v", msgType, err)
	}
}

// expect reads until a message of the given type arrives and decodes its
// payload into v.
func expect(t *testing.T, conn *ws.Conn, msgType websocket.MessageType, v interface{}) {
	t.Helper()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		var msg websocket.Message
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("waiting for %s: %v", msgType, err)
		}
		if msg.Type != msgType {
			continue
		}
		if v != nil {
			if err := msg.UnmarshalPayload(v); err != nil {
				t.Fatalf("decode %s: %v", msgType, err)
			}
		}
		return
	}
}

func joinPayload(role domain.Role) websocket.JoinPayload {
	return websocket.JoinPayload{JoinRequest: domain.JoinRequest{
		DocumentID:  "doc-1",
		ProjectID:   "project-1",
		WorkspaceID: "workspace-1",
		DisplayName: "someone",
		Role:        role,
	}}
}

func join(t *testing.T, conn *ws.Conn, role domain.Role) websocket.JoinedPayload {
	t.Helper()

	send(t, conn, websocket.TypeJoin, joinPayload(role))
	var joined websocket.JoinedPayload
	expect(t, conn, websocket.TypeJoined, &joined)
	return joined
}

func TestWebSocketRequiresToken(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.Get(ts.srv.URL + "/ws")
	if err != nil {
		t.Fatalf("GET /ws error = %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}

	url := "ws" + strings.TrimPrefix(ts.srv.URL, "http") + "/ws?token=forged"
	if _, _, err := ws.DefaultDialer.Dial(url, nil); err == nil {
		t.Error("Dial() with a forged token succeeded")
	}
}

func TestWebSocketAcceptsAuthorizationHeader(t *testing.T) {
	ts := newTestServer(t)
	url := "ws" + strings.TrimPrefix(ts.srv.URL, "http") + "/ws"

	tests := []struct {
		name   string
		header string
		ok     bool
	}{
		{"bearer", "Bearer " + token(t, "alice"), true},
		{"lowercase scheme", "bearer " + token(t, "alice"), true},
		{"basic scheme", "Basic " + token(t, "alice"), false},
		{"bare token", token(t, "alice"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn, resp, err := ws.DefaultDialer.Dial(url, http.Header{"Authorization": {tt.header}})
			if tt.ok {
				if err != nil {
					t.Fatalf("Dial() error = %v", err)
				}
				defer conn.Close()
				if joined := join(t, conn, domain.RoleEditor); joined.Snapshot == nil {
					t.Errorf("joined = %+v", joined)
				}
				return
			}
			if err == nil {
				conn.Close()
				t.Fatal("Dial() succeeded")
			}
			if resp == nil || resp.StatusCode != http.StatusUnauthorized {
				t.Errorf("response = %v, want 401", resp)
			}
		})
	}
}

// commitTimes records when each committed op was submitted and committed.
type commitTimes struct {
	mu  sync.Mutex
	ops []domain.CommittedOperation
}

func (c *commitTimes) OperationCommitted(_ string, op domain.CommittedOperation, _ time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ops = append(c.ops, op)
}

func (c *commitTimes) ConflictDetected(string, domain.Conflict) {}

func (c *commitTimes) ParticipantJoined(string, domain.Participant) {}

func (c *commitTimes) ParticipantLeft(string, domain.Participant, domain.LeaveReason) {}

func TestSubmitIsTimedFromReceipt(t *testing.T) {
	ts := newTestServer(t)
	times := &commitTimes{}
	ts.sessions.AddObserver(times)

	alice := ts.dial(t, "alice")
	join(t, alice, domain.RoleEditor)
	send(t, alice, websocket.TypeSubmitOp, websocket.SubmitOpPayload{ClientOpID: "a1", OpKind: domain.OpInsert, Text: "Hi"})
	expect(t, alice, websocket.TypeOpCommitted, nil)

	times.mu.Lock()
	defer times.mu.Unlock()
	if len(times.ops) != 1 {
		t.Fatalf("observed %d commits, want 1", len(times.ops))
	}
	op := times.ops[0]
	// Stamped by the handler, so it precedes the session's commit time.
	if op.SubmittedAt.IsZero() || !op.SubmittedAt.Before(op.CommittedAt) {
		t.Errorf("submitted %v, committed %v", op.SubmittedAt, op.CommittedAt)
	}
}

func TestWebSocketCollaboration(t *testing.T) {
	ts := newTestServer(t)
	alice := ts.dial(t, "alice")
	bob := ts.dial(t, "bob")

	aliceJoined := join(t, alice, domain.RoleEditor)
	if aliceJoined.AssignedColor == "" || aliceJoined.Snapshot == nil {
		t.Fatalf("joined = %+v", aliceJoined)
	}
	join(t, bob, domain.RoleEditor)

	var joinedEv service.UserJoinedPayload
	expect(t, alice, websocket.TypeUserJoined, &joinedEv)
	if joinedEv.UserID != "bob" {
		t.Errorf("userJoined = %+v, want bob", joinedEv)
	}

	send(t, alice, websocket.TypeSubmitOp, websocket.SubmitOpPayload{ClientOpID: "a1", BaseSeq: 0, OpKind: domain.OpInsert, Offset: 0, Text: "Hi"})

	var ack, seen service.OpCommittedPayload
	expect(t, alice, websocket.TypeOpCommitted, &ack)
	expect(t, bob, websocket.TypeOpCommitted, &seen)
	if ack.Seq != 1 || ack.ClientOpID != "a1" || ack.OriginUserID != "alice" {
		t.Errorf("alice ack = %+v", ack)
	}
	if seen.Seq != 1 || seen.Text != "Hi" {
		t.Errorf("bob saw %+v", seen)
	}

	send(t, bob, websocket.TypeSubmitOp, websocket.SubmitOpPayload{BaseSeq: 1, OpKind: domain.OpInsert, Offset: 2, Text: "Yo"})
	expect(t, alice, websocket.TypeOpCommitted, &seen)
	if seen.Seq != 2 || seen.OriginUserID != "bob" {
		t.Errorf("alice saw %+v", seen)
	}

	snap, err := ts.sessions.Snapshot(context.Background(), aliceJoined.Snapshot.ID)
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	if snap.Text != "HiYo" {
		t.Errorf("text = %q, want HiYo", snap.Text)
	}

	send(t, alice, websocket.TypeCursorUpdate, websocket.CursorUpdatePayload{Line: 0, Column: 4, Offset: 4})
	var presence service.PresencePayload
	expect(t, bob, websocket.TypePresence, &presence)
	if presence.UserID != "alice" || presence.Cursor == nil || presence.Cursor.Offset != 4 {
		t.Errorf("presence = %+v", presence)
	}

	send(t, bob, websocket.TypeAddComment, domain.AddCommentRequest{Offset: 2, Content: "nice"})
	var comment domain.Comment
	expect(t, alice, websocket.TypeCommentAdded, &comment)
	if comment.AuthorID != "bob" || comment.Offset != 2 {
		t.Errorf("comment = %+v", comment)
	}

	bob.Close()
	var left service.UserLeftPayload
	expect(t, alice, websocket.TypeUserLeft, &left)
	if left.UserID != "bob" || left.Reason != domain.LeaveConnectionLost {
		t.Errorf("userLeft = %+v", left)
	}
}

func TestWebSocketErrors(t *testing.T) {
	ts := newTestServer(t)
	alice := ts.dial(t, "alice")
	viewer := ts.dial(t, "victor")

	var e websocket.ErrorPayload

	send(t, alice, websocket.TypeSubmitOp, websocket.SubmitOpPayload{OpKind: domain.OpInsert, Text: "x"})
	expect(t, alice, websocket.TypeError, &e)
	if e.ErrorKind != "NotJoined" {
		t.Errorf("submit before join: %+v", e)
	}

	impostor := joinPayload(domain.RoleEditor)
	impostor.UserID = "bob"
	send(t, alice, websocket.TypeJoin, impostor)
	expect(t, alice, websocket.TypeError, &e)
	if e.ErrorKind != "Forbidden" {
		t.Errorf("join as another user: %+v", e)
	}

	if err := alice.WriteMessage(ws.TextMessage, []byte("not json")); err != nil {
		t.Fatal(err)
	}
	expect(t, alice, websocket.TypeError, &e)
	if e.ErrorKind != "InvalidMessage" {
		t.Errorf("malformed envelope: %+v", e)
	}

	join(t, alice, domain.RoleEditor)

	send(t, alice, websocket.TypeSubmitOp, websocket.SubmitOpPayload{ClientOpID: "far", OpKind: domain.OpDelete, Offset: 3, Length: 2})
	expect(t, alice, websocket.TypeError, &e)
	if e.ErrorKind != "InvalidRange" || e.ClientOpID != "far" {
		t.Errorf("out of range delete: %+v", e)
	}

	send(t, alice, websocket.TypeSubmitOp, websocket.SubmitOpPayload{OpKind: "move", Offset: 0})
	expect(t, alice, websocket.TypeError, &e)
	if e.ErrorKind != "InvalidMessage" {
		t.Errorf("unknown op kind: %+v", e)
	}

	join(t, viewer, domain.RoleViewer)
	send(t, viewer, websocket.TypeSubmitOp, websocket.SubmitOpPayload{OpKind: domain.OpInsert, Text: "x"})
	expect(t, viewer, websocket.TypeError, &e)
	if e.ErrorKind != "Forbidden" {
		t.Errorf("viewer submit: %+v", e)
	}
}

func TestWebSocketResync(t *testing.T) {
	ts := newTestServer(t)
	alice := ts.dial(t, "alice")
	join(t, alice, domain.RoleEditor)

	for i, text := range []string{"a", "b", "c"} {
		send(t, alice, websocket.TypeSubmitOp, websocket.SubmitOpPayload{BaseSeq: int64(i), OpKind: domain.OpInsert, Offset: i, Text: text})
		expect(t, alice, websocket.TypeOpCommitted, nil)
	}

	bob := ts.dial(t, "bob")
	payload := joinPayload(domain.RoleEditor)
	lastSeq := int64(1)
	payload.LastSeq = &lastSeq
	send(t, bob, websocket.TypeJoin, payload)

	var joined websocket.JoinedPayload
	expect(t, bob, websocket.TypeJoined, &joined)
	if len(joined.MissedOps) != 2 || joined.MissedOps[0].Seq != 2 || joined.MissedOps[1].Text != "c" {
		t.Errorf("missed ops = %+v, want seq 2 and 3", joined.MissedOps)
	}
	if joined.Snapshot.Text != "abc" {
		t.Errorf("snapshot text = %q", joined.Snapshot.Text)
	}
}

func TestWebSocketHeartbeatAndLeave(t *testing.T) {
	ts := newTestServer(t)
	alice := ts.dial(t, "alice")
	bob := ts.dial(t, "bob")
	join(t, alice, domain.RoleEditor)
	join(t, bob, domain.RoleEditor)

	send(t, bob, websocket.TypeHeartbeat, nil)
	var ack websocket.HeartbeatAckPayload
	expect(t, bob, websocket.TypeHeartbeatAck, &ack)
	if ack.ServerTime.IsZero() {
		t.Error("heartbeatAck without server time")
	}

	send(t, bob, websocket.TypeLeave, nil)
	var left service.UserLeftPayload
	expect(t, alice, websocket.TypeUserLeft, &left)
	if left.UserID != "bob" || left.Reason != domain.LeaveExplicit {
		t.Errorf("userLeft = %+v", left)
	}

	send(t, bob, websocket.TypeHeartbeat, nil)
	var e websocket.ErrorPayload
	expect(t, bob, websocket.TypeError, &e)
	if e.ErrorKind != "NotJoined" {
		t.Errorf("heartbeat after leave: %+v", e)
	}
}

type apiResponse struct {
	Success   bool            `json:"success"`
	Data      json.RawMessage `json:"data"`
	ErrorKind string          `json:"error_kind"`
}

func (ts *testServer) get(t *testing.T, userID, path string) (int, apiResponse) {
	t.Helper()

	req, _ := http.NewRequest(http.MethodGet, ts.srv.URL+path, nil)
	if userID != "" {
		req.Header.Set("Authorization", "Bearer "+token(t, userID))
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET %s error = %v", path, err)
	}
	defer resp.Body.Close()

	var body apiResponse
	json.NewDecoder(resp.Body).Decode(&body)
	return resp.StatusCode, body
}

func TestSessionEndpoints(t *testing.T) {
	ts := newTestServer(t)
	alice := ts.dial(t, "alice")
	sessionID := join(t, alice, domain.RoleEditor).Snapshot.ID

	send(t, alice, websocket.TypeSubmitOp, websocket.SubmitOpPayload{OpKind: domain.OpInsert, Text: "hello"})
	expect(t, alice, websocket.TypeOpCommitted, nil)

	base := "/api/v1/sessions/" + sessionID

	status, body := ts.get(t, "alice", base)
	var snap domain.SessionSnapshot
	json.Unmarshal(body.Data, &snap)
	if status != http.StatusOK || snap.Text != "hello" {
		t.Errorf("GET snapshot = %d %+v", status, snap)
	}

	status, body = ts.get(t, "alice", base+"/operations?since=0")
	var ops []service.OpCommittedPayload
	json.Unmarshal(body.Data, &ops)
	if status != http.StatusOK || len(ops) != 1 {
		t.Errorf("GET operations = %d %+v", status, ops)
	}

	status, body = ts.get(t, "alice", base+"/metrics")
	var m domain.SessionMetrics
	json.Unmarshal(body.Data, &m)
	if status != http.StatusOK || m.TotalOperations != 1 {
		t.Errorf("GET metrics = %d %+v", status, m)
	}

	for _, path := range []string{"/conflicts", "/comments", "/presence"} {
		if status, _ := ts.get(t, "alice", base+path); status != http.StatusOK {
			t.Errorf("GET %s = %d", path, status)
		}
	}

	tests := []struct {
		name   string
		userID string
		path   string
		status int
		kind   string
	}{
		{"no token", "", base, http.StatusUnauthorized, ""},
		{"not a participant", "mallory", base, http.StatusForbidden, "NotJoined"},
		{"unknown session", "alice", "/api/v1/sessions/nope", http.StatusNotFound, "SessionNotFound"},
		{"negative since", "alice", base + "/operations?since=-1", http.StatusBadRequest, "InvalidMessage"},
		{"future since", "alice", base + "/operations?since=9", http.StatusUnprocessableEntity, "InvalidRange"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := ts.get(t, tt.userID, tt.path)
			if status != tt.status || body.ErrorKind != tt.kind {
				t.Errorf("status = %d kind = %q, want %d %q", status, body.ErrorKind, tt.status, tt.kind)
			}
		})
	}
}
