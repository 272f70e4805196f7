package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"regexp"
	"testing"
	"time"

	"whisperim/internal/app"
	"whisperim/internal/delivery"
	"whisperim/internal/presence"
	"whisperim/internal/realtime"
	"whisperim/internal/token"
	"whisperim/pkg/domain"
	"whisperim/pkg/store"
)

type testEnv struct {
	handler  http.Handler
	verifier *token.Verifier
	store    *store.MemoryStore
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	st := store.NewMemoryStore()
	for _, u := range []domain.User{
		{ID: "alice", Username: "alice", Status: domain.StatusActive},
		{ID: "bob", Username: "bob", Status: domain.StatusActive},
		{ID: "sue", Username: "sue", Status: domain.StatusSuspended},
	} {
		if err := st.SaveUser(u); err != nil {
			t.Fatalf("seed user %s: %v", u.ID, err)
		}
	}

	directory := app.NewStoreDirectory(st)
	verifier, err := token.NewVerifier("test-secret", token.DefaultLeeway)
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	coordinator := delivery.NewCoordinator(presence.NewMemoryRegistry(), realtime.NewHub(), nil, directory)
	srv := New(Config{
		App:           app.New(st, directory),
		Directory:     directory,
		Coordinator:   coordinator,
		TokenVerifier: verifier,
	})
	return &testEnv{handler: srv.Router(), verifier: verifier, store: st}
}

func (e *testEnv) request(t *testing.T, method, path, userID string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if userID != "" {
		raw, err := e.verifier.Sign(userID, userID, time.Minute)
		if err != nil {
			t.Fatalf("sign token: %v", err)
		}
		req.Header.Set("Authorization", "Bearer "+raw)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) (bool, map[string]any, string) {
	t.Helper()
	var env struct {
		Success bool            `json:"success"`
		Data    json.RawMessage `json:"data"`
		Message string          `json:"message"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode envelope: %v (body %q)", err, rec.Body.String())
	}
	data := map[string]any{}
	if len(env.Data) > 0 {
		_ = json.Unmarshal(env.Data, &data)
	}
	return env.Success, data, env.Message
}

func (e *testEnv) initiate(t *testing.T, from, to, content string) string {
	t.Helper()
	rec := e.request(t, http.MethodPost, "/api/v1/conversations/initiate/"+to, from, map[string]string{"content": content})
	if rec.Code != http.StatusCreated {
		t.Fatalf("initiate status = %d, body %s", rec.Code, rec.Body.String())
	}
	_, data, _ := decodeEnvelope(t, rec)
	id, _ := data["id"].(string)
	if id == "" {
		t.Fatalf("initiate response missing conversation id: %v", data)
	}
	return id
}

func TestHealthEndpointIsPublic(t *testing.T) {
	e := newTestEnv(t)
	rec := e.request(t, http.MethodGet, "/healthz", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz status = %d", rec.Code)
	}
}

func TestAuthRequired(t *testing.T) {
	e := newTestEnv(t)

	if rec := e.request(t, http.MethodGet, "/api/v1/conversations", "", nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("missing token status = %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/conversations", nil)
	req.Header.Set("Authorization", "Bearer bogus")
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("bogus token status = %d", rec.Code)
	}

	if rec := e.request(t, http.MethodGet, "/api/v1/conversations", "sue", nil); rec.Code != http.StatusForbidden {
		t.Fatalf("suspended account status = %d", rec.Code)
	}

	// A valid token for a deleted account is rejected too.
	if rec := e.request(t, http.MethodGet, "/api/v1/conversations", "ghost", nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("unknown account status = %d", rec.Code)
	}
}

func TestInitiateConversation(t *testing.T) {
	e := newTestEnv(t)
	rec := e.request(t, http.MethodPost, "/api/v1/conversations/initiate/bob", "alice", map[string]string{"content": "hello"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	success, data, msg := decodeEnvelope(t, rec)
	if !success {
		t.Fatal("success = false")
	}
	if msg == "" {
		t.Fatal("success envelope carries no message")
	}
	handle, _ := data["initiatorUsername"].(string)
	if !regexp.MustCompile(`^Whisp_[A-Za-z]{8}$`).MatchString(handle) {
		t.Fatalf("initiatorUsername = %q", handle)
	}
	counterpart, _ := data["counterpart"].(map[string]any)
	if counterpart["username"] != "bob" {
		t.Fatalf("counterpart = %v", counterpart)
	}

	// Same pair again conflicts.
	rec = e.request(t, http.MethodPost, "/api/v1/conversations/initiate/bob", "alice", map[string]string{"content": "again"})
	if rec.Code != http.StatusConflict {
		t.Fatalf("duplicate status = %d", rec.Code)
	}
}

func TestInitiateRejections(t *testing.T) {
	e := newTestEnv(t)
	cases := []struct {
		name    string
		to      string
		content string
		status  int
	}{
		{"unknown recipient", "nobody", "hi", http.StatusNotFound},
		{"self", "alice", "hi", http.StatusBadRequest},
		{"blank content", "bob", " ", http.StatusBadRequest},
	}
	for _, tc := range cases {
		rec := e.request(t, http.MethodPost, "/api/v1/conversations/initiate/"+tc.to, "alice", map[string]string{"content": tc.content})
		if rec.Code != tc.status {
			t.Fatalf("%s: status = %d, want %d (body %s)", tc.name, rec.Code, tc.status, rec.Body.String())
		}
	}
}

func TestRouteVerbs(t *testing.T) {
	e := newTestEnv(t)
	convID := e.initiate(t, "alice", "bob", "hello")

	cases := []struct {
		name   string
		method string
		path   string
	}{
		{"post conversations collection", http.MethodPost, "/api/v1/conversations"},
		{"post block", http.MethodPost, "/api/v1/conversations/" + convID + "/block"},
		{"post messages collection", http.MethodPost, "/api/v1/conversations/" + convID + "/messages"},
		{"get send", http.MethodGet, "/api/v1/conversations/" + convID + "/messages/send"},
		{"get initiate", http.MethodGet, "/api/v1/conversations/initiate/bob"},
	}
	for _, tc := range cases {
		rec := e.request(t, tc.method, tc.path, "alice", map[string]string{"content": "x"})
		if rec.Code != http.StatusMethodNotAllowed {
			t.Fatalf("%s: status = %d, want 405", tc.name, rec.Code)
		}
	}
}

func TestSendAndListMessages(t *testing.T) {
	e := newTestEnv(t)
	convID := e.initiate(t, "alice", "bob", "hello")

	rec := e.request(t, http.MethodPost, "/api/v1/conversations/"+convID+"/messages/send", "bob", map[string]string{"content": "hi back"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("send status = %d, body %s", rec.Code, rec.Body.String())
	}
	if _, _, msg := decodeEnvelope(t, rec); msg != "message sent" {
		t.Fatalf("send message = %q", msg)
	}

	rec = e.request(t, http.MethodGet, "/api/v1/conversations/"+convID+"/messages", "alice", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d", rec.Code)
	}
	_, data, _ := decodeEnvelope(t, rec)
	msgs, _ := data["messages"].([]any)
	if len(msgs) != 2 {
		t.Fatalf("messages = %d, want 2", len(msgs))
	}

	if rec := e.request(t, http.MethodPost, "/api/v1/conversations/"+convID+"/messages/send", "bob", map[string]string{"content": " "}); rec.Code != http.StatusBadRequest {
		t.Fatalf("blank send status = %d", rec.Code)
	}
	if rec := e.request(t, http.MethodGet, "/api/v1/conversations/"+convID+"/messages?before=yesterday", "alice", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad cursor status = %d", rec.Code)
	}
	// A suspended account is rejected before any conversation access.
	if rec := e.request(t, http.MethodGet, "/api/v1/conversations/"+convID+"/messages", "sue", nil); rec.Code != http.StatusForbidden {
		t.Fatalf("suspended account status = %d", rec.Code)
	}
}

func TestSendToDetachedCounterpart(t *testing.T) {
	e := newTestEnv(t)
	convID := e.initiate(t, "alice", "bob", "hello")

	if err := e.store.DetachUser("bob"); err != nil {
		t.Fatalf("detach bob: %v", err)
	}
	rec := e.request(t, http.MethodPost, "/api/v1/conversations/"+convID+"/messages/send", "alice", map[string]string{"content": "anyone there?"})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("send to detached status = %d, want 403 (body %s)", rec.Code, rec.Body.String())
	}
	_, _, msg := decodeEnvelope(t, rec)
	if msg != "this person is unavailable" {
		t.Fatalf("send to detached message = %q", msg)
	}
}

func TestBlockEndpoint(t *testing.T) {
	e := newTestEnv(t)
	convID := e.initiate(t, "alice", "bob", "hello")

	rec := e.request(t, http.MethodPatch, "/api/v1/conversations/"+convID+"/block", "bob", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("block status = %d, body %s", rec.Code, rec.Body.String())
	}
	_, data, _ := decodeEnvelope(t, rec)
	if data["blockedByRecipient"] != true {
		t.Fatalf("block response = %v", data)
	}

	rec = e.request(t, http.MethodPost, "/api/v1/conversations/"+convID+"/messages/send", "alice", map[string]string{"content": "hello?"})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("blocked send status = %d", rec.Code)
	}
	_, _, msg := decodeEnvelope(t, rec)
	if msg != "cannot send messages in this conversation" {
		t.Fatalf("blocked send message = %q", msg)
	}

	rec = e.request(t, http.MethodPatch, "/api/v1/conversations/"+convID+"/unblock", "bob", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("unblock status = %d", rec.Code)
	}
	if rec := e.request(t, http.MethodPost, "/api/v1/conversations/"+convID+"/messages/send", "alice", map[string]string{"content": "hello again"}); rec.Code != http.StatusCreated {
		t.Fatalf("send after unblock status = %d", rec.Code)
	}
}

func TestEditAndMarkRead(t *testing.T) {
	e := newTestEnv(t)
	convID := e.initiate(t, "alice", "bob", "helo")

	rec := e.request(t, http.MethodGet, "/api/v1/conversations/"+convID+"/messages?preview=true", "bob", nil)
	_, data, _ := decodeEnvelope(t, rec)
	msgs, _ := data["messages"].([]any)
	first, _ := msgs[0].(map[string]any)
	msgID, _ := first["id"].(string)
	if msgID == "" {
		t.Fatalf("message id missing: %v", first)
	}

	// Only the sender may edit.
	rec = e.request(t, http.MethodPatch, "/api/v1/conversations/"+convID+"/messages/"+msgID, "bob", map[string]string{"content": "hijack"})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("foreign edit status = %d", rec.Code)
	}
	rec = e.request(t, http.MethodPatch, "/api/v1/conversations/"+convID+"/messages/"+msgID, "alice", map[string]string{"content": "hello"})
	if rec.Code != http.StatusOK {
		t.Fatalf("edit status = %d, body %s", rec.Code, rec.Body.String())
	}

	rec = e.request(t, http.MethodPatch, "/api/v1/conversations/"+convID+"/messages/"+msgID+"/read", "bob", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("mark read status = %d, body %s", rec.Code, rec.Body.String())
	}
	_, data, _ = decodeEnvelope(t, rec)
	if data["readAt"] == nil {
		t.Fatalf("mark read response = %v", data)
	}

	// The author cannot mark their own message.
	rec = e.request(t, http.MethodPatch, "/api/v1/conversations/"+convID+"/messages/"+msgID+"/read", "alice", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("own mark read status = %d", rec.Code)
	}
}

func TestListConversations(t *testing.T) {
	e := newTestEnv(t)
	e.initiate(t, "alice", "bob", "hello")

	rec := e.request(t, http.MethodGet, "/api/v1/conversations?first=0&rows=10", "alice", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d", rec.Code)
	}
	_, data, _ := decodeEnvelope(t, rec)
	if data["total"] != float64(1) {
		t.Fatalf("total = %v", data["total"])
	}
	if data["hasMore"] != false {
		t.Fatalf("hasMore = %v", data["hasMore"])
	}
}

func TestSubscriptions(t *testing.T) {
	e := newTestEnv(t)
	body := map[string]any{
		"endpoint": "https://push.example.com/ep",
		"keys":     map[string]string{"p256dh": "p", "auth": "a"},
	}

	rec := e.request(t, http.MethodPost, "/api/v1/subscriptions", "alice", body)
	if rec.Code != http.StatusCreated {
		t.Fatalf("subscribe status = %d, body %s", rec.Code, rec.Body.String())
	}
	rec = e.request(t, http.MethodPost, "/api/v1/subscriptions", "alice", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("duplicate subscribe status = %d", rec.Code)
	}
	if rec := e.request(t, http.MethodPost, "/api/v1/subscriptions", "alice", map[string]any{"endpoint": "x"}); rec.Code != http.StatusBadRequest {
		t.Fatalf("invalid subscription status = %d", rec.Code)
	}
	if rec := e.request(t, http.MethodGet, "/api/v1/subscriptions", "alice", nil); rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("get subscriptions status = %d", rec.Code)
	}
}
