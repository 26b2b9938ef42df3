package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"

	"maturion/internal/blob"
	"maturion/internal/config"
	"maturion/internal/db"
	"maturion/internal/domain"
	"maturion/internal/engine"
	"maturion/internal/migrate"
)

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	store, err := blob.NewFSStore(t.TempDir())
	if err != nil {
		t.Fatalf("blob store: %v", err)
	}
	cfg := config.Default("naii-2024", "naii")
	e := engine.New(conn, cfg, store)
	if err := e.Repo.InsertActor(context.Background(), domain.Actor{
		ID:         "admin",
		GlobalRole: "admin",
		CreatedAt:  "2024-01-01T00:00:00Z",
	}); err != nil {
		t.Fatalf("seed admin: %v", err)
	}
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v1",
		Auth: AuthConfig{
			JWTSecret:              "test-secret",
			AllowLegacyActorHeader: true,
		},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if headers == nil {
		req.Header.Set("X-Actor-Id", "admin")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func asActor(id string) map[string]string {
	return map[string]string{"X-Actor-Id": id}
}

func createIndex(t *testing.T, srv *testServer) domain.Index {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/indices", map[string]any{
		"code":     "naii-2024",
		"name_ar":  "مؤشر نضج",
		"type":     "naii",
		"owner_id": "owner",
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create index: %d %s", res.StatusCode, string(data))
	}
	var ix domain.Index
	if err := json.Unmarshal(data, &ix); err != nil {
		t.Fatalf("unmarshal index: %v", err)
	}
	return ix
}

func createRequirement(t *testing.T, srv *testServer, indexID string) domain.Requirement {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/indices/"+indexID+"/requirements", map[string]any{
		"code":        "req-1",
		"question_ar": "هل توجد استراتيجية؟",
	}, asActor("owner"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create requirement: %d %s", res.StatusCode, string(data))
	}
	var rq domain.Requirement
	if err := json.Unmarshal(data, &rq); err != nil {
		t.Fatalf("unmarshal requirement: %v", err)
	}
	return rq
}

func TestEvidenceReviewOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	ix := createIndex(t, srv)
	rq := createRequirement(t, srv, ix.ID)

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/indices/"+ix.ID+"/members", map[string]any{
		"actor_id": "worker",
		"role":     "contributor",
	}, asActor("owner"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("add member: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/evidence", map[string]any{
		"requirement_id": rq.ID,
		"maturity_level": 1,
		"document_name":  "strategy.pdf",
	}, asActor("owner"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create evidence: %d %s", res.StatusCode, string(data))
	}
	var ev EvidenceResponse
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatalf("unmarshal evidence: %v", err)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/evidence/"+ev.ID+"/actions", map[string]any{
		"action":      "assign",
		"assignee_id": "worker",
	}, asActor("owner"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("assign: %d %s", res.StatusCode, string(data))
	}

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/v1/evidence/"+ev.ID+"/versions?filename=strategy.pdf", bytes.NewReader([]byte("file content")))
	if err != nil {
		t.Fatalf("new upload request: %v", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("X-Actor-Id", "worker")
	uploadRes, err := client.Do(req)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	uploadBody, _ := io.ReadAll(uploadRes.Body)
	uploadRes.Body.Close()
	if uploadRes.StatusCode != http.StatusCreated {
		t.Fatalf("upload status %d: %s", uploadRes.StatusCode, string(uploadBody))
	}
	var version domain.EvidenceVersion
	if err := json.Unmarshal(uploadBody, &version); err != nil {
		t.Fatalf("unmarshal version: %v", err)
	}
	if version.VersionNumber != 1 {
		t.Fatalf("expected version 1, got %d", version.VersionNumber)
	}

	for _, step := range []struct {
		action string
		actor  string
	}{
		{"submit", "worker"},
		{"move-to-audit", "owner"},
		{"confirm", "owner"},
	} {
		res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/evidence/"+ev.ID+"/actions", map[string]any{
			"action": step.action,
		}, asActor(step.actor))
		if res.StatusCode != http.StatusOK {
			t.Fatalf("%s: %d %s", step.action, res.StatusCode, string(data))
		}
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/indices/"+ix.ID+"/completion", nil, asActor("owner"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("completion: %d %s", res.StatusCode, string(data))
	}
	var c domain.Completion
	if err := json.Unmarshal(data, &c); err != nil {
		t.Fatalf("unmarshal completion: %v", err)
	}
	if c.Percent != 20 {
		t.Fatalf("expected 20%% completion, got %d", c.Percent)
	}

	// Download the uploaded content back.
	dlReq, _ := http.NewRequest(http.MethodGet, srv.URL+"/v1/evidence/"+ev.ID+"/versions/1/download", nil)
	dlReq.Header.Set("X-Actor-Id", "owner")
	dlRes, err := client.Do(dlReq)
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	defer dlRes.Body.Close()
	content, _ := io.ReadAll(dlRes.Body)
	if dlRes.StatusCode != http.StatusOK {
		t.Fatalf("download status %d: %s", dlRes.StatusCode, string(content))
	}
	if string(content) != "file content" {
		t.Fatalf("downloaded content mismatch: %q", string(content))
	}
}

func TestForbiddenAndConflictEnvelopes(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	ix := createIndex(t, srv)
	rq := createRequirement(t, srv, ix.ID)

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/evidence", map[string]any{
		"requirement_id": rq.ID,
		"maturity_level": 2,
		"document_name":  "doc.pdf",
	}, asActor("owner"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create evidence: %d %s", res.StatusCode, string(data))
	}
	var ev EvidenceResponse
	_ = json.Unmarshal(data, &ev)

	// Outsiders may not transition.
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/evidence/"+ev.ID+"/actions", map[string]any{
		"action":      "assign",
		"assignee_id": "worker",
	}, asActor("stranger"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error envelope: %v", err)
	}
	if envelope.Error.Code != "forbidden" {
		t.Fatalf("expected code forbidden, got %q (%s)", envelope.Error.Code, string(data))
	}

	// A stale expected status loses the race and reports a conflict.
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/evidence/"+ev.ID+"/actions", map[string]any{
		"action":          "assign",
		"assignee_id":     "worker",
		"expected_status": "in_progress",
	}, asActor("owner"))
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d %s", res.StatusCode, string(data))
	}

	// Out-of-order workflow actions are invalid transitions.
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/evidence/"+ev.ID+"/actions", map[string]any{
		"action": "confirm",
	}, asActor("owner"))
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 for invalid transition, got %d %s", res.StatusCode, string(data))
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error envelope: %v", err)
	}
	if envelope.Error.Code != "invalid_transition" {
		t.Fatalf("expected code invalid_transition, got %q", envelope.Error.Code)
	}
}

func TestAuthRequired(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/v1/indices", nil)
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without credentials, got %d", res.StatusCode)
	}

	// Health stays open.
	healthRes, err := client.Get(srv.URL + "/v1/health")
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	healthRes.Body.Close()
	if healthRes.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 health, got %d", healthRes.StatusCode)
	}
}

func TestJWTLoginAndWhoAmI(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/auth/dev/login", map[string]any{
		"actor_id": "jwt-user",
	}, map[string]string{})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dev login: %d %s", res.StatusCode, string(data))
	}
	var login DevLoginResponse
	if err := json.Unmarshal(data, &login); err != nil {
		t.Fatalf("unmarshal login: %v", err)
	}
	if login.Token == "" {
		t.Fatal("expected a token")
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/me", nil, map[string]string{
		"Authorization": "Bearer " + login.Token,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me: %d %s", res.StatusCode, string(data))
	}
	var who WhoAmIResponse
	if err := json.Unmarshal(data, &who); err != nil {
		t.Fatalf("unmarshal whoami: %v", err)
	}
	if who.ActorID != "jwt-user" || who.Source != "jwt" {
		t.Fatalf("unexpected principal: %+v", who)
	}

	// A token signed with another secret is rejected.
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v1/me", nil, map[string]string{
		"Authorization": "Bearer not.a.token",
	})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad token, got %d", res.StatusCode)
	}
}

func TestAPIKeyAuth(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/api-keys", map[string]any{
		"name": "ci",
	}, asActor("admin"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create api key: %d %s", res.StatusCode, string(data))
	}
	var created struct {
		ID  string `json:"id"`
		Key string `json:"key"`
	}
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal key: %v", err)
	}
	if created.Key == "" {
		t.Fatal("expected raw key in response")
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/me", nil, map[string]string{
		"X-Api-Key": created.Key,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me via api key: %d %s", res.StatusCode, string(data))
	}
	var who WhoAmIResponse
	_ = json.Unmarshal(data, &who)
	if who.ActorID != "admin" || who.Source != "api_key" {
		t.Fatalf("unexpected principal: %+v", who)
	}
}

func TestAnswerWorkflowOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/indices", map[string]any{
		"code":     "etari-2024",
		"name_ar":  "مؤشر التزام",
		"type":     "etari",
		"owner_id": "owner",
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create index: %d %s", res.StatusCode, string(data))
	}
	var ix domain.Index
	_ = json.Unmarshal(data, &ix)
	rq := createRequirement(t, srv, ix.ID)

	res, data = doJSON(t, client, http.MethodPut, srv.URL+"/v1/requirements/"+rq.ID+"/answer", map[string]any{
		"answer": "نعم، توجد استراتيجية معتمدة",
	}, asActor("owner"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("save answer: %d %s", res.StatusCode, string(data))
	}

	for _, action := range []string{"submit", "approve", "confirm"} {
		res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/requirements/"+rq.ID+"/answer/actions", map[string]any{
			"action": action,
		}, asActor("owner"))
		if res.StatusCode != http.StatusOK {
			t.Fatalf("%s: %d %s", action, res.StatusCode, string(data))
		}
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/indices/"+ix.ID+"/completion", nil, asActor("owner"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("completion: %d %s", res.StatusCode, string(data))
	}
	var c domain.Completion
	_ = json.Unmarshal(data, &c)
	if c.Percent != 100 || !c.IsComplete {
		t.Fatalf("expected complete index, got %+v", c)
	}
}
