package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"sync"
	"testing"

	"crewline/internal/config"
	"crewline/internal/db"
	"crewline/internal/domain"
	"crewline/internal/engine"
	"crewline/internal/gate"
	"crewline/internal/mail"
	"crewline/internal/migrate"
)

const (
	testProject = "crewline"
	testSecret  = "test-secret"
)

type testServer struct {
	URL    string
	Engine engine.Engine
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
	cfg := config.Default(testProject)
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, cfg)
	if _, err := e.InitProject(context.Background(), cfg.Project.ID, "", "tester"); err != nil {
		t.Fatalf("init project: %v", err)
	}
	handler, err := New(Config{Engine: e, BasePath: "/v0", Auth: AuthConfig{JWTSecret: testSecret, AllowActorHeader: true}})
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
		Engine: e,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

var asPM = map[string]string{"X-Actor-Id": "pm"}

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

func decode(t *testing.T, data []byte, v any) {
	t.Helper()
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("decode %s: %v", string(data), err)
	}
}

func expectStatus(t *testing.T, res *http.Response, body []byte, want int) {
	t.Helper()
	if res.StatusCode != want {
		t.Fatalf("status %d, want %d: %s", res.StatusCode, want, string(body))
	}
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var env struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	decode(t, data, &env)
	return env.Error.Code
}

func (s *testServer) approve(t *testing.T, spec string) {
	t.Helper()
	base := s.URL + "/v0/projects/" + testProject + "/gate"
	steps := []struct {
		path string
		body map[string]any
	}{
		{"/goal", map[string]any{"goal": "add login page", "tier": "standard"}},
		{"/phase", map[string]any{"phase": "debate"}},
		{"/phase", map[string]any{"phase": "spec"}},
		{"/approve", map[string]any{"spec": spec}},
		{"/phase", map[string]any{"phase": "approve"}},
		{"/phase", map[string]any{"phase": "implement"}},
	}
	for _, step := range steps {
		res, data := doJSON(t, s.Client(), http.MethodPost, base+step.path, step.body, asPM)
		expectStatus(t, res, data, http.StatusOK)
		var d DecisionResponse
		decode(t, data, &d)
		if d.Decision != "allow" {
			t.Fatalf("%s %v blocked: %s", step.path, step.body, d.Reason)
		}
	}
}

func TestHealthSkipsAuth(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	expectStatus(t, res, data, http.StatusOK)
}

func TestRequestsRequireAuth(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	url := srv.URL + "/v0/projects/" + testProject + "/gate"

	res, data := doJSON(t, srv.Client(), http.MethodGet, url, nil, nil)
	expectStatus(t, res, data, http.StatusUnauthorized)
	if code := errorCode(t, data); code != "unauthorized" {
		t.Fatalf("code = %q", code)
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, url, nil, map[string]string{"Authorization": "Bearer nope"})
	expectStatus(t, res, data, http.StatusUnauthorized)
	if code := errorCode(t, data); code != "invalid_credentials" {
		t.Fatalf("code = %q", code)
	}

	token, err := SignToken(testSecret, "qa-1", []string{"qa"}, 0)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	res, data = doJSON(t, srv.Client(), http.MethodGet, url, nil, map[string]string{"Authorization": "Bearer " + token})
	expectStatus(t, res, data, http.StatusOK)

	forged, err := SignToken("other-secret", "qa-1", nil, 0)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	res, data = doJSON(t, srv.Client(), http.MethodGet, url, nil, map[string]string{"Authorization": "Bearer " + forged})
	expectStatus(t, res, data, http.StatusUnauthorized)
}

func TestSignTokenRejectsUnknownRole(t *testing.T) {
	if _, err := SignToken(testSecret, "x", []string{"janitor"}, 0); err == nil {
		t.Fatalf("expected unknown role error")
	}
	if _, err := SignToken("", "x", nil, 0); err == nil {
		t.Fatalf("expected missing secret error")
	}
	token, err := SignToken(testSecret, "alice", []string{RoleHuman, "pm"}, 0)
	if err != nil {
		t.Fatalf("sign operator token: %v", err)
	}
	p, err := authenticateJWT(token, testSecret)
	if err != nil || !p.Human || !p.operator() || len(p.Roles) != 1 || p.Roles[0] != domain.RolePM {
		t.Fatalf("operator principal: %+v %v", p, err)
	}
}

func bearer(t *testing.T, actor string, roles ...string) map[string]string {
	t.Helper()
	token, err := SignToken(testSecret, actor, roles, 0)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return map[string]string{"Authorization": "Bearer " + token}
}

func TestTokenRolesAreEnforced(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	base := srv.URL + "/v0/projects/" + testProject
	dev := bearer(t, "dev-1", "dev")
	qa := bearer(t, "qa-1", "qa")
	pm := bearer(t, "pm-1", "pm")
	human := bearer(t, "alice", RoleHuman)

	res, data := doJSON(t, srv.Client(), http.MethodPost, base+"/gate/goal", map[string]any{"goal": "add login page", "tier": "standard"}, dev)
	expectStatus(t, res, data, http.StatusForbidden)
	if code := errorCode(t, data); code != "forbidden" {
		t.Fatalf("code = %q", code)
	}
	res, data = doJSON(t, srv.Client(), http.MethodPost, base+"/gate/goal", map[string]any{"goal": "add login page", "tier": "standard"}, pm)
	expectStatus(t, res, data, http.StatusOK)
	for _, phase := range []string{"debate", "spec"} {
		res, data = doJSON(t, srv.Client(), http.MethodPost, base+"/gate/phase", map[string]any{"phase": phase}, pm)
		expectStatus(t, res, data, http.StatusOK)
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, base+"/gate/approve", map[string]any{"spec": "login"}, pm)
	expectStatus(t, res, data, http.StatusForbidden)
	res, data = doJSON(t, srv.Client(), http.MethodPost, base+"/gate/approve", map[string]any{"spec": "login"}, human)
	expectStatus(t, res, data, http.StatusOK)
	var d DecisionResponse
	decode(t, data, &d)
	if d.Decision != "allow" {
		t.Fatalf("human approval blocked: %s", d.Reason)
	}
	for _, phase := range []string{"approve", "implement"} {
		res, data = doJSON(t, srv.Client(), http.MethodPost, base+"/gate/phase", map[string]any{"phase": phase}, pm)
		expectStatus(t, res, data, http.StatusOK)
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, base+"/orchestrations", map[string]any{
		"spec_name": "login",
		"tasks":     []map[string]any{{"id": "api", "agent_role": "dev"}},
	}, pm)
	expectStatus(t, res, data, http.StatusCreated)
	var orch struct {
		ID string `json:"id"`
	}
	decode(t, data, &orch)
	orchURL := base + "/orchestrations/" + orch.ID

	res, data = doJSON(t, srv.Client(), http.MethodGet, orchURL+"/tasks/api/context?role=qa", nil, dev)
	expectStatus(t, res, data, http.StatusForbidden)
	res, data = doJSON(t, srv.Client(), http.MethodGet, orchURL+"/tasks/api/context?role=dev", nil, dev)
	expectStatus(t, res, data, http.StatusOK)

	res, data = doJSON(t, srv.Client(), http.MethodPost, orchURL+"/tasks/api/start", nil, dev)
	expectStatus(t, res, data, http.StatusOK)

	raw := `{"agent":"qa","task_id":"api","status":"DONE"}`
	res, data = doJSON(t, srv.Client(), http.MethodPost, orchURL+"/tasks/api/report", map[string]any{"raw": raw}, qa)
	expectStatus(t, res, data, http.StatusForbidden)
	raw = `{"agent":"dev","task_id":"api","status":"DONE"}`
	res, data = doJSON(t, srv.Client(), http.MethodPost, orchURL+"/tasks/api/report", map[string]any{"raw": raw}, dev)
	expectStatus(t, res, data, http.StatusOK)
	res, data = doJSON(t, srv.Client(), http.MethodPost, orchURL+"/tasks/missing/report", map[string]any{"raw": raw}, dev)
	expectStatus(t, res, data, http.StatusNotFound)

	res, data = doJSON(t, srv.Client(), http.MethodPost, base+"/hitl/resolve", map[string]any{"orchestration_id": orch.ID, "resolution": "go on"}, pm)
	expectStatus(t, res, data, http.StatusForbidden)
}

func TestBugCycleOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	srv.approve(t, "login")
	base := srv.URL + "/v0/projects/" + testProject
	dev := bearer(t, "dev-1", "dev")
	qa := bearer(t, "qa-1", "qa")

	res, data := doJSON(t, srv.Client(), http.MethodPost, base+"/orchestrations", map[string]any{
		"spec_name": "login",
		"tasks":     []map[string]any{{"id": "api", "agent_role": "dev"}},
	}, asPM)
	expectStatus(t, res, data, http.StatusCreated)
	var orch struct {
		ID string `json:"id"`
	}
	decode(t, data, &orch)

	filing := map[string]any{"orchestration_id": orch.ID, "task_id": "api", "title": "empty password accepted", "found_by": "qa-1", "severity": "high"}
	res, data = doJSON(t, srv.Client(), http.MethodPost, base+"/bugs", filing, dev)
	expectStatus(t, res, data, http.StatusForbidden)
	res, data = doJSON(t, srv.Client(), http.MethodPost, base+"/bugs", filing, qa)
	expectStatus(t, res, data, http.StatusCreated)
	var b domain.Bug
	decode(t, data, &b)
	if b.Severity != domain.SeverityHigh || b.Status != domain.BugOpen {
		t.Fatalf("filed bug: %+v", b)
	}
	bugURL := base + "/bugs/" + b.ID

	res, data = doJSON(t, srv.Client(), http.MethodPost, bugURL+"/start", map[string]any{}, qa)
	expectStatus(t, res, data, http.StatusForbidden)
	steps := []struct {
		action string
		body   map[string]any
		as     map[string]string
		want   domain.BugStatus
	}{
		{"start", map[string]any{"assignee": "dev-1"}, dev, domain.BugFixing},
		{"fix", map[string]any{"summary": "reject empty passwords"}, dev, domain.BugVerifying},
		{"verify", map[string]any{"passed": true}, qa, domain.BugClosed},
	}
	for _, step := range steps {
		res, data = doJSON(t, srv.Client(), http.MethodPost, bugURL+"/"+step.action, step.body, step.as)
		expectStatus(t, res, data, http.StatusOK)
		decode(t, data, &b)
		if b.Status != step.want {
			t.Fatalf("%s: status %s, want %s", step.action, b.Status, step.want)
		}
	}
	if b.Severity != domain.SeverityHigh {
		t.Fatalf("severity changed to %s", b.Severity)
	}
}

func TestGateCheck(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	url := srv.URL + "/v0/projects/" + testProject + "/gate/check"

	check := func(body map[string]any) gate.HookResult {
		t.Helper()
		res, data := doJSON(t, srv.Client(), http.MethodPost, url, body, asPM)
		expectStatus(t, res, data, http.StatusOK)
		var out gate.HookResult
		decode(t, data, &out)
		return out
	}

	if got := check(map[string]any{"tool_name": "Read", "target": "src/login.go"}); got.Decision != "allow" {
		t.Fatalf("read should pass: %+v", got)
	}
	got := check(map[string]any{"tool_name": "Write", "tool_input": map[string]any{"file_path": "src/login.go"}})
	if got.Decision != "block" || got.Gate != "goal" {
		t.Fatalf("write without goal: %+v", got)
	}

	srv.approve(t, "login")
	if got := check(map[string]any{"tool_name": "Edit", "target": "src/login.go"}); got.Decision != "allow" {
		t.Fatalf("write in implement phase: %+v", got)
	}

	res, data := doJSON(t, srv.Client(), http.MethodPost, url, map[string]any{"target": "x"}, asPM)
	expectStatus(t, res, data, http.StatusBadRequest)
}

func TestOrchestrationRequiresApprovedSpec(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/projects/"+testProject+"/orchestrations", map[string]any{
		"spec_name": "login",
		"tasks":     []map[string]any{{"id": "t1", "agent_role": "dev"}},
	}, asPM)
	expectStatus(t, res, data, http.StatusForbidden)
	if code := errorCode(t, data); code != "gate_blocked" {
		t.Fatalf("code = %q", code)
	}
}

func TestOrchestrationFlow(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	srv.approve(t, "login")
	base := srv.URL + "/v0/projects/" + testProject

	res, data := doJSON(t, srv.Client(), http.MethodPost, base+"/orchestrations", map[string]any{
		"spec_name": "login",
		"tasks": []map[string]any{
			{"id": "api", "agent_role": "dev"},
			{"id": "ui", "agent_role": "dev", "dependencies": []string{"api"}},
		},
	}, asPM)
	expectStatus(t, res, data, http.StatusCreated)
	var orch struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	decode(t, data, &orch)
	if orch.ID == "" || orch.Status != "active" {
		t.Fatalf("unexpected orchestration: %s", string(data))
	}
	orchURL := base + "/orchestrations/" + orch.ID

	res, data = doJSON(t, srv.Client(), http.MethodPost, base+"/orchestrations", map[string]any{
		"spec_name": "login",
		"tasks":     []map[string]any{{"id": "a", "agent_role": "dev"}, {"id": "a", "agent_role": "dev"}},
	}, asPM)
	expectStatus(t, res, data, http.StatusBadRequest)
	if code := errorCode(t, data); code != "invalid_graph" {
		t.Fatalf("code = %q", code)
	}

	for _, want := range []string{"api", "ui"} {
		res, data = doJSON(t, srv.Client(), http.MethodPost, orchURL+"/waves/next", nil, asPM)
		expectStatus(t, res, data, http.StatusOK)
		var wave engine.Wave
		decode(t, data, &wave)
		if len(wave.Tasks) != 1 || wave.Tasks[0].ID != want {
			t.Fatalf("wave tasks = %+v, want %s", wave.Tasks, want)
		}
		res, data = doJSON(t, srv.Client(), http.MethodPost, orchURL+"/tasks/"+want+"/start", nil, asPM)
		expectStatus(t, res, data, http.StatusOK)

		raw := "Done.\n```json\n{\"agent\":\"dev\",\"task_id\":\"" + want + "\",\"status\":\"DONE\"}\n```\n"
		res, data = doJSON(t, srv.Client(), http.MethodPost, orchURL+"/tasks/"+want+"/report", map[string]any{"raw": raw}, asPM)
		expectStatus(t, res, data, http.StatusOK)
		var rr engine.ReportResult
		decode(t, data, &rr)
		if !rr.Accepted {
			t.Fatalf("report rejected: %s", string(data))
		}
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, orchURL, nil, asPM)
	expectStatus(t, res, data, http.StatusOK)
	decode(t, data, &orch)
	if orch.Status != "complete" {
		t.Fatalf("status = %q", orch.Status)
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, orchURL+"/waves/next", nil, asPM)
	expectStatus(t, res, data, http.StatusOK)
	var final engine.Wave
	decode(t, data, &final)
	if !final.Done {
		t.Fatalf("expected done wave: %s", string(data))
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, base+"/events?limit=200", nil, asPM)
	expectStatus(t, res, data, http.StatusOK)
	var page paginatedEvents
	decode(t, data, &page)
	seen := map[string]bool{}
	for _, e := range page.Items {
		seen[e.Type] = true
	}
	for _, typ := range []string{"orchestration.started", "task.completed", "orchestration.completed"} {
		if !seen[typ] {
			t.Fatalf("missing event %s", typ)
		}
	}
}

func TestMalformedReportIsAnAnswer(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	srv.approve(t, "login")
	base := srv.URL + "/v0/projects/" + testProject
	res, data := doJSON(t, srv.Client(), http.MethodPost, base+"/orchestrations", map[string]any{
		"spec_name": "login",
		"tasks":     []map[string]any{{"id": "t1", "agent_role": "dev"}},
	}, asPM)
	expectStatus(t, res, data, http.StatusCreated)
	var orch struct {
		ID string `json:"id"`
	}
	decode(t, data, &orch)

	res, data = doJSON(t, srv.Client(), http.MethodPost, base+"/orchestrations/"+orch.ID+"/tasks/t1/report", map[string]any{"raw": "I think it went fine"}, asPM)
	expectStatus(t, res, data, http.StatusOK)
	var rr engine.ReportResult
	decode(t, data, &rr)
	if rr.Accepted || rr.Hint == "" {
		t.Fatalf("expected rejection with hint: %s", string(data))
	}
}

func TestUnknownOrchestrationIsNotFound(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/projects/"+testProject+"/orchestrations/missing", nil, asPM)
	expectStatus(t, res, data, http.StatusNotFound)
	if code := errorCode(t, data); code != "not_found" {
		t.Fatalf("code = %q", code)
	}
}

func TestMailRoundTrip(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	base := srv.URL + "/v0/projects/" + testProject + "/mail"

	res, data := doJSON(t, srv.Client(), http.MethodPost, base+"/threads", map[string]any{"type": "decision", "subject": "db choice"}, asPM)
	expectStatus(t, res, data, http.StatusCreated)
	var thread struct {
		ID string `json:"id"`
	}
	decode(t, data, &thread)

	res, data = doJSON(t, srv.Client(), http.MethodPost, base+"/messages", map[string]any{
		"thread_id":  thread.ID,
		"from":       "architect",
		"to":         "dev",
		"body":       "use sqlite",
		"importance": "high",
	}, asPM)
	expectStatus(t, res, data, http.StatusCreated)
	var msg struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	decode(t, data, &msg)
	if msg.Status != "unread" {
		t.Fatalf("status = %q", msg.Status)
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, base+"/inbox?agent=dev", nil, asPM)
	expectStatus(t, res, data, http.StatusOK)
	var inbox []struct {
		ID string `json:"id"`
	}
	decode(t, data, &inbox)
	if len(inbox) != 1 || inbox[0].ID != msg.ID {
		t.Fatalf("inbox = %s", string(data))
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, base+"/messages/"+msg.ID+"/status", map[string]any{"status": "acknowledged"}, asPM)
	expectStatus(t, res, data, http.StatusOK)
	decode(t, data, &msg)
	if msg.Status != "acknowledged" {
		t.Fatalf("status = %q", msg.Status)
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, base+"/inbox?agent=dev&status=unread", nil, asPM)
	expectStatus(t, res, data, http.StatusOK)
	decode(t, data, &inbox)
	if len(inbox) != 0 {
		t.Fatalf("unread inbox = %s", string(data))
	}
}

func TestResolveHITLWithoutEscalation(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/projects/"+testProject+"/hitl/resolve", map[string]any{"resolution": "go ahead"}, asPM)
	expectStatus(t, res, data, http.StatusConflict)
	if code := errorCode(t, data); code != "invariant_violation" {
		t.Fatalf("code = %q", code)
	}
}

func TestWebhookDeliversMatchingEvents(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	var mu sync.Mutex
	var got []webhookEvent
	var secrets []string
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	hookSrv := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var evt webhookEvent
		_ = json.NewDecoder(r.Body).Decode(&evt)
		mu.Lock()
		got = append(got, evt)
		secrets = append(secrets, r.Header.Get("X-Crewline-Secret"))
		mu.Unlock()
	})}
	go hookSrv.Serve(ln)
	defer hookSrv.Shutdown(context.Background())

	cfg := config.Default(testProject)
	cfg.Webhooks = []config.WebhookConfig{{URL: "http://" + ln.Addr().String(), Events: []string{"gate."}, Secret: "s3"}}
	d := newWebhookDispatcher(srv.Engine.Repo, cfg, nil)
	if d == nil {
		t.Fatalf("expected dispatcher")
	}
	ctx := context.Background()
	// first pass pins the cursor at the current end of the log
	d.dispatchAll(ctx)

	srv.approve(t, "login")
	if _, err := srv.Engine.Mail().CreateThread(ctx, mail.ThreadOptions{ProjectID: testProject, Type: domain.ThreadDecision, Subject: "noise"}); err != nil {
		t.Fatalf("create thread: %v", err)
	}
	d.dispatchAll(ctx)

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 6 {
		t.Fatalf("delivered %d events, want 6: %+v", len(got), got)
	}
	for i, evt := range got {
		if evt.ProjectID != testProject || len(evt.Type) < 5 || evt.Type[:5] != "gate." {
			t.Fatalf("unexpected event %+v", evt)
		}
		if secrets[i] != "s3" {
			t.Fatalf("secret header = %q", secrets[i])
		}
	}
}

func TestEventFilter(t *testing.T) {
	f := newEventFilter([]string{"hitl.", "bug.filed"})
	for evt, want := range map[string]bool{
		"hitl.escalated": true,
		"hitl.resolved":  true,
		"bug.filed":      true,
		"bug.reopened":   false,
		"task.completed": false,
	} {
		if got := f.match(evt); got != want {
			t.Fatalf("match(%q) = %v, want %v", evt, got, want)
		}
	}
	if !newEventFilter(nil).match("anything") {
		t.Fatalf("empty filter should match all")
	}
}
