package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"

	"agora/internal/config"
	"agora/internal/db"
	"agora/internal/engine"
	"agora/internal/migrate"
)

const serverTestSchema = `{
  "id": "budget-vote",
  "version": 1,
  "name": "Budget Vote",
  "phases": [
    {
      "id": "submission",
      "name": "Submission",
      "rules": {
        "proposals": {"submit": true, "edit": true},
        "voting": {},
        "advancement": {"method": "manual"}
      }
    },
    {
      "id": "voting",
      "name": "Voting",
      "rules": {
        "proposals": {"review": true},
        "voting": {"submit": true, "edit": true},
        "advancement": {"method": "manual"}
      },
      "selectionPipeline": {
        "version": 1,
        "blocks": [
          {"type": "sort", "sortBy": [{"field": "voteCount", "order": "desc"}]},
          {"type": "limit", "count": 1}
        ]
      }
    },
    {
      "id": "results",
      "name": "Results",
      "rules": {
        "proposals": {},
        "voting": {},
        "advancement": {"method": "manual"}
      }
    }
  ],
  "transitions": [
    {
      "id": "open-voting",
      "name": "Open voting",
      "from": "submission",
      "to": "voting",
      "rules": {
        "type": "manual",
        "conditions": [
          {"type": "proposalCount", "operator": "greaterThan", "value": 0}
        ]
      }
    },
    {
      "id": "close-voting",
      "name": "Close voting",
      "from": "voting",
      "to": "results",
      "rules": {
        "type": "manual",
        "conditions": []
      }
    }
  ]
}`

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
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("budget-vote")
	e := engine.New(conn, cfg)
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v0",
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
	if _, ok := headers["X-Actor-Id"]; !ok {
		if _, hasAuth := headers["Authorization"]; !hasAuth {
			req.Header.Set("X-Actor-Id", "tester")
		}
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

func decodeBody(t *testing.T, data []byte) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal response: %v: %s", err, string(data))
	}
	return out
}

func createTestProcess(t *testing.T, srv *testServer) string {
	t.Helper()
	var schema map[string]any
	if err := json.Unmarshal([]byte(serverTestSchema), &schema); err != nil {
		t.Fatalf("unmarshal schema: %v", err)
	}
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/processes", map[string]any{
		"name":   "Budget Vote",
		"schema": schema,
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create process status %d: %s", res.StatusCode, string(data))
	}
	process := decodeBody(t, data)
	id, _ := process["id"].(string)
	if id == "" {
		t.Fatalf("process id missing: %s", string(data))
	}
	return id
}

func launchTestInstance(t *testing.T, srv *testServer, processID string) string {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/processes/"+processID+"/instances", map[string]any{
		"name": "Spring round",
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create instance status %d: %s", res.StatusCode, string(data))
	}
	inst := decodeBody(t, data)
	id, _ := inst["id"].(string)
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/instances/"+id+"/launch", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("launch status %d: %s", res.StatusCode, string(data))
	}
	return id
}

func submitTestProposal(t *testing.T, srv *testServer, instanceID, title, actor string) string {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/instances/"+instanceID+"/proposals", map[string]any{
		"title": title,
	}, map[string]string{"X-Actor-Id": actor})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("submit proposal status %d: %s", res.StatusCode, string(data))
	}
	id, _ := decodeBody(t, data)["id"].(string)
	return id
}

func TestInstanceLifecycleOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	processID := createTestProcess(t, srv)
	instanceID := launchTestInstance(t, srv, processID)

	p1 := submitTestProposal(t, srv, instanceID, "Repave the square", "alice")
	p2 := submitTestProposal(t, srv, instanceID, "New benches", "bob")

	// Voting is not open during submission.
	res, data := doJSON(t, client, http.MethodPut, srv.URL+"/v0/proposals/"+p1+"/vote", map[string]any{"weight": 1}, nil)
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 voting closed, got %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/instances/"+instanceID+"/advance", map[string]any{"to": "voting"}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("advance to voting status %d: %s", res.StatusCode, string(data))
	}
	advanced := decodeBody(t, data)
	if advanced["advanced"] != true {
		t.Fatalf("expected advanced=true: %s", string(data))
	}

	res, data = doJSON(t, client, http.MethodPut, srv.URL+"/v0/proposals/"+p2+"/vote", map[string]any{"weight": 2}, map[string]string{"X-Actor-Id": "carol"})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("cast vote status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/instances/"+instanceID+"/check?to=results", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("check status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/instances/"+instanceID+"/advance", map[string]any{"to": "results"}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("advance to results status %d: %s", res.StatusCode, string(data))
	}
	final := decodeBody(t, data)
	if final["pipeline_applied"] != true {
		t.Fatalf("expected pipeline applied: %s", string(data))
	}
	selected, _ := final["selected_ids"].([]any)
	if len(selected) != 1 || selected[0] != p2 {
		t.Fatalf("expected %s selected, got %v", p2, selected)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/instances/"+instanceID+"/proposals?status=dropped", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list dropped status %d: %s", res.StatusCode, string(data))
	}
	var dropped []map[string]any
	if err := json.Unmarshal(data, &dropped); err != nil {
		t.Fatalf("unmarshal dropped: %v", err)
	}
	if len(dropped) != 1 || dropped[0]["id"] != p1 {
		t.Fatalf("expected %s dropped, got %s", p1, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/instances/"+instanceID+"/transitions", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("transitions status %d: %s", res.StatusCode, string(data))
	}
	var history []map[string]any
	if err := json.Unmarshal(data, &history); err != nil {
		t.Fatalf("unmarshal history: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("expected 2 transitions, got %d", len(history))
	}
}

func TestAdvanceBlockedReturnsFailedRules(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	processID := createTestProcess(t, srv)
	instanceID := launchTestInstance(t, srv, processID)

	// No proposals yet, so open-voting must fail its proposalCount rule.
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/instances/"+instanceID+"/advance", map[string]any{"to": "voting"}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("advance status %d: %s", res.StatusCode, string(data))
	}
	body := decodeBody(t, data)
	if body["advanced"] != false {
		t.Fatalf("expected advanced=false: %s", string(data))
	}
	check, _ := body["check"].(map[string]any)
	if check == nil {
		t.Fatalf("expected check report: %s", string(data))
	}
}

func TestRubricEndpoints(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	processID := createTestProcess(t, srv)

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/processes/"+processID+"/rubric/criteria", map[string]any{
		"id":             "impact",
		"criterion_type": "scored",
		"label":          "Impact",
		"max_points":     5,
		"required":       true,
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("add criterion status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/processes/"+processID+"/rubric/criteria", map[string]any{
		"id":             "notes",
		"criterion_type": "long_text",
		"label":          "Notes",
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("add second criterion status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPatch, srv.URL+"/v0/processes/"+processID+"/rubric/criteria/impact", map[string]any{
		"id":             "impact",
		"criterion_type": "scored",
		"score_labels":   []string{"Minimal", "Low", "Medium", "High", "Transformative"},
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("patch criterion status %d: %s", res.StatusCode, string(data))
	}
	body := decodeBody(t, data)
	criteria, _ := body["criteria"].([]any)
	for _, raw := range criteria {
		c, _ := raw.(map[string]any)
		if c["id"] != "impact" {
			continue
		}
		labels, _ := c["score_labels"].([]any)
		if len(labels) != 5 || labels[4] != "Transformative" {
			t.Fatalf("unexpected score labels: %s", string(data))
		}
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/processes/"+processID+"/rubric/reorder", map[string]any{
		"order": []string{"notes", "impact"},
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("reorder status %d: %s", res.StatusCode, string(data))
	}
	body = decodeBody(t, data)
	criteria, _ = body["criteria"].([]any)
	if len(criteria) != 2 {
		t.Fatalf("expected 2 criteria: %s", string(data))
	}
	first, _ := criteria[0].(map[string]any)
	if first["id"] != "notes" {
		t.Fatalf("expected notes first after reorder: %s", string(data))
	}

	res, data = doJSON(t, client, http.MethodDelete, srv.URL+"/v0/processes/"+processID+"/rubric/criteria/notes", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("remove criterion status %d: %s", res.StatusCode, string(data))
	}
	body = decodeBody(t, data)
	criteria, _ = body["criteria"].([]any)
	if len(criteria) != 1 {
		t.Fatalf("expected 1 criterion after removal: %s", string(data))
	}
}

func TestAuthRequired(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/v0/processes", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without credentials, got %d", res.StatusCode)
	}

	loginRes, loginData := doJSON(t, client, http.MethodPost, srv.URL+"/v0/auth/dev/login", map[string]any{
		"actor_id": "alice",
	}, map[string]string{"Authorization": ""})
	if loginRes.StatusCode != http.StatusOK {
		t.Fatalf("dev login status %d: %s", loginRes.StatusCode, string(loginData))
	}
	token, _ := decodeBody(t, loginData)["token"].(string)
	if token == "" {
		t.Fatalf("expected token: %s", string(loginData))
	}

	meRes, meData := doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{
		"Authorization": "Bearer " + token,
	})
	if meRes.StatusCode != http.StatusOK {
		t.Fatalf("me status %d: %s", meRes.StatusCode, string(meData))
	}
	me := decodeBody(t, meData)
	if me["actor_id"] != "alice" || me["source"] != "jwt" {
		t.Fatalf("unexpected principal: %s", string(meData))
	}
}

func TestEventsPagination(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	processID := createTestProcess(t, srv)
	instanceID := launchTestInstance(t, srv, processID)
	submitTestProposal(t, srv, instanceID, "First", "alice")
	submitTestProposal(t, srv, instanceID, "Second", "bob")

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/processes/"+processID+"/events?limit=2", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events status %d: %s", res.StatusCode, string(data))
	}
	page := decodeBody(t, data)
	items, _ := page["items"].([]any)
	if len(items) != 2 {
		t.Fatalf("expected 2 events, got %d: %s", len(items), string(data))
	}
	cursor, _ := page["next_cursor"].(string)
	if cursor == "" {
		t.Fatalf("expected next cursor: %s", string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/processes/"+processID+"/events?limit=50&cursor="+cursor, nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events page 2 status %d: %s", res.StatusCode, string(data))
	}
	page = decodeBody(t, data)
	rest, _ := page["items"].([]any)
	if len(rest) == 0 {
		t.Fatalf("expected remaining events: %s", string(data))
	}
	firstRest, _ := rest[0].(map[string]any)
	firstID, _ := firstRest["id"].(float64)
	if firstID <= 2 {
		t.Fatalf("expected events after cursor, got id %v", firstRest["id"])
	}
}

func TestUnknownInstanceReturns404(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/instances/missing", nil, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", res.StatusCode, string(data))
	}
	body := decodeBody(t, data)
	errObj, _ := body["error"].(map[string]any)
	if errObj == nil || errObj["code"] != "not_found" {
		t.Fatalf("expected not_found envelope: %s", string(data))
	}
}
