package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"

	"eleutherios/internal/config"
	"eleutherios/internal/db"
	"eleutherios/internal/domain"
	"eleutherios/internal/engine"
	"eleutherios/internal/migrate"
	"eleutherios/internal/payments"
)

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	cfg := config.Default("eleutherios")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, cfg)
	e.Payments = &payments.Mock{}
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v0",
		Auth:     AuthConfig{AllowLegacyActorHeader: true},
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
	t.Cleanup(testSrv.Close)
	return testSrv
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

func asAlice() map[string]string { return map[string]string{"X-Actor-Id": "alice"} }

func TestRulePostExpandsForumOverHTTP(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/policies", map[string]any{
		"name": "EmergencyHousing",
	}, asAlice())
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create policy: %d %s", res.StatusCode, string(data))
	}
	var policy domain.Policy
	if err := json.Unmarshal(data, &policy); err != nil {
		t.Fatalf("unmarshal policy: %v", err)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/forums", map[string]any{
		"name":      "Housing coordination",
		"policy_id": policy.ID,
		"services":  []string{"Chat"},
	}, asAlice())
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create forum: %d %s", res.StatusCode, string(data))
	}
	var forum domain.Forum
	if err := json.Unmarshal(data, &forum); err != nil {
		t.Fatalf("unmarshal forum: %v", err)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/forums/"+forum.ID+"/messages", map[string]any{
		"content": `rule AddHealthcare -> Policy("HealthcareAccess", stakeholders=["patient"])`,
	}, asAlice())
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("post rule: %d %s", res.StatusCode, string(data))
	}
	var posted PostMessageResponse
	if err := json.Unmarshal(data, &posted); err != nil {
		t.Fatalf("unmarshal post response: %v", err)
	}
	if posted.Message.Type != "rule" || posted.Execution == nil || posted.Execution.Kind != "policy" {
		t.Fatalf("unexpected post result: %s", string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/forums/"+forum.ID+"/expansion", nil, asAlice())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("expansion history: %d %s", res.StatusCode, string(data))
	}
	var history []domain.ExpansionEvent
	if err := json.Unmarshal(data, &history); err != nil {
		t.Fatalf("unmarshal history: %v", err)
	}
	if len(history) != 1 || len(history[0].NewPolicies) != 1 {
		t.Fatalf("expected one expansion entry: %s", string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/forums/"+forum.ID, nil, asAlice())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get forum: %d %s", res.StatusCode, string(data))
	}
	var refreshed domain.Forum
	_ = json.Unmarshal(data, &refreshed)
	if !refreshed.DynamicallyExpanded || refreshed.Version != 1 {
		t.Fatalf("forum not expanded: %s", string(data))
	}
}

func TestUnauthenticatedRequestRejected(t *testing.T) {
	srv := newTestServer(t)
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/policies", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d %s", res.StatusCode, string(data))
	}
}

func TestHealthNeedsNoAuth(t *testing.T) {
	srv := newTestServer(t)
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health: %d %s", res.StatusCode, string(data))
	}
}

func TestRuleWithoutCapabilityIsForbidden(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/policies", map[string]any{"name": "P"}, asAlice())
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create policy: %d %s", res.StatusCode, string(data))
	}
	var policy domain.Policy
	_ = json.Unmarshal(data, &policy)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/forums", map[string]any{
		"name": "F", "policy_id": policy.ID,
	}, asAlice())
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create forum: %d %s", res.StatusCode, string(data))
	}
	var forum domain.Forum
	_ = json.Unmarshal(data, &forum)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/forums/"+forum.ID+"/participants", map[string]any{
		"user_id": "bob",
	}, asAlice())
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("add participant: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/forums/"+forum.ID+"/messages", map[string]any{
		"content": `rule grab -> Policy("Backdoor")`,
	}, map[string]string{"X-Actor-Id": "bob"})
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d %s", res.StatusCode, string(data))
	}

	// transcript stays empty after the rejected rule
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/forums/"+forum.ID+"/messages", nil, asAlice())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list messages: %d %s", res.StatusCode, string(data))
	}
	var page MessagePage
	_ = json.Unmarshal(data, &page)
	if len(page.Items) != 0 {
		t.Fatalf("expected empty transcript, got %s", string(data))
	}
}

func TestPaymentRuleOverHTTP(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/policies", map[string]any{"name": "P"}, asAlice())
	var policy domain.Policy
	_ = json.Unmarshal(data, &policy)
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/forums", map[string]any{
		"name": "F", "policy_id": policy.ID,
	}, asAlice())
	var forum domain.Forum
	_ = json.Unmarshal(data, &forum)

	// below-minimum amount is rejected with 422 and leaves nothing
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/forums/"+forum.ID+"/rules", map[string]any{
		"rule": `rule pay -> Service("StripePayment", amount: $0.25, payerId=alice, payeeId=bob)`,
	}, asAlice())
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/forums/"+forum.ID+"/rules", map[string]any{
		"rule": `rule pay -> Service("StripePayment", amount: $5.00, payerId=alice, payeeId=bob)`,
	}, asAlice())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("execute rule: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/forums/"+forum.ID+"/payments", nil, asAlice())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list payments: %d %s", res.StatusCode, string(data))
	}
	var intents []domain.PaymentIntent
	_ = json.Unmarshal(data, &intents)
	if len(intents) != 1 || intents[0].Amount != 5.00 {
		t.Fatalf("expected one intent of 5.00: %s", string(data))
	}
}
