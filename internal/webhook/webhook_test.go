package webhook

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"membria/internal/outcome"
	"membria/internal/store"
	"membria/internal/types"
)

var testNS = types.Namespace{TenantID: "acme", TeamID: "platform", ProjectID: "svc"}

func newTestHandler(t *testing.T, secret string) (*Handler, *store.GraphStore, *outcome.Tracker) {
	t.Helper()
	s, err := store.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	tr := outcome.NewTracker(s, testNS)
	return New(s, tr, testNS, secret), s, tr
}

func seedDecision(t *testing.T, s *store.GraphStore) *types.Decision {
	t.Helper()
	d := &types.Decision{
		Namespace: testNS, Statement: "Use PostgreSQL", Alternatives: []string{"pg", "mysql"},
		Confidence: 0.8, Domain: "database",
	}
	if err := s.AddDecision(d); err != nil {
		t.Fatal(err)
	}
	return d
}

func post(t *testing.T, h *Handler, path, delivery string, payload interface{}, sign string) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	if delivery != "" {
		req.Header.Set("X-GitHub-Delivery", delivery)
	}
	if sign != "" {
		mac := hmac.New(sha256.New, []byte(sign))
		mac.Write(body)
		req.Header.Set("X-Hub-Signature-256", "sha256="+hex.EncodeToString(mac.Sum(nil)))
	}
	w := httptest.NewRecorder()
	h.Mux().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]string {
	t.Helper()
	var out map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("response %q: %v", w.Body.String(), err)
	}
	return out
}

func TestHealth(t *testing.T) {
	h, _, _ := newTestHandler(t, "")
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	h.Mux().ServeHTTP(w, req)
	if w.Code != http.StatusOK || decode(t, w)["status"] != "ok" {
		t.Errorf("health = %d %s", w.Code, w.Body.String())
	}
}

func TestPullRequestOpenedTransitions(t *testing.T) {
	h, s, tr := newTestHandler(t, "")
	d := seedDecision(t, s)

	payload := map[string]interface{}{
		"action": "opened",
		"pull_request": map[string]interface{}{
			"number":   7,
			"title":    "Add pooling",
			"body":     "Implements " + d.ID,
			"html_url": "https://example.com/pr/7",
			"head":     map[string]string{"ref": "feat/pool"},
		},
	}
	w := post(t, h, "/github/pull_request", "dlv-1", payload, "")
	out := decode(t, w)
	if w.Code != http.StatusOK || out["status"] != "processed" {
		t.Fatalf("response = %d %v", w.Code, out)
	}

	o, err := tr.Get(out["outcome_id"])
	if err != nil {
		t.Fatal(err)
	}
	if o.Status != types.OutcomeSubmitted || o.PRNumber != 7 {
		t.Errorf("outcome = %+v", o)
	}
	got, _ := s.GetDecision(testNS, d.ID)
	if got.LinkedPR != "https://example.com/pr/7" {
		t.Errorf("decision PR link = %q", got.LinkedPR)
	}
}

func TestPullRequestRedeliveryIsDuplicate(t *testing.T) {
	h, s, _ := newTestHandler(t, "")
	d := seedDecision(t, s)

	payload := map[string]interface{}{
		"action": "opened",
		"pull_request": map[string]interface{}{
			"number": 7, "title": d.ID, "html_url": "https://example.com/pr/7",
		},
	}
	first := decode(t, post(t, h, "/github/pull_request", "dlv-9", payload, ""))
	second := decode(t, post(t, h, "/github/pull_request", "dlv-9", payload, ""))
	if first["status"] != "processed" || second["status"] != "duplicate" {
		t.Errorf("statuses = %q, %q", first["status"], second["status"])
	}
	if second["outcome_id"] != first["outcome_id"] {
		t.Errorf("duplicate reported a different outcome")
	}
}

func TestPullRequestMergedAndIgnoredActions(t *testing.T) {
	h, s, tr := newTestHandler(t, "")
	d := seedDecision(t, s)

	opened := map[string]interface{}{
		"action": "opened",
		"pull_request": map[string]interface{}{
			"number": 3, "title": d.ID, "html_url": "https://example.com/pr/3",
		},
	}
	post(t, h, "/github/pull_request", "dlv-a", opened, "")

	// Closed without merge is ignored.
	closed := map[string]interface{}{
		"action": "closed",
		"pull_request": map[string]interface{}{
			"number": 3, "title": d.ID, "merged": false,
		},
	}
	if out := decode(t, post(t, h, "/github/pull_request", "dlv-b", closed, "")); out["status"] != "ignored" {
		t.Errorf("unmerged close = %v", out)
	}

	merged := map[string]interface{}{
		"action": "closed",
		"pull_request": map[string]interface{}{
			"number": 3, "title": d.ID, "merged": true,
		},
	}
	out := decode(t, post(t, h, "/github/pull_request", "dlv-c", merged, ""))
	if out["status"] != "processed" {
		t.Fatalf("merged close = %v", out)
	}
	o, _ := tr.Get(out["outcome_id"])
	if o.Status != types.OutcomeMerged {
		t.Errorf("status = %s", o.Status)
	}
}

func TestPushLinksCommit(t *testing.T) {
	h, s, tr := newTestHandler(t, "")
	d := seedDecision(t, s)

	payload := map[string]interface{}{
		"after":      "abc123",
		"repository": map[string]string{"full_name": "acme/svc"},
		"commits": []map[string]string{
			{"id": "def456", "message": "chore: tidy"},
			{"id": "abc123", "message": "feat: pooling (" + d.ID + ")"},
		},
	}
	out := decode(t, post(t, h, "/github/push", "dlv-push", payload, ""))
	if out["status"] != "processed" {
		t.Fatalf("push = %v", out)
	}
	o, _ := tr.Get(out["outcome_id"])
	if o.CommitSHA != "abc123" || o.Repo != "acme/svc" {
		t.Errorf("links = %+v", o)
	}
	got, _ := s.GetDecision(testNS, d.ID)
	if got.LinkedCommit != "abc123" {
		t.Errorf("decision commit link = %q", got.LinkedCommit)
	}
}

func TestWorkflowRunRecordsCISignal(t *testing.T) {
	h, s, tr := newTestHandler(t, "")
	d := seedDecision(t, s)

	payload := map[string]interface{}{
		"action": "completed",
		"workflow_run": map[string]interface{}{
			"conclusion":  "failure",
			"name":        "ci",
			"head_commit": map[string]string{"message": "fix per " + d.ID},
		},
	}
	out := decode(t, post(t, h, "/github/workflow_run", "dlv-wf", payload, ""))
	if out["status"] != "processed" {
		t.Fatalf("workflow_run = %v", out)
	}
	o, _ := tr.Get(out["outcome_id"])
	found := false
	for _, sig := range o.Signals {
		if sig.Type == types.SignalCIFailed {
			found = true
		}
	}
	if !found {
		t.Errorf("signals = %+v", o.Signals)
	}
	// CI failure does not change status.
	if o.Status != types.OutcomePending {
		t.Errorf("status = %s", o.Status)
	}

	// In-progress runs are ignored.
	payload["action"] = "requested"
	if out := decode(t, post(t, h, "/github/workflow_run", "dlv-wf2", payload, "")); out["status"] != "ignored" {
		t.Errorf("requested run = %v", out)
	}
}

func TestCIEventEndpoint(t *testing.T) {
	h, s, tr := newTestHandler(t, "")
	d := seedDecision(t, s)

	payload := ciEvent{EventID: "build-77", DecisionID: d.ID, EventType: "unit-tests", Passed: true}
	out := decode(t, post(t, h, "/ci/event", "", payload, ""))
	if out["status"] != "processed" {
		t.Fatalf("ci event = %v", out)
	}
	o, _ := tr.Get(out["outcome_id"])
	if len(o.Signals) == 0 || o.Signals[0].Type != types.SignalCIPassed {
		t.Errorf("signals = %+v", o.Signals)
	}

	// Missing decision id is ignored rather than erroring.
	bad := ciEvent{EventType: "unit-tests", Passed: true}
	if out := decode(t, post(t, h, "/ci/event", "", bad, "")); out["status"] != "ignored" {
		t.Errorf("no decision = %v", out)
	}
}

func TestUnknownDecisionIgnored(t *testing.T) {
	h, _, _ := newTestHandler(t, "")
	payload := ciEvent{DecisionID: "dec_0123456789ab", EventType: "ci", Passed: true}
	if out := decode(t, post(t, h, "/ci/event", "", payload, "")); out["status"] != "ignored" {
		t.Errorf("unknown decision = %v", out)
	}
}

func TestSignatureVerification(t *testing.T) {
	h, s, _ := newTestHandler(t, "shh")
	d := seedDecision(t, s)

	payload := ciEvent{DecisionID: d.ID, EventType: "ci", Passed: true}

	// Unsigned request is rejected.
	if w := post(t, h, "/ci/event", "", payload, ""); w.Code != http.StatusUnauthorized {
		t.Errorf("unsigned = %d", w.Code)
	}
	// Wrong secret is rejected.
	if w := post(t, h, "/ci/event", "", payload, "wrong"); w.Code != http.StatusUnauthorized {
		t.Errorf("bad signature = %d", w.Code)
	}
	// Correct signature is accepted.
	w := post(t, h, "/ci/event", "", payload, "shh")
	if w.Code != http.StatusOK || decode(t, w)["status"] != "processed" {
		t.Errorf("signed = %d %s", w.Code, w.Body.String())
	}
}

func TestMalformedBodyRejected(t *testing.T) {
	h, _, _ := newTestHandler(t, "")
	req := httptest.NewRequest(http.MethodPost, "/github/push", bytes.NewReader([]byte("{not json")))
	w := httptest.NewRecorder()
	h.Mux().ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("malformed body = %d", w.Code)
	}
}

func TestFailedDeliveryCanBeRedelivered(t *testing.T) {
	h, s, tr := newTestHandler(t, "")
	d := seedDecision(t, s)

	merged := map[string]interface{}{
		"action": "closed",
		"pull_request": map[string]interface{}{
			"number": 5, "title": d.ID, "merged": true,
		},
	}
	// The merge arrives before the PR was ever opened, so the transition
	// fails and the delivery must not enter the ledger.
	if out := decode(t, post(t, h, "/github/pull_request", "dlv-m", merged, "")); out["status"] != "ignored" {
		t.Fatalf("early merge = %v", out)
	}

	opened := map[string]interface{}{
		"action": "opened",
		"pull_request": map[string]interface{}{
			"number": 5, "title": d.ID, "html_url": "https://example.com/pr/5",
		},
	}
	if out := decode(t, post(t, h, "/github/pull_request", "dlv-o", opened, "")); out["status"] != "processed" {
		t.Fatalf("open = %v", out)
	}

	// The provider redelivers the merge with the same delivery id; it must
	// be applied now, not answered as a duplicate.
	out := decode(t, post(t, h, "/github/pull_request", "dlv-m", merged, ""))
	if out["status"] != "processed" {
		t.Fatalf("redelivered merge = %v", out)
	}
	o, _ := tr.Get(out["outcome_id"])
	if o.Status != types.OutcomeMerged {
		t.Errorf("status = %s", o.Status)
	}
}

func TestIllegalTransitionReportedAsIgnored(t *testing.T) {
	h, s, _ := newTestHandler(t, "")
	d := seedDecision(t, s)

	merged := map[string]interface{}{
		"action": "closed",
		"pull_request": map[string]interface{}{
			"number": 5, "title": fmt.Sprintf("merge for %s", d.ID), "merged": true,
		},
	}
	// Merge before any PR was opened is out of order.
	out := decode(t, post(t, h, "/github/pull_request", "dlv-x", merged, ""))
	if out["status"] != "ignored" {
		t.Errorf("out-of-order merge = %v", out)
	}
}
