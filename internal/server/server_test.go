package server

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/goleak"

	"membria/internal/calibration"
	"membria/internal/chains"
	"membria/internal/composer"
	"membria/internal/engram"
	"membria/internal/firewall"
	"membria/internal/memory"
	"membria/internal/outcome"
	"membria/internal/pattern"
	"membria/internal/store"
	"membria/internal/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var testNS = types.Namespace{TenantID: "acme", TeamID: "platform", ProjectID: "svc"}

func newTestDeps(t *testing.T) Deps {
	t.Helper()
	s, err := store.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })

	tracker := outcome.NewTracker(s, testNS)
	orch := chains.NewOrchestrator(s, testNS)
	return Deps{
		Store:       s,
		Memory:      memory.NewManager(s, memory.DefaultPolicy(), testNS),
		Tracker:     tracker,
		Calibration: calibration.NewEngine(s, testNS),
		Composer:    composer.New(s, testNS, orch, nil),
		Firewall:    firewall.New(s, testNS, "let-me-through"),
		Patterns:    pattern.NewExtractor(s, testNS, 0),
		Engrams:     engram.New(s, testNS, filepath.Join(t.TempDir(), "engrams"), ""),
		NS:          testNS,
	}
}

// roundTrip runs the server over the given request lines and returns one
// decoded response per line.
func roundTrip(t *testing.T, deps Deps, lines ...string) []rpcResponse {
	t.Helper()
	var out bytes.Buffer
	srv := New(deps, strings.NewReader(strings.Join(lines, "\n")+"\n"), &out)
	if err := srv.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	var responses []rpcResponse
	for _, line := range strings.Split(strings.TrimSpace(out.String()), "\n") {
		var resp rpcResponse
		if err := json.Unmarshal([]byte(line), &resp); err != nil {
			t.Fatalf("response %q: %v", line, err)
		}
		responses = append(responses, resp)
	}
	return responses
}

func callLine(t *testing.T, id int, tool string, args interface{}) string {
	t.Helper()
	argData, err := json.Marshal(args)
	if err != nil {
		t.Fatal(err)
	}
	req := map[string]interface{}{
		"jsonrpc": "2.0", "id": id, "method": "tools/call",
		"params": map[string]interface{}{"name": tool, "arguments": json.RawMessage(argData)},
	}
	data, err := json.Marshal(req)
	if err != nil {
		t.Fatal(err)
	}
	return string(data)
}

// payload unwraps the content envelope of one tools/call response.
func payload(t *testing.T, resp rpcResponse) map[string]interface{} {
	t.Helper()
	if resp.Error != nil {
		t.Fatalf("rpc error: %+v", resp.Error)
	}
	env, ok := resp.Result.(map[string]interface{})
	if !ok {
		t.Fatalf("result = %T", resp.Result)
	}
	content := env["content"].([]interface{})
	text := content[0].(map[string]interface{})["text"].(string)
	var out map[string]interface{}
	if err := json.Unmarshal([]byte(text), &out); err != nil {
		t.Fatalf("payload %q: %v", text, err)
	}
	return out
}

func TestInitializeAndUnknownMethod(t *testing.T) {
	deps := newTestDeps(t)
	resps := roundTrip(t, deps,
		`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`,
		`{"jsonrpc":"2.0","id":2,"method":"shutdown","params":{}}`,
		`not even json`,
	)
	if len(resps) != 3 {
		t.Fatalf("%d responses", len(resps))
	}
	init := resps[0].Result.(map[string]interface{})
	if init["protocolVersion"] == "" {
		t.Errorf("initialize = %v", init)
	}
	caps := init["capabilities"].(map[string]interface{})
	if caps["tools"] != true {
		t.Errorf("capabilities = %v", caps)
	}
	if resps[1].Error == nil || resps[1].Error.Code != codeMethodNotFound {
		t.Errorf("unknown method = %+v", resps[1].Error)
	}
	if resps[2].Error == nil || resps[2].Error.Code != codeParseError {
		t.Errorf("garbage line = %+v", resps[2].Error)
	}
}

func TestToolsList(t *testing.T) {
	deps := newTestDeps(t)
	resps := roundTrip(t, deps, `{"jsonrpc":"2.0","id":1,"method":"tools/list","params":{}}`)

	result := resps[0].Result.(map[string]interface{})
	tools := result["tools"].([]interface{})
	names := map[string]bool{}
	for _, tl := range tools {
		names[tl.(map[string]interface{})["name"].(string)] = true
	}
	for _, want := range []string{
		"membria.capture_decision", "membria.record_outcome", "membria.get_calibration",
		"membria.get_decision_context", "membria.get_plan_context",
		"membria.validate_plan", "membria.record_plan",
	} {
		if !names[want] {
			t.Errorf("missing tool %s", want)
		}
	}
}

func TestCaptureDecision(t *testing.T) {
	deps := newTestDeps(t)
	resps := roundTrip(t, deps,
		callLine(t, 1, "membria.capture_decision", map[string]interface{}{
			"statement": "Use PostgreSQL with pgbouncer", "alternatives": []string{"mysql"},
			"confidence": 0.8, "context": map[string]string{"module": "database"},
		}),
		callLine(t, 2, "membria.capture_decision", map[string]interface{}{
			"alternatives": []string{"a"}, "confidence": 0.8,
		}),
	)

	out := payload(t, resps[0])
	if out["status"] != "pending" || !strings.HasPrefix(out["decision_id"].(string), "dec_") {
		t.Errorf("capture = %v", out)
	}
	if _, err := deps.Store.GetOutcomeByDecision(testNS, out["decision_id"].(string)); err != nil {
		t.Errorf("no outcome opened: %v", err)
	}

	if resps[1].Error == nil || resps[1].Error.Code != codeInvalidParams {
		t.Errorf("missing statement = %+v", resps[1].Error)
	}
}

func TestCaptureDecisionBlockedByFirewall(t *testing.T) {
	deps := newTestDeps(t)
	args := map[string]interface{}{
		"statement": "Just ship it", "alternatives": []string{}, "confidence": 0.3,
	}
	resps := roundTrip(t, deps, callLine(t, 1, "membria.capture_decision", args))
	out := payload(t, resps[0])
	if out["status"] != "blocked" {
		t.Fatalf("low confidence without alternatives = %v", out)
	}

	// The override token lets the same decision through.
	args["override_token"] = "let-me-through"
	resps = roundTrip(t, deps, callLine(t, 1, "membria.capture_decision", args))
	out = payload(t, resps[0])
	if out["status"] != "pending" {
		t.Errorf("override = %v", out)
	}
}

func TestRecordOutcomeAndCalibration(t *testing.T) {
	deps := newTestDeps(t)
	capture := payload(t, roundTrip(t, deps, callLine(t, 1, "membria.capture_decision", map[string]interface{}{
		"statement": "Use Redis for sessions", "alternatives": []string{"memcached"},
		"confidence": 0.8, "context": map[string]string{"module": "caching"},
	}))[0])
	decisionID := capture["decision_id"].(string)

	resps := roundTrip(t, deps,
		callLine(t, 2, "membria.record_outcome", map[string]interface{}{
			"decision_id": decisionID, "final_status": "success", "final_score": 0.9,
		}),
		callLine(t, 3, "membria.get_calibration", map[string]string{"domain": "caching"}),
		callLine(t, 4, "membria.record_outcome", map[string]interface{}{
			"decision_id": decisionID, "final_status": "failure", "final_score": 0.1,
		}),
		callLine(t, 5, "membria.record_outcome", map[string]interface{}{
			"decision_id": "dec_000000000000", "final_status": "success", "final_score": 1,
		}),
		callLine(t, 6, "membria.record_outcome", map[string]interface{}{
			"decision_id": decisionID, "final_status": "meh", "final_score": 0.5,
		}),
	)

	out := payload(t, resps[0])
	if out["final_status"] != "success" || out["status"] != string(types.OutcomeCompleted) {
		t.Errorf("record_outcome = %v", out)
	}

	calib := payload(t, resps[1])
	if calib["status"] != "data_available" || calib["sample_size"].(float64) != 1 {
		t.Errorf("calibration = %v", calib)
	}

	// Double finalize, unknown decision and a bad grade all reject params.
	for _, i := range []int{2, 3, 4} {
		if resps[i].Error == nil || resps[i].Error.Code != codeInvalidParams {
			t.Errorf("resp %d = %+v", i, resps[i].Error)
		}
	}
}

func TestGetDecisionContext(t *testing.T) {
	deps := newTestDeps(t)
	resps := roundTrip(t, deps, callLine(t, 1, "membria.get_decision_context", map[string]interface{}{
		"statement": "Use Kafka for events", "module": "messaging", "confidence": 0.7,
	}))
	out := payload(t, resps[0])
	if !strings.Contains(out["compact_context"].(string), "# Decision Context (Unified)") {
		t.Errorf("context = %v", out["compact_context"])
	}
}

func TestGetDecisionContextZeroBudget(t *testing.T) {
	deps := newTestDeps(t)
	nk := &types.NegativeKnowledge{
		Namespace: testNS, Domain: "messaging", Severity: "high",
		Hypothesis: "fire-and-forget is enough", Conclusion: "events were dropped",
	}
	if err := deps.Store.AddNegativeKnowledge(nk); err != nil {
		t.Fatal(err)
	}

	// An explicit zero budget is honored, not replaced by the default.
	resps := roundTrip(t, deps, callLine(t, 1, "membria.get_decision_context", map[string]interface{}{
		"statement": "Use Kafka for events", "module": "messaging", "confidence": 0.7,
		"max_tokens": 0,
	}))
	out := payload(t, resps[0])
	if out["truncated"] != true {
		t.Errorf("zero budget not truncated: %v", out)
	}
	ctx := out["compact_context"].(string)
	if !strings.HasPrefix(ctx, "# Decision Context (Unified)") {
		t.Errorf("missing header: %q", ctx)
	}
	if strings.Contains(ctx, "Known Failure Modes") {
		t.Errorf("section survived a zero budget: %q", ctx)
	}
}

func TestValidatePlan(t *testing.T) {
	deps := newTestDeps(t)
	ap := &types.AntiPattern{
		Namespace: testNS, Name: "shared mutable cache", Domain: "caching",
		Severity: "high", FailureRate: 0.8, RegexPattern: "shared.*cache",
	}
	if err := deps.Store.AddAntiPattern(ap); err != nil {
		t.Fatal(err)
	}

	resps := roundTrip(t, deps, callLine(t, 1, "membria.validate_plan", map[string]interface{}{
		"steps":  []string{"introduce a shared in-process cache", "add metrics"},
		"domain": "caching",
	}))
	out := payload(t, resps[0])
	if out["total_steps"].(float64) != 2 || out["high_severity"].(float64) != 1 {
		t.Errorf("validate = %v", out)
	}
	if out["can_proceed"] != false {
		t.Errorf("can_proceed = %v", out["can_proceed"])
	}

	clean := payload(t, roundTrip(t, deps, callLine(t, 2, "membria.validate_plan", map[string]interface{}{
		"steps": []string{"write tests"},
	}))[0])
	if clean["can_proceed"] != true || clean["high_severity"].(float64) != 0 {
		t.Errorf("clean plan = %v", clean)
	}
}

func TestValidatePlanEmptySteps(t *testing.T) {
	deps := newTestDeps(t)
	ap := &types.AntiPattern{
		Namespace: testNS, Name: "shared mutable cache", Domain: "caching",
		Severity: "high", FailureRate: 0.8, RegexPattern: "shared.*cache",
	}
	if err := deps.Store.AddAntiPattern(ap); err != nil {
		t.Fatal(err)
	}

	// A plan with nothing in it has nothing to warn about.
	resps := roundTrip(t, deps, callLine(t, 1, "membria.validate_plan", map[string]interface{}{
		"steps":  []string{},
		"domain": "caching",
	}))
	if resps[0].Error != nil {
		t.Fatalf("empty plan errored: %+v", resps[0].Error)
	}
	out := payload(t, resps[0])
	if out["total_steps"].(float64) != 0 || out["can_proceed"] != true {
		t.Errorf("empty plan = %v", out)
	}
	warnings, ok := out["warnings"].([]interface{})
	if !ok || len(warnings) != 0 {
		t.Errorf("warnings = %v", out["warnings"])
	}
}

func TestRecordPlan(t *testing.T) {
	deps := newTestDeps(t)
	resps := roundTrip(t, deps, callLine(t, 1, "membria.record_plan", map[string]interface{}{
		"plan_steps": []string{"add connection pool", "tune pool size"},
		"domain":     "database", "plan_confidence": 0.75, "session_id": "sess-9",
	}))
	out := payload(t, resps[0])
	if out["status"] != "recorded" || !strings.HasPrefix(out["engram_id"].(string), "eng_") {
		t.Fatalf("record_plan = %v", out)
	}
	recorded := out["decisions_recorded"].([]interface{})
	if len(recorded) != 2 {
		t.Fatalf("recorded = %v", recorded)
	}
	first := recorded[0].(map[string]interface{})
	d, err := deps.Store.GetDecision(testNS, first["decision_id"].(string))
	if err != nil {
		t.Fatal(err)
	}
	if d.Domain != "database" || d.Confidence != 0.75 || d.CreatedBy != "plan" {
		t.Errorf("decision = %+v", d)
	}

	// The engram is replayable under its session.
	engrams, err := deps.Engrams.Replay("sess-9")
	if err != nil || len(engrams) != 1 || len(engrams[0].DecisionsExtracted) != 2 {
		t.Errorf("replay = %v, %v", engrams, err)
	}
}

func TestGetPlanContext(t *testing.T) {
	deps := newTestDeps(t)
	nk := &types.NegativeKnowledge{
		Namespace: testNS, Hypothesis: "ORM lazy loading scales fine",
		Conclusion: "N+1 queries melted the read replica", Domain: "database",
		Severity: "high", Recommendation: "Batch-load associations explicitly",
	}
	if err := deps.Store.AddNegativeKnowledge(nk); err != nil {
		t.Fatal(err)
	}

	resps := roundTrip(t, deps, callLine(t, 1, "membria.get_plan_context", map[string]string{
		"domain": "database",
	}))
	out := payload(t, resps[0])
	md := out["markdown"].(string)
	if !strings.Contains(md, "# Plan Context: database") || !strings.Contains(md, "N+1 queries") {
		t.Errorf("markdown = %q", md)
	}
	failed := out["failed_approaches"].([]interface{})
	if len(failed) != 1 {
		t.Errorf("failed_approaches = %v", failed)
	}
	recs := out["recommendations"].([]interface{})
	if len(recs) == 0 {
		t.Errorf("recommendations missing")
	}
}

func TestExternalToolWithoutProxy(t *testing.T) {
	deps := newTestDeps(t)
	resps := roundTrip(t, deps, callLine(t, 1, "ext.search.lookup", map[string]string{"q": "go"}))
	if resps[0].Error == nil || resps[0].Error.Code != codeMethodNotFound {
		t.Errorf("ext without proxy = %+v", resps[0].Error)
	}
}

func TestUnknownToolName(t *testing.T) {
	deps := newTestDeps(t)
	resps := roundTrip(t, deps, callLine(t, 1, "membria.wipe_everything", nil))
	if resps[0].Error == nil || resps[0].Error.Code != codeMethodNotFound {
		t.Errorf("unknown tool = %+v", resps[0].Error)
	}
}
