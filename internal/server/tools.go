package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"membria/internal/calibration"
	"membria/internal/composer"
	"membria/internal/firewall"
	"membria/internal/logging"
	"membria/internal/pattern"
	"membria/internal/types"
)

// toolHandler validates its arguments and returns the raw payload that
// gets wrapped into the content envelope.
type toolHandler func(ctx context.Context, args json.RawMessage) (interface{}, *rpcError)

// toolDescriptor is the tools/list entry.
type toolDescriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

func schema(s string) json.RawMessage { return json.RawMessage(s) }

var toolDescriptors = []toolDescriptor{
	{
		Name:        "membria.capture_decision",
		Description: "Record a decision with alternatives and confidence; runs the decision firewall first.",
		InputSchema: schema(`{"type":"object","properties":{"statement":{"type":"string"},"alternatives":{"type":"array","items":{"type":"string"}},"confidence":{"type":"number"},"context":{"type":"object","properties":{"module":{"type":"string"}}},"time_pressure":{"type":"boolean"},"override_token":{"type":"string"}},"required":["statement","alternatives","confidence"]}`),
	},
	{
		Name:        "membria.record_outcome",
		Description: "Finalize the outcome of a decision with a grade and score.",
		InputSchema: schema(`{"type":"object","properties":{"decision_id":{"type":"string"},"final_status":{"type":"string","enum":["success","partial","failure"]},"final_score":{"type":"number"},"decision_domain":{"type":"string"}},"required":["decision_id","final_status","final_score"]}`),
	},
	{
		Name:        "membria.get_calibration",
		Description: "Confidence guidance for a domain from the team's Beta calibration profile.",
		InputSchema: schema(`{"type":"object","properties":{"domain":{"type":"string"},"confidence":{"type":"number"}},"required":["domain"]}`),
	},
	{
		Name:        "membria.get_decision_context",
		Description: "Composed decision context: calibration, negative knowledge, precedents, behavior chains.",
		InputSchema: schema(`{"type":"object","properties":{"statement":{"type":"string"},"module":{"type":"string"},"confidence":{"type":"number"},"max_tokens":{"type":"integer"},"include_chains":{"type":"boolean"},"session_id":{"type":"string"},"doc_shot_id":{"type":"string"},"role":{"type":"string"}},"required":["statement","module","confidence"]}`),
	},
	{
		Name:        "membria.get_plan_context",
		Description: "Plan-level context for a domain: past plans, failed approaches, patterns, calibration.",
		InputSchema: schema(`{"type":"object","properties":{"domain":{"type":"string"},"scope":{"type":"string"}},"required":["domain"]}`),
	},
	{
		Name:        "membria.validate_plan",
		Description: "Check plan steps against known antipatterns and failure knowledge.",
		InputSchema: schema(`{"type":"object","properties":{"steps":{"type":"array","items":{"type":"string"}},"domain":{"type":"string"}},"required":["steps"]}`),
	},
	{
		Name:        "membria.record_plan",
		Description: "Record a plan as decisions plus an engram checkpoint.",
		InputSchema: schema(`{"type":"object","properties":{"plan_steps":{"type":"array","items":{"type":"string"}},"domain":{"type":"string"},"plan_confidence":{"type":"number"},"duration_estimate":{"type":"string"},"warnings_shown":{"type":"integer"},"warnings_heeded":{"type":"boolean"},"session_id":{"type":"string"}},"required":["plan_steps","domain"]}`),
	},
}

// listTools returns the membria tools plus whatever the allowlisted MCP
// servers advertise, namespaced ext.<server>.<tool>.
func (s *Server) listTools(ctx context.Context) []toolDescriptor {
	out := make([]toolDescriptor, len(toolDescriptors))
	copy(out, toolDescriptors)
	if s.deps.Proxy == nil {
		return out
	}
	for _, id := range s.deps.Proxy.Servers() {
		tools, err := s.deps.Proxy.Tools(ctx, id)
		if err != nil {
			logging.Get(logging.CategoryServer).Warn("listing tools of %s failed: %v", id, err)
			continue
		}
		for _, t := range tools {
			out = append(out, toolDescriptor{
				Name:        "ext." + id + "." + t.Name,
				Description: t.Description,
				InputSchema: t.InputSchema,
			})
		}
	}
	return out
}

func (s *Server) handlers() map[string]toolHandler {
	return map[string]toolHandler{
		"membria.capture_decision":     s.captureDecision,
		"membria.record_outcome":       s.recordOutcome,
		"membria.get_calibration":      s.getCalibration,
		"membria.get_decision_context": s.getDecisionContext,
		"membria.get_plan_context":     s.getPlanContext,
		"membria.validate_plan":        s.validatePlan,
		"membria.record_plan":          s.recordPlan,
	}
}

func invalidParams(format string, args ...interface{}) *rpcError {
	return &rpcError{Code: codeInvalidParams, Message: fmt.Sprintf(format, args...)}
}

func internalError(err error) *rpcError {
	return &rpcError{Code: codeInternalError, Message: err.Error()}
}

type captureDecisionArgs struct {
	Statement    string   `json:"statement"`
	Alternatives []string `json:"alternatives"`
	Confidence   *float64 `json:"confidence"`
	Context      struct {
		Module string `json:"module"`
	} `json:"context"`
	TimePressure  bool   `json:"time_pressure"`
	OverrideToken string `json:"override_token"`
}

func (s *Server) captureDecision(ctx context.Context, raw json.RawMessage) (interface{}, *rpcError) {
	var args captureDecisionArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, invalidParams("capture_decision: %v", err)
	}
	if args.Statement == "" || args.Confidence == nil {
		return nil, invalidParams("capture_decision needs statement, alternatives and confidence")
	}
	if *args.Confidence < 0 || *args.Confidence > 1 {
		return nil, invalidParams("confidence %.3f outside [0,1]", *args.Confidence)
	}

	eval := s.deps.Firewall.Evaluate(firewall.Check{
		Statement:    args.Statement,
		Alternatives: args.Alternatives,
		Confidence:   *args.Confidence,
		Domain:       args.Context.Module,
		TimePressure: args.TimePressure,
	})
	if !s.deps.Firewall.CanProceed(eval, args.OverrideToken) {
		return map[string]interface{}{"status": "blocked", "firewall": eval}, nil
	}

	d := &types.Decision{
		Statement:    args.Statement,
		Alternatives: args.Alternatives,
		Confidence:   *args.Confidence,
		Domain:       args.Context.Module,
	}
	if err := s.deps.Memory.StoreDecision(d); err != nil {
		return nil, internalError(err)
	}
	if _, err := s.deps.Tracker.StartTracking(d.ID); err != nil {
		return nil, internalError(err)
	}

	result := map[string]interface{}{"decision_id": d.ID, "status": "pending"}
	if len(eval.Flags) > 0 {
		result["firewall"] = eval
	}
	return result, nil
}

type recordOutcomeArgs struct {
	DecisionID     string   `json:"decision_id"`
	FinalStatus    string   `json:"final_status"`
	FinalScore     *float64 `json:"final_score"`
	DecisionDomain string   `json:"decision_domain"`
}

func (s *Server) recordOutcome(ctx context.Context, raw json.RawMessage) (interface{}, *rpcError) {
	var args recordOutcomeArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, invalidParams("record_outcome: %v", err)
	}
	if args.DecisionID == "" || args.FinalScore == nil {
		return nil, invalidParams("record_outcome needs decision_id, final_status and final_score")
	}
	final := types.FinalStatus(args.FinalStatus)
	switch final {
	case types.FinalSuccess, types.FinalPartial, types.FinalFailure:
	default:
		return nil, invalidParams("final_status %q not in success|partial|failure", args.FinalStatus)
	}

	d, err := s.deps.Store.GetDecision(s.deps.NS, args.DecisionID)
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			return nil, invalidParams("decision %s not found", args.DecisionID)
		}
		return nil, internalError(err)
	}
	domain := args.DecisionDomain
	if domain == "" {
		domain = d.Domain
	}

	o, err := s.deps.Tracker.StartTracking(args.DecisionID)
	if err != nil {
		return nil, internalError(err)
	}
	if err := s.deps.Tracker.Finalize(o.ID, final, *args.FinalScore, domain, nil); err != nil {
		if errors.Is(err, types.ErrAlreadyFinalized) {
			return nil, invalidParams("outcome %s already finalized", o.ID)
		}
		return nil, internalError(err)
	}
	finalized, err := s.deps.Tracker.Get(o.ID)
	if err != nil {
		return nil, internalError(err)
	}
	return map[string]interface{}{
		"outcome_id":   finalized.ID,
		"decision_id":  finalized.DecisionID,
		"final_status": finalized.FinalStatus,
		"final_score":  finalized.FinalScore,
		"status":       finalized.Status,
	}, nil
}

type getCalibrationArgs struct {
	Domain     string   `json:"domain"`
	Confidence *float64 `json:"confidence"`
}

func (s *Server) getCalibration(ctx context.Context, raw json.RawMessage) (interface{}, *rpcError) {
	var args getCalibrationArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, invalidParams("get_calibration: %v", err)
	}
	if args.Domain == "" {
		return nil, invalidParams("get_calibration needs domain")
	}
	g, err := s.deps.Calibration.GetConfidenceGuidance(args.Domain, args.Confidence)
	if err != nil {
		return nil, internalError(err)
	}
	return g, nil
}

type getDecisionContextArgs struct {
	Statement     string   `json:"statement"`
	Module        string   `json:"module"`
	Confidence    *float64 `json:"confidence"`
	MaxTokens     *int     `json:"max_tokens"`
	IncludeChains bool     `json:"include_chains"`
	SessionID     string   `json:"session_id"`
	DocShotID     string   `json:"doc_shot_id"`
	Role          string   `json:"role"`
}

func (s *Server) getDecisionContext(ctx context.Context, raw json.RawMessage) (interface{}, *rpcError) {
	var args getDecisionContextArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, invalidParams("get_decision_context: %v", err)
	}
	if args.Statement == "" || args.Module == "" || args.Confidence == nil {
		return nil, invalidParams("get_decision_context needs statement, module and confidence")
	}
	result, err := s.deps.Composer.BuildDecisionContext(&composer.Request{
		Statement:     args.Statement,
		Module:        args.Module,
		Confidence:    *args.Confidence,
		MaxTokens:     args.MaxTokens,
		IncludeChains: args.IncludeChains,
		SessionID:     args.SessionID,
		DocShotID:     args.DocShotID,
		Role:          args.Role,
	})
	if err != nil {
		return nil, internalError(err)
	}
	return result, nil
}

type getPlanContextArgs struct {
	Domain string `json:"domain"`
	Scope  string `json:"scope"`
}

type pastPlan struct {
	DecisionID string  `json:"decision_id"`
	Statement  string  `json:"statement"`
	Confidence float64 `json:"confidence"`
	Status     string  `json:"status"`
}

type failedApproach struct {
	Hypothesis     string `json:"hypothesis"`
	Conclusion     string `json:"conclusion"`
	Recommendation string `json:"recommendation,omitempty"`
}

type planContext struct {
	Domain             string                `json:"domain"`
	Scope              string                `json:"scope,omitempty"`
	Markdown           string                `json:"markdown"`
	PastPlans          []pastPlan            `json:"past_plans"`
	FailedApproaches   []failedApproach      `json:"failed_approaches"`
	SuccessfulPatterns []pattern.Pattern     `json:"successful_patterns"`
	Calibration        *calibration.Guidance `json:"calibration,omitempty"`
	Constraints        []string              `json:"constraints,omitempty"`
	Recommendations    []string              `json:"recommendations"`
}

func (s *Server) getPlanContext(ctx context.Context, raw json.RawMessage) (interface{}, *rpcError) {
	var args getPlanContextArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, invalidParams("get_plan_context: %v", err)
	}
	if args.Domain == "" {
		return nil, invalidParams("get_plan_context needs domain")
	}
	log := logging.Get(logging.CategoryServer)
	pc := &planContext{Domain: args.Domain, Scope: args.Scope}

	decisions, err := s.deps.Store.ListDecisionsByDomain(s.deps.NS, args.Domain, 10, false)
	if err != nil {
		log.Warn("past plans lookup failed: %v", err)
	}
	for _, d := range decisions {
		pc.PastPlans = append(pc.PastPlans, pastPlan{
			DecisionID: d.ID, Statement: d.Statement,
			Confidence: d.Confidence, Status: string(d.Status),
		})
	}

	nks, err := s.deps.Store.ListNegativeKnowledge(s.deps.NS, args.Domain, 10)
	if err != nil {
		log.Warn("negative knowledge lookup failed: %v", err)
	}
	for _, nk := range nks {
		pc.FailedApproaches = append(pc.FailedApproaches, failedApproach{
			Hypothesis: nk.Hypothesis, Conclusion: nk.Conclusion, Recommendation: nk.Recommendation,
		})
		if nk.Recommendation != "" {
			pc.Recommendations = append(pc.Recommendations, nk.Recommendation)
		}
	}

	patterns, err := s.deps.Patterns.Extract(args.Domain)
	if err != nil {
		log.Warn("pattern extraction failed: %v", err)
	}
	for _, p := range patterns {
		if p.SuccessRate >= 0.5 {
			pc.SuccessfulPatterns = append(pc.SuccessfulPatterns, p)
		}
	}

	if g, err := s.deps.Calibration.GetConfidenceGuidance(args.Domain, nil); err == nil && g.Status != "no_data" {
		pc.Calibration = g
		if g.Recommendation != "" {
			pc.Recommendations = append(pc.Recommendations, g.Recommendation)
		}
	}

	if sc, err := s.deps.Store.LatestSessionContext(s.deps.NS); err == nil && sc != nil {
		pc.Constraints = sc.Constraints
	}

	if sk, err := s.deps.Store.GetLatestSkill(s.deps.NS, args.Domain); err == nil && sk != nil {
		for _, zone := range sk.GreenZone {
			pc.Recommendations = append(pc.Recommendations, fmt.Sprintf("Prefer %s (proven in %s)", zone, args.Domain))
		}
	}

	pc.Markdown = renderPlanMarkdown(pc)
	return pc, nil
}

func renderPlanMarkdown(pc *planContext) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Plan Context: %s\n", pc.Domain)
	if len(pc.SuccessfulPatterns) > 0 {
		b.WriteString("\n## Successful patterns\n")
		for _, p := range pc.SuccessfulPatterns {
			fmt.Fprintf(&b, "- %s: %.0f%% success over %d decisions\n", p.Key, p.SuccessRate*100, p.SampleSize)
		}
	}
	if len(pc.FailedApproaches) > 0 {
		b.WriteString("\n## Failed approaches\n")
		for _, f := range pc.FailedApproaches {
			fmt.Fprintf(&b, "- %s: %s\n", f.Hypothesis, f.Conclusion)
		}
	}
	if pc.Calibration != nil {
		fmt.Fprintf(&b, "\n## Calibration\nObserved success rate %.0f%% over %d outcomes.\n",
			pc.Calibration.ActualSuccessRate*100, pc.Calibration.SampleSize)
	}
	if len(pc.Constraints) > 0 {
		b.WriteString("\n## Constraints\n")
		for _, c := range pc.Constraints {
			fmt.Fprintf(&b, "- %s\n", c)
		}
	}
	if len(pc.Recommendations) > 0 {
		b.WriteString("\n## Recommendations\n")
		for _, r := range pc.Recommendations {
			fmt.Fprintf(&b, "- %s\n", r)
		}
	}
	return b.String()
}

type validatePlanArgs struct {
	Steps  []string `json:"steps"`
	Domain string   `json:"domain"`
}

type planWarning struct {
	StepIndex int    `json:"step_index"`
	Step      string `json:"step"`
	Severity  string `json:"severity"`
	Message   string `json:"message"`
}

func (s *Server) validatePlan(ctx context.Context, raw json.RawMessage) (interface{}, *rpcError) {
	var args validatePlanArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, invalidParams("validate_plan: %v", err)
	}
	aps, err := s.deps.Store.ListAntiPatterns(s.deps.NS, args.Domain)
	if err != nil {
		return nil, internalError(err)
	}
	nks, err := s.deps.Store.ListNegativeKnowledge(s.deps.NS, args.Domain, 50)
	if err != nil {
		return nil, internalError(err)
	}

	type compiledGuard struct {
		ap *types.AntiPattern
		re *regexp.Regexp
	}
	guards := make([]compiledGuard, 0, len(aps))
	for _, ap := range aps {
		re, err := regexp.Compile("(?i)" + ap.RegexPattern)
		if err != nil {
			logging.Get(logging.CategoryServer).Warn("antipattern %s has invalid regex: %v", ap.Name, err)
			continue
		}
		guards = append(guards, compiledGuard{ap: ap, re: re})
	}

	warnings := []planWarning{}
	var high, medium, low int
	for i, step := range args.Steps {
		for _, g := range guards {
			ap := g.ap
			if !g.re.MatchString(step) {
				continue
			}
			sev := strings.ToLower(ap.Severity)
			switch sev {
			case "high", "critical":
				high++
				sev = "high"
			case "medium":
				medium++
			default:
				low++
				sev = "low"
			}
			warnings = append(warnings, planWarning{
				StepIndex: i, Step: step, Severity: sev,
				Message: fmt.Sprintf("matches antipattern %q (%.0f%% failure rate)", ap.Name, ap.FailureRate*100),
			})
		}
		lower := strings.ToLower(step)
		for _, nk := range nks {
			key := strings.ToLower(pattern.KeyOf(nk.Hypothesis))
			if key == "" || !strings.Contains(lower, key) {
				continue
			}
			medium++
			warnings = append(warnings, planWarning{
				StepIndex: i, Step: step, Severity: "medium",
				Message: fmt.Sprintf("previously failed approach: %s", nk.Conclusion),
			})
		}
	}

	return map[string]interface{}{
		"total_steps":     len(args.Steps),
		"warnings":        warnings,
		"high_severity":   high,
		"medium_severity": medium,
		"low_severity":    low,
		"can_proceed":     high == 0,
	}, nil
}

type recordPlanArgs struct {
	PlanSteps        []string `json:"plan_steps"`
	Domain           string   `json:"domain"`
	PlanConfidence   *float64 `json:"plan_confidence"`
	DurationEstimate string   `json:"duration_estimate"`
	WarningsShown    int      `json:"warnings_shown"`
	WarningsHeeded   bool     `json:"warnings_heeded"`
	SessionID        string   `json:"session_id"`
}

func (s *Server) recordPlan(ctx context.Context, raw json.RawMessage) (interface{}, *rpcError) {
	var args recordPlanArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, invalidParams("record_plan: %v", err)
	}
	if len(args.PlanSteps) == 0 || args.Domain == "" {
		return nil, invalidParams("record_plan needs plan_steps and domain")
	}
	confidence := 0.7
	if args.PlanConfidence != nil {
		if *args.PlanConfidence < 0 || *args.PlanConfidence > 1 {
			return nil, invalidParams("plan_confidence %.3f outside [0,1]", *args.PlanConfidence)
		}
		confidence = *args.PlanConfidence
	}
	sessionID := args.SessionID
	if sessionID == "" {
		sessionID = "plan"
	}

	type recorded struct {
		Step       string `json:"step"`
		DecisionID string `json:"decision_id"`
	}
	var decisions []recorded
	var ids []string
	for _, step := range args.PlanSteps {
		d := &types.Decision{
			Statement:  step,
			Confidence: confidence,
			Domain:     args.Domain,
			CreatedBy:  "plan",
		}
		if err := s.deps.Memory.StoreDecision(d); err != nil {
			return nil, internalError(err)
		}
		if _, err := s.deps.Tracker.StartTracking(d.ID); err != nil {
			return nil, internalError(err)
		}
		decisions = append(decisions, recorded{Step: step, DecisionID: d.ID})
		ids = append(ids, d.ID)
	}

	e := &types.Engram{
		SessionID:          sessionID,
		DecisionsExtracted: ids,
		ReasoningTrail:     args.PlanSteps,
	}
	if _, err := s.deps.Engrams.Append(e); err != nil {
		return nil, internalError(err)
	}

	return map[string]interface{}{
		"engram_id":          e.ID,
		"decisions_recorded": decisions,
		"status":             "recorded",
	}, nil
}
