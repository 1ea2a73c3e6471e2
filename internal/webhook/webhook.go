// Package webhook ingests GitHub and CI events over HTTP, translates
// them into outcome signals and keeps processing idempotent per
// delivery.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"membria/internal/logging"
	"membria/internal/outcome"
	"membria/internal/store"
	"membria/internal/types"
)

// Handler serves the webhook surface for one namespace.
type Handler struct {
	store   *store.GraphStore
	tracker *outcome.Tracker
	ns      types.Namespace
	secret  string
}

// New wires a handler. An empty secret disables signature verification
// (skipped with a warning per request).
func New(s *store.GraphStore, tracker *outcome.Tracker, ns types.Namespace, secret string) *Handler {
	return &Handler{store: s, tracker: tracker, ns: ns, secret: secret}
}

// Mux returns the HTTP routing table.
func (h *Handler) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /github/push", h.handlePush)
	mux.HandleFunc("POST /github/pull_request", h.handlePullRequest)
	mux.HandleFunc("POST /github/workflow_run", h.handleWorkflowRun)
	mux.HandleFunc("POST /github/check_run", h.handleCheckRun)
	mux.HandleFunc("POST /ci/event", h.handleCIEvent)
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	return mux
}

// readBody reads the raw payload and verifies the GitHub HMAC signature
// when a secret is configured.
func (h *Handler) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"status": "error", "error": "unreadable body"})
		return nil, false
	}
	if h.secret == "" {
		logging.Get(logging.CategoryWebhook).Warn("no webhook secret configured; skipping signature verification for %s", r.URL.Path)
		return body, true
	}

	sig := r.Header.Get("X-Hub-Signature-256")
	mac := hmac.New(sha256.New, []byte(h.secret))
	mac.Write(body)
	want := "sha256=" + hex.EncodeToString(mac.Sum(nil))
	if sig == "" || !hmac.Equal([]byte(sig), []byte(want)) {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"status": "error", "error": "invalid signature"})
		return nil, false
	}
	return body, true
}

// extractDecisionID finds the first dec_<hex12> reference, preferring
// the given fields over a raw-body scan.
func extractDecisionID(raw []byte, fields ...string) string {
	for _, f := range fields {
		if m := types.DecisionIDPattern.FindString(f); m != "" {
			return m
		}
	}
	return types.DecisionIDPattern.FindString(string(raw))
}

// process runs one translated event: locate-or-create the outcome, check
// the delivery ledger, then apply the transition.
func (h *Handler) process(w http.ResponseWriter, eventID, decisionID, signalType string, apply func(outcomeID string) error) {
	if decisionID == "" {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}
	if _, err := h.store.GetDecision(h.ns, decisionID); err != nil {
		logging.Get(logging.CategoryWebhook).Debug("event references unknown decision %s", decisionID)
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}
	o, err := h.tracker.StartTracking(decisionID)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"status": "error", "error": err.Error()})
		return
	}

	if eventID != "" {
		seen, err := h.store.IsEventProcessed(eventID, o.ID, signalType)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"status": "error", "error": err.Error()})
			return
		}
		if seen {
			writeJSON(w, http.StatusOK, map[string]string{"status": "duplicate", "outcome_id": o.ID})
			return
		}
	}

	if err := apply(o.ID); err != nil {
		if errors.Is(err, types.ErrIllegalTransition) || errors.Is(err, types.ErrAlreadyFinalized) {
			logging.Get(logging.CategoryWebhook).Info("event %s dropped: %v", eventID, err)
			writeJSON(w, http.StatusOK, map[string]string{"status": "ignored", "outcome_id": o.ID})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]string{"status": "error", "error": err.Error()})
		return
	}

	// The ledger entry lands only after a successful apply; failed
	// deliveries stay replayable.
	if eventID != "" {
		if _, err := h.store.MarkEventProcessed(eventID, o.ID, signalType); err != nil {
			logging.Get(logging.CategoryWebhook).Warn("event ledger write for %s failed: %v", eventID, err)
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "processed", "outcome_id": o.ID})
}

type pushEvent struct {
	After      string `json:"after"`
	Repository struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
	Commits []struct {
		ID      string `json:"id"`
		Message string `json:"message"`
	} `json:"commits"`
}

// handlePush links the pushed commit to the referenced decision.
func (h *Handler) handlePush(w http.ResponseWriter, r *http.Request) {
	body, ok := h.readBody(w, r)
	if !ok {
		return
	}
	var ev pushEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"status": "error", "error": "invalid json"})
		return
	}

	var decisionID, commitSHA string
	for _, c := range ev.Commits {
		if m := types.DecisionIDPattern.FindString(c.Message); m != "" {
			decisionID, commitSHA = m, c.ID
			break
		}
	}
	if decisionID == "" {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}

	eventID := r.Header.Get("X-GitHub-Delivery")
	h.process(w, eventID, decisionID, "push_commit", func(outcomeID string) error {
		if err := h.store.SetOutcomeLinks(h.ns, outcomeID, 0, "", commitSHA, ev.Repository.FullName); err != nil {
			return err
		}
		return h.store.UpdateDecisionLinks(h.ns, decisionID, "", commitSHA)
	})
}

type pullRequestEvent struct {
	Action      string `json:"action"`
	PullRequest struct {
		Number  int    `json:"number"`
		Title   string `json:"title"`
		Body    string `json:"body"`
		HTMLURL string `json:"html_url"`
		Merged  bool   `json:"merged"`
		Head    struct {
			Ref string `json:"ref"`
		} `json:"head"`
	} `json:"pull_request"`
}

// handlePullRequest maps opened to pr_created and merged-close to
// pr_merged; everything else is ignored.
func (h *Handler) handlePullRequest(w http.ResponseWriter, r *http.Request) {
	body, ok := h.readBody(w, r)
	if !ok {
		return
	}
	var ev pullRequestEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"status": "error", "error": "invalid json"})
		return
	}

	decisionID := extractDecisionID(nil, ev.PullRequest.Title, ev.PullRequest.Body)
	eventID := r.Header.Get("X-GitHub-Delivery")
	pr := ev.PullRequest

	switch {
	case ev.Action == "opened":
		h.process(w, eventID, decisionID, string(types.SignalPRCreated), func(outcomeID string) error {
			if err := h.tracker.RecordPRCreated(outcomeID, pr.Number, pr.HTMLURL, pr.Head.Ref); err != nil {
				return err
			}
			return h.store.UpdateDecisionLinks(h.ns, decisionID, pr.HTMLURL, "")
		})
	case ev.Action == "closed" && pr.Merged:
		h.process(w, eventID, decisionID, string(types.SignalPRMerged), func(outcomeID string) error {
			return h.tracker.RecordPRMerged(outcomeID, pr.Number)
		})
	default:
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
	}
}

type workflowRunEvent struct {
	Action      string `json:"action"`
	WorkflowRun struct {
		Conclusion string `json:"conclusion"`
		Name       string `json:"name"`
		HeadCommit struct {
			Message string `json:"message"`
		} `json:"head_commit"`
	} `json:"workflow_run"`
}

// handleWorkflowRun records completed runs as CI results.
func (h *Handler) handleWorkflowRun(w http.ResponseWriter, r *http.Request) {
	body, ok := h.readBody(w, r)
	if !ok {
		return
	}
	var ev workflowRunEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"status": "error", "error": "invalid json"})
		return
	}
	if ev.Action != "completed" {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}

	passed := ev.WorkflowRun.Conclusion == "success"
	signalType := types.SignalCIFailed
	if passed {
		signalType = types.SignalCIPassed
	}
	decisionID := extractDecisionID(body, ev.WorkflowRun.HeadCommit.Message)
	eventID := r.Header.Get("X-GitHub-Delivery")
	h.process(w, eventID, decisionID, string(signalType), func(outcomeID string) error {
		return h.tracker.RecordCIResult(outcomeID, passed,
			fmt.Sprintf("workflow %s concluded %s", ev.WorkflowRun.Name, ev.WorkflowRun.Conclusion))
	})
}

type checkRunEvent struct {
	Action   string `json:"action"`
	CheckRun struct {
		Conclusion string `json:"conclusion"`
		Name       string `json:"name"`
		Output     struct {
			Title   string `json:"title"`
			Summary string `json:"summary"`
		} `json:"output"`
	} `json:"check_run"`
}

// handleCheckRun mirrors workflow runs for individual checks.
func (h *Handler) handleCheckRun(w http.ResponseWriter, r *http.Request) {
	body, ok := h.readBody(w, r)
	if !ok {
		return
	}
	var ev checkRunEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"status": "error", "error": "invalid json"})
		return
	}
	if ev.Action != "completed" {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}

	passed := ev.CheckRun.Conclusion == "success"
	signalType := types.SignalCIFailed
	if passed {
		signalType = types.SignalCIPassed
	}
	decisionID := extractDecisionID(body, ev.CheckRun.Output.Title, ev.CheckRun.Output.Summary)
	eventID := r.Header.Get("X-GitHub-Delivery")
	h.process(w, eventID, decisionID, string(signalType), func(outcomeID string) error {
		return h.tracker.RecordCIResult(outcomeID, passed,
			fmt.Sprintf("check %s concluded %s", ev.CheckRun.Name, ev.CheckRun.Conclusion))
	})
}

type ciEvent struct {
	EventID    string `json:"event_id,omitempty"`
	DecisionID string `json:"decision_id"`
	EventType  string `json:"event_type"`
	Passed     bool   `json:"passed"`
	Details    string `json:"details,omitempty"`
}

// handleCIEvent accepts the generic CI payload; no signature header is
// expected beyond the shared-secret check.
func (h *Handler) handleCIEvent(w http.ResponseWriter, r *http.Request) {
	body, ok := h.readBody(w, r)
	if !ok {
		return
	}
	var ev ciEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"status": "error", "error": "invalid json"})
		return
	}
	if !strings.HasPrefix(ev.DecisionID, types.DecisionIDPrefix) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}

	signalType := types.SignalCIFailed
	if ev.Passed {
		signalType = types.SignalCIPassed
	}
	h.process(w, ev.EventID, ev.DecisionID, string(signalType), func(outcomeID string) error {
		details := ev.Details
		if details == "" {
			details = ev.EventType
		}
		return h.tracker.RecordCIResult(outcomeID, ev.Passed, details)
	})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
