// Package composer assembles the unified decision context from named
// plug-ins: docshot, session context, calibration, negative knowledge,
// similar decisions, role extensions and behavior chains, compacted to a
// token budget.
package composer

import (
	"fmt"
	"sort"
	"strings"

	"membria/internal/calibration"
	"membria/internal/chains"
	"membria/internal/logging"
	"membria/internal/store"
	"membria/internal/types"
)

// Header opens every composed context.
const Header = "# Decision Context (Unified)"

// BudgetMarker is appended when a section had to be dropped entirely.
const BudgetMarker = "*[Context truncated to fit token budget]*"

// DefaultMaxTokens applies when the request carries no budget.
const DefaultMaxTokens = 2000

// minPartialTokens is the smallest budget remainder worth a partial section.
const minPartialTokens = 20

// Request carries the decision under consideration plus the optional
// plug-in inputs.
type Request struct {
	Statement     string
	Module        string // domain of the decision
	Confidence    float64
	MaxTokens     *int // nil means DefaultMaxTokens; zero is a real budget
	IncludeChains bool
	DocShotID     string
	SessionID     string
	Role          string // enables the role_* plug-ins
}

// Surface is the raw retrieval behind the similar-decisions and
// negative-knowledge sections, returned alongside the rendered text.
type Surface struct {
	SimilarDecisions  []*types.Decision          `json:"similar_decisions,omitempty"`
	NegativeKnowledge []*types.NegativeKnowledge `json:"negative_knowledge,omitempty"`
}

// Result is the composed payload.
type Result struct {
	CompactContext   string   `json:"compact_context"`
	TotalTokens      int      `json:"total_tokens"`
	Truncated        bool     `json:"truncated"`
	SectionsIncluded []string `json:"sections_included"`
	Surface          *Surface `json:"surface"`
}

// section is one plug-in's rendered output.
type section struct {
	name     string
	priority int
	content  string
}

// plugin renders one named section. Returning an empty string omits the
// section; errors are logged and the plug-in skipped.
type plugin struct {
	name     string
	priority int
	render   func(req *Request, surface *Surface) (string, error)
}

// Composer runs the configured plug-in pipeline.
type Composer struct {
	store        *store.GraphStore
	ns           types.Namespace
	calib        *calibration.Engine
	orchestrator *chains.Orchestrator
	order        []string
}

// New wires a composer. order is the configured plug-in name list; nil
// means the default full pipeline.
func New(s *store.GraphStore, ns types.Namespace, orch *chains.Orchestrator, order []string) *Composer {
	if len(order) == 0 {
		order = []string{
			"docshot", "session_context", "calibration", "negative_knowledge",
			"role_negative_knowledge", "similar_decisions", "role_skills", "behavior_chains",
		}
	}
	return &Composer{
		store:        s,
		ns:           ns,
		calib:        calibration.NewEngine(s, ns),
		orchestrator: orch,
		order:        order,
	}
}

// registry returns every known plug-in keyed by name.
func (c *Composer) registry() map[string]plugin {
	return map[string]plugin{
		"docshot":                 {name: "docshot", priority: 0, render: c.renderDocShot},
		"session_context":         {name: "session_context", priority: 1, render: c.renderSessionContext},
		"calibration":             {name: "calibration", priority: 2, render: c.renderCalibration},
		"negative_knowledge":      {name: "negative_knowledge", priority: 3, render: c.renderNegativeKnowledge},
		"role_negative_knowledge": {name: "role_negative_knowledge", priority: 3, render: c.renderRoleNegativeKnowledge},
		"similar_decisions":       {name: "similar_decisions", priority: 4, render: c.renderSimilarDecisions},
		"role_skills":             {name: "role_skills", priority: 4, render: c.renderRoleSkills},
		"behavior_chains":         {name: "behavior_chains", priority: 5, render: c.renderBehaviorChains},
	}
}

// pipeline resolves the configured order against the registry: unknown
// names are ignored, role plug-ins are appended when missing.
func (c *Composer) pipeline() []plugin {
	known := c.registry()
	var out []plugin
	seen := make(map[string]bool)
	for _, name := range c.order {
		p, ok := known[name]
		if !ok {
			logging.Get(logging.CategoryComposer).Debug("ignoring unknown plug-in %q", name)
			continue
		}
		if seen[name] {
			continue
		}
		seen[name] = true
		out = append(out, p)
	}
	for _, role := range []string{"role_negative_knowledge", "role_skills"} {
		if !seen[role] {
			out = append(out, known[role])
		}
	}
	return out
}

// BuildDecisionContext runs every plug-in and compacts the sections to
// the token budget.
func (c *Composer) BuildDecisionContext(req *Request) (*Result, error) {
	budget := DefaultMaxTokens
	if req.MaxTokens != nil {
		budget = *req.MaxTokens
	}
	surface := &Surface{}
	log := logging.Get(logging.CategoryComposer)

	var sections []section
	for _, p := range c.pipeline() {
		content, err := p.render(req, surface)
		if err != nil {
			log.Warn("plug-in %s failed: %v", p.name, err)
			continue
		}
		if content == "" {
			continue
		}
		sections = append(sections, section{name: p.name, priority: p.priority, content: content})
	}
	sort.SliceStable(sections, func(i, j int) bool { return sections[i].priority < sections[j].priority })

	var b strings.Builder
	b.WriteString(Header + "\n")
	included := make([]string, 0, len(sections))
	truncated := false
	for _, sec := range sections {
		used := chains.EstimateTokens(b.String())
		need := chains.EstimateTokens(sec.content)
		remaining := budget - used
		if need <= remaining {
			b.WriteString("\n" + sec.content)
			included = append(included, sec.name)
			continue
		}
		if remaining >= minPartialTokens {
			b.WriteString("\n" + sec.content[:remaining*4])
			included = append(included, sec.name)
		} else {
			b.WriteString("\n" + BudgetMarker)
		}
		truncated = true
		break
	}

	text := b.String()
	return &Result{
		CompactContext:   text,
		TotalTokens:      chains.EstimateTokens(text),
		Truncated:        truncated,
		SectionsIncluded: included,
		Surface:          surface,
	}, nil
}

func (c *Composer) renderDocShot(req *Request, _ *Surface) (string, error) {
	if req.DocShotID == "" {
		return "", nil
	}
	shot, err := c.store.GetDocShot(c.ns, req.DocShotID)
	if err != nil {
		return "", err
	}
	docs, err := c.store.GetDocuments(c.ns, shot.DocumentIDs)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	b.WriteString("## Pinned Documentation\n")
	for _, d := range docs {
		snippet := d.Content
		if len(snippet) > 400 {
			snippet = snippet[:400]
		}
		fmt.Fprintf(&b, "### %s (chunk %d/%d)\n%s\n", d.FilePath, d.ChunkIndex+1, d.ChunkTotal, snippet)
	}
	return b.String(), nil
}

func (c *Composer) renderSessionContext(req *Request, _ *Surface) (string, error) {
	var sc *types.SessionContext
	var err error
	if req.SessionID != "" {
		sc, err = c.store.GetSessionContext(c.ns, req.SessionID)
	} else {
		sc, err = c.store.LatestSessionContext(c.ns)
	}
	if err != nil || sc == nil {
		return "", nil // no active session is normal
	}
	var b strings.Builder
	b.WriteString("## Session Context\n")
	if sc.Task != "" {
		fmt.Fprintf(&b, "Task: %s\n", sc.Task)
	}
	if sc.Focus != "" {
		fmt.Fprintf(&b, "Focus: %s\n", sc.Focus)
	}
	if sc.CurrentPlan != "" {
		fmt.Fprintf(&b, "Plan: %s\n", sc.CurrentPlan)
	}
	for _, con := range sc.Constraints {
		fmt.Fprintf(&b, "- Constraint: %s\n", con)
	}
	return b.String(), nil
}

func (c *Composer) renderCalibration(req *Request, _ *Surface) (string, error) {
	conf := req.Confidence
	g, err := c.calib.GetConfidenceGuidance(req.Module, &conf)
	if err != nil {
		return "", err
	}
	if g.Status == "no_data" {
		return "", nil
	}
	var b strings.Builder
	b.WriteString("## Calibration\n")
	fmt.Fprintf(&b, "Observed success rate in %s: %.0f%% over %d outcomes (trend %s).\n",
		req.Module, g.ActualSuccessRate*100, g.SampleSize, g.Trend)
	if g.Recommendation != "" {
		b.WriteString(g.Recommendation + "\n")
	}
	return b.String(), nil
}

func (c *Composer) renderNegativeKnowledge(req *Request, surface *Surface) (string, error) {
	items, err := c.store.ListNegativeKnowledge(c.ns, req.Module, 5)
	if err != nil {
		return "", err
	}
	if len(items) == 0 {
		return "", nil
	}
	surface.NegativeKnowledge = append(surface.NegativeKnowledge, items...)
	var b strings.Builder
	b.WriteString("## Known Failure Modes\n")
	for _, nk := range items {
		fmt.Fprintf(&b, "- %s: %s (%s). %s\n", nk.Hypothesis, nk.Conclusion, nk.Severity, nk.Recommendation)
	}
	return b.String(), nil
}

func (c *Composer) renderRoleNegativeKnowledge(req *Request, surface *Surface) (string, error) {
	if req.Role == "" || req.Role == req.Module {
		return "", nil
	}
	items, err := c.store.ListNegativeKnowledge(c.ns, req.Role, 5)
	if err != nil {
		return "", err
	}
	if len(items) == 0 {
		return "", nil
	}
	surface.NegativeKnowledge = append(surface.NegativeKnowledge, items...)
	var b strings.Builder
	fmt.Fprintf(&b, "## Failure Modes for %s\n", req.Role)
	for _, nk := range items {
		fmt.Fprintf(&b, "- %s: %s (%s). %s\n", nk.Hypothesis, nk.Conclusion, nk.Severity, nk.Recommendation)
	}
	return b.String(), nil
}

func (c *Composer) renderSimilarDecisions(req *Request, surface *Surface) (string, error) {
	if req.Statement == "" {
		return "", nil
	}
	decisions, err := c.store.SearchDecisions(c.ns, req.Statement, 5)
	if err != nil {
		return "", err
	}
	if len(decisions) == 0 {
		return "", nil
	}
	surface.SimilarDecisions = decisions
	var b strings.Builder
	b.WriteString("## Similar Past Decisions\n")
	for _, d := range decisions {
		fmt.Fprintf(&b, "- %s (%s, confidence %.2f, status %s)\n",
			d.Statement, d.CreatedAt.Format("2006-01-02"), d.Confidence, d.Status)
	}
	return b.String(), nil
}

func (c *Composer) renderRoleSkills(req *Request, _ *Surface) (string, error) {
	if req.Role == "" {
		return "", nil
	}
	sk, err := c.store.GetLatestSkill(c.ns, req.Role)
	if err != nil {
		return "", nil // no skill yet for the role
	}
	var b strings.Builder
	fmt.Fprintf(&b, "## Skill: %s (v%d)\n", sk.Domain, sk.Version)
	fmt.Fprintf(&b, "Success rate %.0f%% over %d decisions (quality %.2f).\n",
		sk.SuccessRate*100, sk.SampleSize, sk.QualityScore)
	if len(sk.GreenZone) > 0 {
		fmt.Fprintf(&b, "Proven: %s\n", strings.Join(sk.GreenZone, ", "))
	}
	if len(sk.RedZone) > 0 {
		fmt.Fprintf(&b, "Avoid: %s\n", strings.Join(sk.RedZone, ", "))
	}
	return b.String(), nil
}

func (c *Composer) renderBehaviorChains(req *Request, _ *Surface) (string, error) {
	if !req.IncludeChains || c.orchestrator == nil {
		return "", nil
	}
	return c.orchestrator.Compose(chains.Request{
		Domain:     req.Module,
		Statement:  req.Statement,
		Confidence: req.Confidence,
	}, 0), nil
}
