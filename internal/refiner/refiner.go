// Package refiner proposes prompt edits. It feeds the weakest rubric
// criteria and the worst-scoring exemplar outputs to a refiner model, which
// must answer with exactly one unified diff against the current prompt body
// plus a short note. The diff is validated structurally before it is ever
// shown to a reviewer: it must apply cleanly, stay within size guardrails,
// avoid wholesale deletions, and preserve every template variable.
package refiner

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/edisonhq/edison/internal/domain"
	"github.com/edisonhq/edison/internal/fault"
	"github.com/edisonhq/edison/internal/provider"
	"github.com/edisonhq/edison/internal/template"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Guardrails on a proposed edit, relative to the current prompt body.
const (
	maxLengthDrift   = 0.15 // chars
	maxLineDrift     = 0.20 // lines
	maxDeletionRun   = 5 // consecutive '-' lines in one hunk
	maxWeakCriteria  = 2
	exemplarFraction = 0.20
	maxExemplars     = 5
)

// ChatClient is the slice of the provider client the refiner needs.
type ChatClient interface {
	Chat(ctx context.Context, req provider.Request) (*provider.Response, error)
}

// Refiner drives the refine step with a dedicated model.
type Refiner struct {
	client   ChatClient
	provider string
	model    string
	log      *zap.Logger
}

// New creates a refiner bound to one (provider, model).
func New(client ChatClient, providerTag, model string, log *zap.Logger) *Refiner {
	if log == nil {
		log = zap.NewNop()
	}
	return &Refiner{client: client, provider: providerTag, model: model, log: log.Named("refiner")}
}

// Exemplar is one low-scoring output shown to the refiner model.
type Exemplar struct {
	Output     domain.Output
	CaseInput  map[string]string
	Composite  float64
	Rationales map[string]string
}

// Request carries everything the refiner needs for one proposal.
type Request struct {
	Experiment     domain.Experiment
	IterationID    string
	Prompt         domain.PromptVersion
	CriterionMeans map[string]float64 // mean raw score per criterion
	Exemplars      []Exemplar
}

// Propose asks the refiner model for one prompt edit. A malformed or
// invalid reply gets one retry carrying the rejection reason; if the retry
// also fails, the last diff is recorded as an INVALID suggestion so the
// iteration can finish without a refinement.
func (r *Refiner) Propose(ctx context.Context, req Request) (domain.Suggestion, error) {
	weak := WeakCriteria(req.Experiment.Rubric, req.CriterionMeans)
	prompt := buildRefinePrompt(req, weak)

	diff, note, err := r.proposeOnce(ctx, req, prompt)
	if err != nil {
		kind := fault.KindOf(err)
		if kind != fault.ParseFailure && kind != fault.DiffInvalid {
			return domain.Suggestion{}, err
		}
		r.log.Warn("refiner proposal rejected, retrying", zap.Error(err))
		retryPrompt := prompt + "\n\nYour previous proposal was rejected: " + err.Error() +
			"\nPropose again, following the format and constraints exactly."
		diff, note, err = r.proposeOnce(ctx, req, retryPrompt)
		if err != nil {
			kind := fault.KindOf(err)
			if kind != fault.ParseFailure && kind != fault.DiffInvalid {
				return domain.Suggestion{}, err
			}
			return r.suggestion(req, diff, note, domain.SuggestionInvalid), nil
		}
	}
	return r.suggestion(req, diff, note, domain.SuggestionPending), nil
}

func (r *Refiner) suggestion(req Request, diff, note string, status domain.SuggestionStatus) domain.Suggestion {
	ids := make([]string, 0, len(req.Exemplars))
	for _, ex := range req.Exemplars {
		ids = append(ids, ex.Output.ID)
	}
	return domain.Suggestion{
		ID:                    uuid.NewString(),
		IterationID:           req.IterationID,
		ParentPromptVersionID: req.Prompt.ID,
		Diff:                  diff,
		Note:                  note,
		Status:                status,
		ExemplarOutputIDs:     ids,
		CreatedAt:             time.Now().UTC(),
	}
}

// proposeOnce performs one model call, parses the reply, and validates the
// diff against the current prompt body.
func (r *Refiner) proposeOnce(ctx context.Context, req Request, prompt string) (diff, note string, err error) {
	resp, err := r.client.Chat(ctx, provider.Request{
		Provider:  r.provider,
		Model:     r.model,
		ProjectID: req.Experiment.ProjectID,
		Messages: []provider.Message{
			{Role: provider.RoleSystem, Content: "You are a prompt engineer. Propose one minimal, surgical edit as a unified diff. Never rewrite the prompt wholesale."},
			{Role: provider.RoleUser, Content: prompt},
		},
		Options: provider.Options{Temperature: 0.5, MaxTokens: 4096},
	})
	if err != nil {
		return "", "", err
	}
	diff, note, err = parseProposal(resp.Text)
	if err != nil {
		return diff, note, err
	}
	if _, err := Validate(req.Prompt.Body, diff); err != nil {
		return diff, note, err
	}
	return diff, note, nil
}

var (
	diffTagPattern = regexp.MustCompile(`(?s)<diff>\s*(.*?)\s*</diff>`)
	noteTagPattern = regexp.MustCompile(`(?s)<note>\s*(.*?)\s*</note>`)
)

// parseProposal extracts the diff and note. The reply must contain exactly
// one of each tag.
func parseProposal(text string) (diff, note string, err error) {
	diffs := diffTagPattern.FindAllStringSubmatch(text, -1)
	notes := noteTagPattern.FindAllStringSubmatch(text, -1)
	if len(diffs) != 1 {
		return "", "", fault.New(fault.ParseFailure, "expected exactly one <diff> block, found %d", len(diffs))
	}
	if len(notes) != 1 {
		return "", "", fault.New(fault.ParseFailure, "expected exactly one <note> block, found %d", len(notes))
	}
	return diffs[0][1], strings.TrimSpace(notes[0][1]), nil
}

// Validate applies the diff to body and enforces the structural guardrails.
// It returns the edited body on success.
func Validate(body, diff string) (string, error) {
	hunks, err := ParseDiff(diff)
	if err != nil {
		return "", err
	}
	for _, h := range hunks {
		run := 0
		for _, l := range h.Lines {
			if l.Op == '-' {
				run++
				if run > maxDeletionRun {
					return "", fault.New(fault.DiffInvalid,
						"deletion run exceeds %d consecutive lines", maxDeletionRun)
				}
			} else {
				run = 0
			}
		}
	}

	edited, err := ApplyDiff(body, hunks)
	if err != nil {
		return "", err
	}

	if drift(len(body), len(edited)) > maxLengthDrift {
		return "", fault.New(fault.DiffInvalid,
			"edit changes prompt length by more than %.0f%%", maxLengthDrift*100)
	}
	oldLines := strings.Count(body, "\n") + 1
	newLines := strings.Count(edited, "\n") + 1
	if drift(oldLines, newLines) > maxLineDrift {
		return "", fault.New(fault.DiffInvalid,
			"edit changes line count by more than %.0f%%", maxLineDrift*100)
	}

	kept := map[string]bool{}
	for _, v := range template.Variables(edited) {
		kept[v] = true
	}
	for _, v := range template.Variables(body) {
		if !kept[v] {
			return "", fault.New(fault.DiffInvalid, "edit removes template variable {{%s}}", v)
		}
	}
	return edited, nil
}

func drift(oldN, newN int) float64 {
	if oldN == 0 {
		return 0
	}
	d := float64(newN-oldN) / float64(oldN)
	if d < 0 {
		d = -d
	}
	return d
}

// WeakCriteria returns the two criteria with the lowest normalized mean
// scores, worst first.
func WeakCriteria(rubric domain.Rubric, means map[string]float64) []string {
	type weak struct {
		name string
		norm float64
	}
	var ws []weak
	for _, c := range rubric.Criteria {
		mean, ok := means[c.Name]
		if !ok {
			continue
		}
		span := float64(c.ScaleMax - c.ScaleMin)
		if span <= 0 {
			continue
		}
		ws = append(ws, weak{name: c.Name, norm: (mean - float64(c.ScaleMin)) / span})
	}
	sort.SliceStable(ws, func(i, j int) bool { return ws[i].norm < ws[j].norm })
	if len(ws) > maxWeakCriteria {
		ws = ws[:maxWeakCriteria]
	}
	out := make([]string, len(ws))
	for i, w := range ws {
		out[i] = w.name
	}
	return out
}

// SelectExemplars picks the bottom fraction of scored outputs, worst first,
// at least one and at most maxExemplars.
func SelectExemplars(exemplars []Exemplar) []Exemplar {
	if len(exemplars) == 0 {
		return nil
	}
	sorted := make([]Exemplar, len(exemplars))
	copy(sorted, exemplars)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Composite < sorted[j].Composite })

	n := int(float64(len(sorted)) * exemplarFraction)
	if n < 1 {
		n = 1
	}
	if n > maxExemplars {
		n = maxExemplars
	}
	return sorted[:n]
}

func buildRefinePrompt(req Request, weak []string) string {
	var sb strings.Builder

	sb.WriteString("## Objective\n\n")
	sb.WriteString(req.Experiment.Objective)
	sb.WriteString("\n\n## Current Prompt\n\n```\n")
	sb.WriteString(req.Prompt.Body)
	sb.WriteString("\n```\n\n")

	if len(weak) > 0 {
		sb.WriteString("## Weakest Criteria\n\n")
		for _, name := range weak {
			if c, ok := req.Experiment.Rubric.Criterion(name); ok {
				fmt.Fprintf(&sb, "- **%s** (mean %.2f on %d..%d): %s\n",
					name, req.CriterionMeans[name], c.ScaleMin, c.ScaleMax, c.Description)
			} else {
				fmt.Fprintf(&sb, "- **%s** (mean %.2f)\n", name, req.CriterionMeans[name])
			}
		}
		sb.WriteString("\n")
	}

	if len(req.Exemplars) > 0 {
		sb.WriteString("## Low-Scoring Examples\n\n")
		for i, ex := range req.Exemplars {
			fmt.Fprintf(&sb, "### Example %d (score %.1f/10)\n\nInput:\n", i+1, ex.Composite)
			keys := make([]string, 0, len(ex.CaseInput))
			for k := range ex.CaseInput {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				fmt.Fprintf(&sb, "%s: %s\n", k, ex.CaseInput[k])
			}
			sb.WriteString("\nResponse:\n```\n")
			sb.WriteString(ex.Output.Text)
			sb.WriteString("\n```\n")
			if len(ex.Rationales) > 0 {
				sb.WriteString("\nJudge rationales:\n")
				names := make([]string, 0, len(ex.Rationales))
				for k := range ex.Rationales {
					names = append(names, k)
				}
				sort.Strings(names)
				for _, k := range names {
					fmt.Fprintf(&sb, "- %s: %s\n", k, ex.Rationales[k])
				}
			}
			sb.WriteString("\n")
		}
	}

	sb.WriteString("## Your Task\n\n")
	sb.WriteString("Propose ONE minimal edit to the current prompt that addresses the weakest criteria.\n\n")
	sb.WriteString("Constraints:\n")
	fmt.Fprintf(&sb, "- The edit may change total length by at most %.0f%% and line count by at most %.0f%%.\n",
		maxLengthDrift*100, maxLineDrift*100)
	fmt.Fprintf(&sb, "- Never delete more than %d consecutive lines.\n", maxDeletionRun)
	sb.WriteString("- Every {{variable}} placeholder in the current prompt must survive the edit.\n\n")
	sb.WriteString("Reply with exactly one <diff> block holding a unified diff against prompt.txt, ")
	sb.WriteString("and exactly one <note> block with a one-sentence summary:\n\n")
	sb.WriteString("<diff>\n--- a/prompt.txt\n+++ b/prompt.txt\n@@ ... @@\n...\n</diff>\n<note>...</note>\n")

	return sb.String()
}
