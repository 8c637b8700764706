package evaluator

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/edisonhq/edison/internal/domain"
	"github.com/edisonhq/edison/internal/fault"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type pointwiseReply struct {
	Scores      map[string]int      `json:"scores"`
	Rationales  map[string]string   `json:"rationales"`
	SafetyFlags *domain.SafetyFlags `json:"safetyFlags"`
}

// Pointwise scores one output against the rubric. A parse failure is retried
// once with a reformulation note; a second failure returns an INVALID
// judgment with no error.
func (e *Evaluator) Pointwise(ctx context.Context, exp domain.Experiment, judge domain.JudgeConfig, cs domain.Case, out domain.Output) (domain.Judgment, error) {
	if judge.Mode != domain.JudgePointwise {
		return domain.Judgment{}, fault.New(fault.Validation, "judge %s is not pointwise", judge.ID)
	}

	system := "You are an impartial evaluator. Score the response strictly against the rubric. Reply with JSON only."
	prompt := buildPointwisePrompt(exp, cs, out)

	reply, err := e.judgeOnce(ctx, judge, exp.ProjectID, system, prompt, exp.Rubric)
	if err != nil {
		if fault.KindOf(err) != fault.ParseFailure {
			return domain.Judgment{}, err
		}
		e.log.Warn("pointwise parse failed, reformulating",
			zap.String("judge", judge.ID), zap.String("output", out.ID))
		reply, err = e.judgeOnce(ctx, judge, exp.ProjectID, system, prompt+reformulation, exp.Rubric)
		if err != nil {
			if fault.KindOf(err) != fault.ParseFailure {
				return domain.Judgment{}, err
			}
			j := invalidJudgment(judge)
			j.OutputID = out.ID
			return j, nil
		}
	}

	if omitted := missingCriteria(exp.Rubric, reply.Scores); len(omitted) > 0 {
		e.log.Warn("judge omitted criteria, they score zero in aggregation",
			zap.String("judge", judge.ID), zap.String("output", out.ID),
			zap.Strings("criteria", omitted))
	}

	return domain.Judgment{
		ID:            uuid.NewString(),
		JudgeConfigID: judge.ID,
		Mode:          domain.JudgePointwise,
		Status:        domain.JudgmentOK,
		OutputID:      out.ID,
		Scores:        reply.Scores,
		Rationales:    reply.Rationales,
		SafetyFlags:   reply.SafetyFlags,
		CreatedAt:     time.Now().UTC(),
	}, nil
}

// judgeOnce calls the judge and validates the reply against the rubric.
// Out-of-scale scores count as parse failures so the reformulation retry
// covers them; a missing criterion is tolerated and contributes zero
// downstream.
func (e *Evaluator) judgeOnce(ctx context.Context, judge domain.JudgeConfig, projectID, system, prompt string, rubric domain.Rubric) (pointwiseReply, error) {
	resp, err := e.callJudge(ctx, judge, projectID, system, prompt)
	if err != nil {
		return pointwiseReply{}, err
	}
	var reply pointwiseReply
	if err := decodeJSON(resp.Text, &reply); err != nil {
		return pointwiseReply{}, err
	}
	if len(reply.Scores) == 0 {
		return pointwiseReply{}, fault.New(fault.ParseFailure, "judge reply carries no scores")
	}
	for _, c := range rubric.Criteria {
		score, ok := reply.Scores[c.Name]
		if !ok {
			continue
		}
		if score < c.ScaleMin || score > c.ScaleMax {
			return pointwiseReply{}, fault.New(fault.ParseFailure,
				"score %d for %q outside scale [%d,%d]", score, c.Name, c.ScaleMin, c.ScaleMax)
		}
	}
	return reply, nil
}

func missingCriteria(rubric domain.Rubric, scores map[string]int) []string {
	var out []string
	for _, c := range rubric.Criteria {
		if _, ok := scores[c.Name]; !ok {
			out = append(out, c.Name)
		}
	}
	return out
}

func buildPointwisePrompt(exp domain.Experiment, cs domain.Case, out domain.Output) string {
	var sb strings.Builder

	sb.WriteString("## Objective\n\n")
	sb.WriteString(exp.Objective)
	sb.WriteString("\n\n## Rubric\n\n")
	for _, c := range exp.Rubric.Criteria {
		fmt.Fprintf(&sb, "- **%s** (scale %d..%d, weight %.2f): %s\n",
			c.Name, c.ScaleMin, c.ScaleMax, c.Weight, c.Description)
	}

	sb.WriteString("\n## Input\n\n")
	writeCaseInput(&sb, cs)
	if cs.Expected != "" {
		sb.WriteString("\n## Reference Answer\n\n")
		sb.WriteString(cs.Expected)
		sb.WriteString("\n")
	}

	sb.WriteString("\n## Response To Score\n\n```\n")
	sb.WriteString(out.Text)
	sb.WriteString("\n```\n\n")

	sb.WriteString("## Reply Format\n\n")
	sb.WriteString("Reply with one JSON object and nothing else:\n")
	sb.WriteString(`{"scores": {"<criterion>": <integer>}, "rationales": {"<criterion>": "<one sentence>"}, ` +
		`"safetyFlags": {"policyViolation": false, "piiDetected": false, "toxicContent": false, "jailbreakAttempt": false}}`)
	sb.WriteString("\nEvery rubric criterion must appear in both maps.\n")

	return sb.String()
}

func writeCaseInput(sb *strings.Builder, cs domain.Case) {
	keys := make([]string, 0, len(cs.Input))
	for k := range cs.Input {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(sb, "%s: %s\n", k, cs.Input[k])
	}
}
