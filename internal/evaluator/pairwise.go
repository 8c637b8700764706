package evaluator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/edisonhq/edison/internal/domain"
	"github.com/edisonhq/edison/internal/fault"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type pairwiseReply struct {
	Winner  string         `json:"winner"` // "A", "B", or "tie"
	Reasons []string       `json:"reasons"`
	Scores  pairwiseScores `json:"scores"`
}

type pairwiseScores struct {
	A map[string]int `json:"A"`
	B map[string]int `json:"B"`
}

// Pairwise compares two outputs for the same case. The comparison runs twice
// with the presentation order swapped; if the two verdicts disagree the
// result is a tie. Outputs are presented anonymously so the judge cannot
// favor a model by name.
func (e *Evaluator) Pairwise(ctx context.Context, exp domain.Experiment, judge domain.JudgeConfig, cs domain.Case, a, b domain.Output) (domain.Judgment, error) {
	if judge.Mode != domain.JudgePairwise {
		return domain.Judgment{}, fault.New(fault.Validation, "judge %s is not pairwise", judge.ID)
	}

	system := "You are an impartial evaluator comparing two anonymous responses. Reply with JSON only."

	first, err := e.compareOnce(ctx, judge, exp, cs, a, b, system)
	if err != nil {
		if fault.KindOf(err) != fault.ParseFailure {
			return domain.Judgment{}, err
		}
		j := invalidJudgment(judge)
		j.PairKey = domain.PairKey(a.ID, b.ID)
		j.OutputA, j.OutputB = a.ID, b.ID
		return j, nil
	}

	// Swapped order; the verdict and scores are mapped back before comparing.
	second, err := e.compareOnce(ctx, judge, exp, cs, b, a, system)
	if err != nil {
		if fault.KindOf(err) != fault.ParseFailure {
			return domain.Judgment{}, err
		}
		j := invalidJudgment(judge)
		j.PairKey = domain.PairKey(a.ID, b.ID)
		j.OutputA, j.OutputB = a.ID, b.ID
		return j, nil
	}
	second = swapSides(second)

	winner := first.Winner
	if first.Winner != second.Winner {
		winner = "tie"
		e.log.Debug("order-swapped verdicts disagree",
			zap.String("judge", judge.ID),
			zap.String("first", first.Winner), zap.String("second", second.Winner))
	}

	scoresA, scoresB := first.Scores.A, first.Scores.B
	if len(scoresA) == 0 && len(scoresB) == 0 {
		scoresA, scoresB = second.Scores.A, second.Scores.B
	}

	return domain.Judgment{
		ID:            uuid.NewString(),
		JudgeConfigID: judge.ID,
		Mode:          domain.JudgePairwise,
		Status:        domain.JudgmentOK,
		PairKey:       domain.PairKey(a.ID, b.ID),
		OutputA:       a.ID,
		OutputB:       b.ID,
		Winner:        winner,
		ScoresA:       scoresA,
		ScoresB:       scoresB,
		Reasons:       append(first.Reasons, second.Reasons...),
		CreatedAt:     time.Now().UTC(),
	}, nil
}

// compareOnce runs one ordered comparison, with the single reformulation
// retry. The reply's A side refers to the first-presented output.
func (e *Evaluator) compareOnce(ctx context.Context, judge domain.JudgeConfig, exp domain.Experiment, cs domain.Case, first, second domain.Output, system string) (pairwiseReply, error) {
	prompt := buildPairwisePrompt(exp, cs, first, second)

	reply, err := e.compareCall(ctx, judge, exp.ProjectID, system, prompt)
	if err != nil {
		if fault.KindOf(err) != fault.ParseFailure {
			return pairwiseReply{}, err
		}
		reply, err = e.compareCall(ctx, judge, exp.ProjectID, system, prompt+reformulation)
		if err != nil {
			return pairwiseReply{}, err
		}
	}
	return reply, nil
}

func (e *Evaluator) compareCall(ctx context.Context, judge domain.JudgeConfig, projectID, system, prompt string) (pairwiseReply, error) {
	resp, err := e.callJudge(ctx, judge, projectID, system, prompt)
	if err != nil {
		return pairwiseReply{}, err
	}
	var reply pairwiseReply
	if err := decodeJSON(resp.Text, &reply); err != nil {
		return pairwiseReply{}, err
	}
	switch reply.Winner {
	case "A", "B", "tie":
		return reply, nil
	default:
		return pairwiseReply{}, fault.New(fault.ParseFailure, "winner %q is not A, B, or tie", reply.Winner)
	}
}

// swapSides reorients a reply from the swapped call back to the canonical
// (a, b) presentation.
func swapSides(r pairwiseReply) pairwiseReply {
	switch r.Winner {
	case "A":
		r.Winner = "B"
	case "B":
		r.Winner = "A"
	}
	r.Scores.A, r.Scores.B = r.Scores.B, r.Scores.A
	return r
}

func buildPairwisePrompt(exp domain.Experiment, cs domain.Case, first, second domain.Output) string {
	var sb strings.Builder

	sb.WriteString("## Objective\n\n")
	sb.WriteString(exp.Objective)
	sb.WriteString("\n\n## Rubric\n\n")
	for _, c := range exp.Rubric.Criteria {
		fmt.Fprintf(&sb, "- **%s** (scale %d..%d): %s\n", c.Name, c.ScaleMin, c.ScaleMax, c.Description)
	}

	sb.WriteString("\n## Input\n\n")
	writeCaseInput(&sb, cs)
	if cs.Expected != "" {
		sb.WriteString("\n## Reference Answer\n\n")
		sb.WriteString(cs.Expected)
		sb.WriteString("\n")
	}

	sb.WriteString("\n## Response A\n\n```\n")
	sb.WriteString(first.Text)
	sb.WriteString("\n```\n\n## Response B\n\n```\n")
	sb.WriteString(second.Text)
	sb.WriteString("\n```\n\n")

	sb.WriteString("## Reply Format\n\n")
	sb.WriteString("Decide which response better serves the objective under the rubric.\n")
	sb.WriteString("Reply with one JSON object and nothing else:\n")
	sb.WriteString(`{"winner": "A" | "B" | "tie", "reasons": ["<short reason>"], "scores": {"A": {"<criterion>": <integer>}, "B": {"<criterion>": <integer>}}}`)
	sb.WriteString("\n")

	return sb.String()
}
