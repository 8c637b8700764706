// Package evaluator runs LLM judges over model outputs. Judges always run
// with fixed sampling parameters so verdicts are reproducible regardless of
// the candidate's own parameters. A verdict that cannot be parsed gets one
// reformulation retry; a second failure yields an INVALID judgment rather
// than an error, so a flaky judge cannot wedge an iteration.
package evaluator

import (
	"context"
	"encoding/json"
	"regexp"
	"strings"
	"time"

	"github.com/edisonhq/edison/internal/domain"
	"github.com/edisonhq/edison/internal/fault"
	"github.com/edisonhq/edison/internal/provider"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Judges sample deterministically; candidates keep their own params.
const (
	judgeTemperature = 0.3
	judgeSeed        = int64(42)
	judgeMaxTokens   = 2048
)

// ChatClient is the slice of the provider client the evaluator needs.
type ChatClient interface {
	Chat(ctx context.Context, req provider.Request) (*provider.Response, error)
}

// Evaluator turns outputs into judgments.
type Evaluator struct {
	client ChatClient
	log    *zap.Logger
}

// New creates an evaluator over the given chat client.
func New(client ChatClient, log *zap.Logger) *Evaluator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Evaluator{client: client, log: log.Named("evaluator")}
}

// markdownFencePattern matches code fences with an optional language tag.
var markdownFencePattern = regexp.MustCompile("(?s)```[a-zA-Z]*\\n?(.*?)```")

// stripMarkdownFences removes code fences that may wrap the judge's JSON,
// keeping the inner content.
func stripMarkdownFences(s string) string {
	return markdownFencePattern.ReplaceAllString(s, "$1")
}

// callJudge performs one judge call with fixed sampling parameters.
func (e *Evaluator) callJudge(ctx context.Context, judge domain.JudgeConfig, projectID, system, prompt string) (*provider.Response, error) {
	seed := judgeSeed
	return e.client.Chat(ctx, provider.Request{
		Provider:  judge.Provider,
		Model:     judge.Model,
		ProjectID: projectID,
		Messages: []provider.Message{
			{Role: provider.RoleSystem, Content: system},
			{Role: provider.RoleUser, Content: prompt},
		},
		Options: provider.Options{
			Temperature:    judgeTemperature,
			MaxTokens:      judgeMaxTokens,
			Seed:           &seed,
			ResponseFormat: "json",
		},
	})
}

// decodeJSON parses the judge's reply into dst, tolerating fence wrapping
// and leading prose before the first brace.
func decodeJSON(text string, dst any) error {
	cleaned := strings.TrimSpace(stripMarkdownFences(text))
	if i := strings.IndexByte(cleaned, '{'); i > 0 {
		cleaned = cleaned[i:]
	}
	if err := json.Unmarshal([]byte(cleaned), dst); err != nil {
		return fault.Wrap(fault.ParseFailure, err, "judge reply is not valid JSON")
	}
	return nil
}

// reformulation is appended to the prompt on the single parse-failure retry.
const reformulation = "\n\nYour previous reply could not be parsed. Respond with ONLY the JSON object described above. No prose, no code fences."

func invalidJudgment(judge domain.JudgeConfig) domain.Judgment {
	return domain.Judgment{
		ID:            uuid.NewString(),
		JudgeConfigID: judge.ID,
		Mode:          judge.Mode,
		Status:        domain.JudgmentInvalid,
		CreatedAt:     time.Now().UTC(),
	}
}
