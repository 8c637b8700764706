package refiner

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/edisonhq/edison/internal/domain"
	"github.com/edisonhq/edison/internal/fault"
	"github.com/edisonhq/edison/internal/provider"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedClient struct {
	mu      sync.Mutex
	replies []string
	reqs    []provider.Request
	err     error
}

func (c *scriptedClient) Chat(_ context.Context, req provider.Request) (*provider.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reqs = append(c.reqs, req)
	if c.err != nil {
		return nil, c.err
	}
	i := len(c.reqs) - 1
	text := ""
	if i < len(c.replies) {
		text = c.replies[i]
	}
	return &provider.Response{Text: text, FinishReason: provider.FinishStop}, nil
}

func refineRequest() Request {
	return Request{
		Experiment: domain.Experiment{
			ID: "exp-1", ProjectID: "proj-1", Objective: "Improve support answers",
			Rubric: domain.Rubric{Criteria: []domain.Criterion{
				{Name: "accuracy", Description: "correct", Weight: 0.6, ScaleMin: 0, ScaleMax: 5},
				{Name: "tone", Description: "polite", Weight: 0.4, ScaleMin: 0, ScaleMax: 5},
			}},
		},
		IterationID: "iter-1",
		Prompt:      domain.PromptVersion{ID: "pv-1", Body: promptBody},
		CriterionMeans: map[string]float64{
			"accuracy": 2.1,
			"tone":     4.5,
		},
		Exemplars: []Exemplar{{
			Output:     domain.Output{ID: "out-1", Text: "wrong answer"},
			CaseInput:  map[string]string{"question": "how to reset password"},
			Composite:  2.0,
			Rationales: map[string]string{"accuracy": "misses the reset link"},
		}},
	}
}

const goodProposal = `<diff>
--- a/prompt.txt
+++ b/prompt.txt
@@ -3,1 +3,1 @@
-Be concise and accurate.
+Be concise; cite the provided context.
</diff>
<note>Require citing the context to improve accuracy.</note>`

func TestProposeHappyPath(t *testing.T) {
	client := &scriptedClient{replies: []string{goodProposal}}
	r := New(client, "mock", "refine-1", nil)

	sg, err := r.Propose(context.Background(), refineRequest())
	require.NoError(t, err)
	assert.Equal(t, domain.SuggestionPending, sg.Status)
	assert.Equal(t, "pv-1", sg.ParentPromptVersionID)
	assert.Equal(t, "iter-1", sg.IterationID)
	assert.Contains(t, sg.Diff, "cite the provided context")
	assert.Equal(t, "Require citing the context to improve accuracy.", sg.Note)
	assert.Equal(t, []string{"out-1"}, sg.ExemplarOutputIDs)

	// Prompt leads with the weakest criterion and includes the exemplar.
	body := client.reqs[0].Messages[1].Content
	assert.Contains(t, body, "accuracy")
	assert.Contains(t, body, "misses the reset link")
}

func TestProposeRetriesOnMalformedReply(t *testing.T) {
	client := &scriptedClient{replies: []string{"no tags here", goodProposal}}
	r := New(client, "mock", "refine-1", nil)

	sg, err := r.Propose(context.Background(), refineRequest())
	require.NoError(t, err)
	assert.Equal(t, domain.SuggestionPending, sg.Status)
	require.Len(t, client.reqs, 2)
	assert.Contains(t, client.reqs[1].Messages[1].Content, "rejected")
}

func TestProposeInvalidAfterTwoFailures(t *testing.T) {
	bad := `<diff>
@@ -1,1 +1,1 @@
-This line is not in the prompt.
+Replacement.
</diff>
<note>bad</note>`
	client := &scriptedClient{replies: []string{bad, bad}}
	r := New(client, "mock", "refine-1", nil)

	sg, err := r.Propose(context.Background(), refineRequest())
	require.NoError(t, err)
	assert.Equal(t, domain.SuggestionInvalid, sg.Status)
	require.Len(t, client.reqs, 2)
}

func TestProposeProviderErrorPropagates(t *testing.T) {
	client := &scriptedClient{err: fault.New(fault.RateLimit, "429")}
	r := New(client, "mock", "refine-1", nil)

	_, err := r.Propose(context.Background(), refineRequest())
	require.Error(t, err)
	assert.Equal(t, fault.RateLimit, fault.KindOf(err))
}

func TestParseProposalExactlyOneOfEach(t *testing.T) {
	_, _, err := parseProposal("<diff>a</diff><diff>b</diff><note>n</note>")
	assert.Equal(t, fault.ParseFailure, fault.KindOf(err))

	_, _, err = parseProposal("<diff>a</diff>")
	assert.Equal(t, fault.ParseFailure, fault.KindOf(err))

	diff, note, err := parseProposal("prose\n<diff>the diff</diff>\n<note> trimmed </note>\nmore prose")
	require.NoError(t, err)
	assert.Equal(t, "the diff", diff)
	assert.Equal(t, "trimmed", note)
}

func TestValidateGuardrails(t *testing.T) {
	// Variable removal.
	dropVar := `@@ -4,1 +4,1 @@
-Question: {{question}}
+Question: (omitted)
`
	_, err := Validate(promptBody, dropVar)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "{{question}}")

	// Length drift: ballooning a 5-line prompt far past +15% chars.
	var adds strings.Builder
	adds.WriteString("@@ -1,1 +1,2 @@\n You are a support assistant.\n")
	adds.WriteString("+" + strings.Repeat("padding words everywhere ", 10) + "\n")
	_, err = Validate(promptBody, adds.String())
	require.Error(t, err)
	assert.Equal(t, fault.DiffInvalid, fault.KindOf(err))

	// Deletion run: more than 5 consecutive removals.
	lines := make([]string, 8)
	for i := range lines {
		lines[i] = fmt.Sprintf("line %d", i+1)
	}
	bigBody := strings.Join(lines, "\n")
	var del strings.Builder
	del.WriteString("@@ -1,6 +1,0 @@\n")
	for i := 0; i < 6; i++ {
		del.WriteString("-" + lines[i] + "\n")
	}
	_, err = Validate(bigBody, del.String())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "deletion run")
}

func TestWeakCriteria(t *testing.T) {
	rubric := domain.Rubric{Criteria: []domain.Criterion{
		{Name: "a", ScaleMin: 0, ScaleMax: 10},
		{Name: "b", ScaleMin: 0, ScaleMax: 10},
		{Name: "c", ScaleMin: 0, ScaleMax: 10},
		{Name: "d", ScaleMin: 0, ScaleMax: 10},
	}}
	means := map[string]float64{"a": 9, "b": 2, "c": 5, "d": 3}
	assert.Equal(t, []string{"b", "d"}, WeakCriteria(rubric, means))
}

func TestSelectExemplars(t *testing.T) {
	var exs []Exemplar
	for i := 0; i < 20; i++ {
		exs = append(exs, Exemplar{Output: domain.Output{ID: fmt.Sprintf("o%d", i)}, Composite: float64(i)})
	}
	picked := SelectExemplars(exs)
	require.Len(t, picked, 4) // 20% of 20
	assert.Equal(t, "o0", picked[0].Output.ID)
	assert.Equal(t, "o3", picked[3].Output.ID)

	// Always at least one.
	one := SelectExemplars(exs[:2])
	require.Len(t, one, 1)
	assert.Nil(t, SelectExemplars(nil))
}
