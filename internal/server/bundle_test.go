package server

import (
	"context"
	"testing"

	"github.com/edisonhq/edison/internal/domain"
	"github.com/edisonhq/edison/internal/fault"
	"github.com/edisonhq/edison/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

const yamlBundle = `
id: exp-yaml
projectId: proj-1
objective: Answer support questions
rubric:
  criteria:
    - name: accuracy
      weight: 0.6
      scale_min: 1
      scale_max: 5
    - name: brevity
      weight: 0.4
      scale_min: 1
      scale_max: 5
stopRules:
  maxIterations: 3
  maxBudgetUsd: "2.50"
dataset:
  kind: golden
  cases:
    - input:
        question: How do I reset?
        context: Hold the button.
      tags: [howto]
      difficulty: 2
models:
  - provider: mock
    model: test-model
    params:
      max_tokens: 256
judges:
  - mode: pointwise
    provider: mock
    model: judge-model
seedPrompt:
  body: |
    Answer the question using the context.
    Question: {{question}}
    Context: {{context}}
`

func TestCreateBundleFromYAML(t *testing.T) {
	st, err := store.Open(":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	var b Bundle
	require.NoError(t, yaml.Unmarshal([]byte(yamlBundle), &b))

	ctx := context.Background()
	result, err := CreateBundle(ctx, st, b)
	require.NoError(t, err)
	assert.Equal(t, "exp-yaml", result.ID)
	assert.Equal(t, "exp-yaml:dataset", result.DatasetID)
	assert.Equal(t, 1, result.SeedVersion)

	exp, err := st.GetExperiment(ctx, "exp-yaml")
	require.NoError(t, err)
	require.Len(t, exp.Rubric.Criteria, 2)
	assert.Equal(t, "accuracy", exp.Rubric.Criteria[0].Name)
	assert.Equal(t, 5, exp.Rubric.Criteria[0].ScaleMax)
	assert.Equal(t, 3, exp.StopRules.MaxIterations)
	assert.Equal(t, "2.5", exp.StopRules.MaxBudgetUSD.String())

	ds, err := st.GetDataset(ctx, exp.DatasetID)
	require.NoError(t, err)
	require.Len(t, ds.Cases, 1)
	assert.Equal(t, "Hold the button.", ds.Cases[0].Input["context"])
	assert.Equal(t, []string{"howto"}, ds.Cases[0].Tags)

	models, err := st.ListModelConfigs(ctx, "exp-yaml", false)
	require.NoError(t, err)
	require.Len(t, models, 1)
	assert.Equal(t, 256, models[0].Params.MaxTokens)

	versions, err := st.ListPromptVersions(ctx, "exp-yaml")
	require.NoError(t, err)
	require.Len(t, versions, 1)
	assert.Contains(t, versions[0].Body, "{{question}}")
}

func TestCreateBundleValidation(t *testing.T) {
	st, err := store.Open(":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	ctx := context.Background()

	b := Bundle{ProjectID: "proj-1", Seed: PromptSpec{Body: "x"}}
	_, err = CreateBundle(ctx, st, b)
	require.Error(t, err)
	assert.Equal(t, fault.Validation, fault.KindOf(err))

	b = Bundle{
		ProjectID: "proj-1",
		Rubric:    domain.Rubric{Criteria: []domain.Criterion{{Name: "q", Weight: 1, ScaleMin: 1, ScaleMax: 5}}},
		Seed:      PromptSpec{Body: ""},
	}
	_, err = CreateBundle(ctx, st, b)
	require.Error(t, err)
	assert.Equal(t, fault.Validation, fault.KindOf(err))

	b.Seed.Body = "prompt"
	b.Judges = []JudgeSpec{{Mode: "tournament", Provider: "mock", Model: "judge-model"}}
	_, err = CreateBundle(ctx, st, b)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pointwise or pairwise")
}
