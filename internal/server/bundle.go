package server

import (
	"context"
	"time"

	"github.com/edisonhq/edison/internal/domain"
	"github.com/edisonhq/edison/internal/fault"
	"github.com/edisonhq/edison/internal/store"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Bundle is the full experiment definition: rubric, stop rules, dataset,
// candidate models, judges, and the seed prompt. It is accepted as JSON on
// the create endpoint and as YAML by the create command.
type Bundle struct {
	ID        string              `json:"id,omitempty" yaml:"id"`
	ProjectID string              `json:"projectId" yaml:"projectId"`
	Objective string              `json:"objective" yaml:"objective"`
	Rubric    domain.Rubric       `json:"rubric" yaml:"rubric"`
	StopRules StopRulesSpec       `json:"stopRules" yaml:"stopRules"`
	Safety    domain.SafetyConfig `json:"safety" yaml:"safety"`
	Dataset   DatasetSpec         `json:"dataset" yaml:"dataset"`
	Models    []ModelSpec         `json:"models" yaml:"models"`
	Judges    []JudgeSpec         `json:"judges" yaml:"judges"`
	Seed      PromptSpec          `json:"seedPrompt" yaml:"seedPrompt"`
}

// StopRulesSpec carries stop rules with the budget as a decimal string.
type StopRulesSpec struct {
	MaxIterations      int     `json:"maxIterations" yaml:"maxIterations"`
	MinDeltaThreshold  float64 `json:"minDeltaThreshold" yaml:"minDeltaThreshold"`
	ConvergenceWindow  int     `json:"convergenceWindow" yaml:"convergenceWindow"`
	MaxBudgetUSD       string  `json:"maxBudgetUsd" yaml:"maxBudgetUsd"`
	AlertThreshold     float64 `json:"alertThreshold" yaml:"alertThreshold"`
	StopIfNoRefinement bool    `json:"stopIfNoRefinement" yaml:"stopIfNoRefinement"`
}

type DatasetSpec struct {
	Kind  string     `json:"kind" yaml:"kind"`
	Cases []CaseSpec `json:"cases" yaml:"cases"`
}

type CaseSpec struct {
	ID         string            `json:"id,omitempty" yaml:"id"`
	Input      map[string]string `json:"input" yaml:"input"`
	Expected   string            `json:"expected,omitempty" yaml:"expected"`
	Tags       []string          `json:"tags,omitempty" yaml:"tags"`
	Difficulty int               `json:"difficulty,omitempty" yaml:"difficulty"`
}

type ModelSpec struct {
	ID       string             `json:"id,omitempty" yaml:"id"`
	Provider string             `json:"provider" yaml:"provider"`
	Model    string             `json:"model" yaml:"model"`
	Params   domain.ModelParams `json:"params" yaml:"params"`
}

type JudgeSpec struct {
	ID       string `json:"id,omitempty" yaml:"id"`
	Mode     string `json:"mode" yaml:"mode"`
	Provider string `json:"provider" yaml:"provider"`
	Model    string `json:"model" yaml:"model"`
}

type PromptSpec struct {
	Body           string                  `json:"body" yaml:"body"`
	SystemPreamble string                  `json:"systemPreamble,omitempty" yaml:"systemPreamble"`
	FewShot        []domain.FewShotExample `json:"fewShot,omitempty" yaml:"fewShot"`
}

// BundleResult identifies what CreateBundle stored.
type BundleResult struct {
	ID            string `json:"id"`
	DatasetID     string `json:"datasetId"`
	SeedVersionID string `json:"seedVersionId"`
	SeedVersion   int    `json:"seedVersion"`
}

// CreateBundle validates the bundle and stores the experiment, dataset,
// model configs, judge configs, and seed prompt version.
func CreateBundle(ctx context.Context, st *store.Store, b Bundle) (BundleResult, error) {
	exp, err := b.toExperiment()
	if err != nil {
		return BundleResult{}, err
	}
	if b.Seed.Body == "" {
		return BundleResult{}, fault.New(fault.Validation, "seed prompt body is required")
	}

	if err := st.PutExperiment(ctx, exp); err != nil {
		return BundleResult{}, err
	}
	dataset := domain.Dataset{ID: exp.DatasetID, ProjectID: exp.ProjectID, Kind: domain.DatasetKind(b.Dataset.Kind)}
	if dataset.Kind == "" {
		dataset.Kind = domain.DatasetGolden
	}
	for _, cs := range b.Dataset.Cases {
		if cs.ID == "" {
			cs.ID = uuid.NewString()
		}
		dataset.Cases = append(dataset.Cases, domain.Case{
			ID: cs.ID, DatasetID: dataset.ID, Input: cs.Input,
			Expected: cs.Expected, Tags: cs.Tags, Difficulty: cs.Difficulty,
		})
	}
	if err := st.PutDataset(ctx, dataset); err != nil {
		return BundleResult{}, err
	}
	for _, m := range b.Models {
		if m.ID == "" {
			m.ID = uuid.NewString()
		}
		mc := domain.ModelConfig{
			ID: m.ID, ExperimentID: exp.ID, Provider: m.Provider, Model: m.Model,
			Params: m.Params, Active: true, CreatedAt: time.Now().UTC(),
		}
		if err := st.PutModelConfig(ctx, mc); err != nil {
			return BundleResult{}, err
		}
	}
	for _, j := range b.Judges {
		if j.ID == "" {
			j.ID = uuid.NewString()
		}
		jc := domain.JudgeConfig{
			ID: j.ID, ExperimentID: exp.ID, Mode: domain.JudgeMode(j.Mode),
			Provider: j.Provider, Model: j.Model, Active: true,
		}
		if jc.Mode != domain.JudgePointwise && jc.Mode != domain.JudgePairwise {
			return BundleResult{}, fault.New(fault.Validation, "judge mode must be pointwise or pairwise, got %q", j.Mode)
		}
		if err := st.PutJudgeConfig(ctx, jc); err != nil {
			return BundleResult{}, err
		}
	}
	pv := domain.PromptVersion{
		ID:             uuid.NewString(),
		ExperimentID:   exp.ID,
		Body:           b.Seed.Body,
		SystemPreamble: b.Seed.SystemPreamble,
		FewShot:        b.Seed.FewShot,
		CreatedBy:      "seed",
		CreatedAt:      time.Now().UTC(),
	}
	version, err := st.CreatePromptVersion(ctx, pv)
	if err != nil {
		return BundleResult{}, err
	}

	return BundleResult{
		ID:            exp.ID,
		DatasetID:     exp.DatasetID,
		SeedVersionID: pv.ID,
		SeedVersion:   version,
	}, nil
}

func (b Bundle) toExperiment() (domain.Experiment, error) {
	exp := domain.Experiment{
		ID:        b.ID,
		ProjectID: b.ProjectID,
		Objective: b.Objective,
		Rubric:    b.Rubric,
		Safety:    b.Safety,
		CreatedAt: time.Now().UTC(),
	}
	if exp.ID == "" {
		exp.ID = uuid.NewString()
	}
	if exp.ProjectID == "" {
		return domain.Experiment{}, fault.New(fault.Validation, "projectId is required")
	}
	exp.DatasetID = exp.ID + ":dataset"

	rules, err := b.StopRules.toDomain()
	if err != nil {
		return domain.Experiment{}, err
	}
	rules.ApplyDefaults()
	if err := rules.Validate(); err != nil {
		return domain.Experiment{}, err
	}
	exp.StopRules = rules

	if err := exp.Rubric.Validate(); err != nil {
		return domain.Experiment{}, err
	}
	return exp, nil
}

func (sr StopRulesSpec) toDomain() (domain.StopRules, error) {
	rules := domain.StopRules{
		MaxIterations:      sr.MaxIterations,
		MinDeltaThreshold:  sr.MinDeltaThreshold,
		ConvergenceWindow:  sr.ConvergenceWindow,
		AlertThreshold:     sr.AlertThreshold,
		StopIfNoRefinement: sr.StopIfNoRefinement,
	}
	if sr.MaxBudgetUSD != "" {
		budget, err := decimal.NewFromString(sr.MaxBudgetUSD)
		if err != nil {
			return domain.StopRules{}, fault.New(fault.Validation, "maxBudgetUsd: %v", err)
		}
		rules.MaxBudgetUSD = budget
	}
	return rules, nil
}
