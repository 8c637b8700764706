package store

// schema is applied in order on every open. Statements are idempotent.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS experiments (
		id         TEXT PRIMARY KEY,
		project_id TEXT NOT NULL,
		objective  TEXT NOT NULL,
		dataset_id TEXT NOT NULL DEFAULT '',
		rubric     TEXT NOT NULL,
		stop_rules TEXT NOT NULL,
		safety     TEXT NOT NULL,
		created_at INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_experiments_project ON experiments(project_id)`,

	`CREATE TABLE IF NOT EXISTS prompt_versions (
		id              TEXT PRIMARY KEY,
		experiment_id   TEXT NOT NULL REFERENCES experiments(id),
		version         INTEGER NOT NULL,
		parent_id       TEXT NOT NULL DEFAULT '',
		body            TEXT NOT NULL,
		system_preamble TEXT NOT NULL DEFAULT '',
		few_shot        TEXT NOT NULL DEFAULT '[]',
		tool_schema     TEXT,
		changelog       TEXT NOT NULL DEFAULT '',
		created_by      TEXT NOT NULL DEFAULT '',
		is_production   INTEGER NOT NULL DEFAULT 0,
		created_at      INTEGER NOT NULL,
		UNIQUE(experiment_id, version)
	)`,

	`CREATE TABLE IF NOT EXISTS datasets (
		id         TEXT PRIMARY KEY,
		project_id TEXT NOT NULL,
		kind       TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS cases (
		id         TEXT PRIMARY KEY,
		dataset_id TEXT NOT NULL REFERENCES datasets(id),
		input      TEXT NOT NULL,
		expected   TEXT NOT NULL DEFAULT '',
		tags       TEXT NOT NULL DEFAULT '[]',
		difficulty INTEGER NOT NULL DEFAULT 0,
		seq        INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS idx_cases_dataset ON cases(dataset_id, seq)`,

	`CREATE TABLE IF NOT EXISTS model_configs (
		id            TEXT PRIMARY KEY,
		experiment_id TEXT NOT NULL REFERENCES experiments(id),
		provider      TEXT NOT NULL,
		model         TEXT NOT NULL,
		params        TEXT NOT NULL,
		active        INTEGER NOT NULL DEFAULT 1,
		created_at    INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS judge_configs (
		id            TEXT PRIMARY KEY,
		experiment_id TEXT NOT NULL REFERENCES experiments(id),
		mode          TEXT NOT NULL,
		provider      TEXT NOT NULL,
		model         TEXT NOT NULL,
		active        INTEGER NOT NULL DEFAULT 1
	)`,

	`CREATE TABLE IF NOT EXISTS iterations (
		id                TEXT PRIMARY KEY,
		experiment_id     TEXT NOT NULL REFERENCES experiments(id),
		number            INTEGER NOT NULL,
		prompt_version_id TEXT NOT NULL,
		status            TEXT NOT NULL,
		scheduled_at      INTEGER NOT NULL DEFAULT 0,
		started_at        INTEGER NOT NULL DEFAULT 0,
		finished_at       INTEGER NOT NULL DEFAULT 0,
		metrics           TEXT,
		failure_reason    TEXT NOT NULL DEFAULT '',
		UNIQUE(experiment_id, number)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_iterations_experiment ON iterations(experiment_id, number)`,

	`CREATE TABLE IF NOT EXISTS model_runs (
		id                TEXT PRIMARY KEY,
		iteration_id      TEXT NOT NULL REFERENCES iterations(id),
		model_config_id   TEXT NOT NULL REFERENCES model_configs(id),
		dataset_id        TEXT NOT NULL,
		status            TEXT NOT NULL,
		prompt_tokens     INTEGER NOT NULL DEFAULT 0,
		completion_tokens INTEGER NOT NULL DEFAULT 0,
		cost_usd          TEXT NOT NULL DEFAULT '0',
		started_at        INTEGER NOT NULL DEFAULT 0,
		finished_at       INTEGER NOT NULL DEFAULT 0,
		failure_reason    TEXT NOT NULL DEFAULT '',
		UNIQUE(iteration_id, model_config_id)
	)`,

	`CREATE TABLE IF NOT EXISTS outputs (
		id                TEXT PRIMARY KEY,
		model_run_id      TEXT NOT NULL REFERENCES model_runs(id),
		case_id           TEXT NOT NULL,
		rendered_prompt   TEXT NOT NULL DEFAULT '',
		text              TEXT NOT NULL DEFAULT '',
		prompt_tokens     INTEGER NOT NULL DEFAULT 0,
		completion_tokens INTEGER NOT NULL DEFAULT 0,
		latency_ms        INTEGER NOT NULL DEFAULT 0,
		finish_reason     TEXT NOT NULL DEFAULT '',
		skipped           INTEGER NOT NULL DEFAULT 0,
		skip_reason       TEXT NOT NULL DEFAULT '',
		safety_flags      TEXT,
		created_at        INTEGER NOT NULL,
		UNIQUE(model_run_id, case_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_outputs_run ON outputs(model_run_id)`,

	`CREATE TABLE IF NOT EXISTS judgments (
		id              TEXT PRIMARY KEY,
		judge_config_id TEXT NOT NULL REFERENCES judge_configs(id),
		mode            TEXT NOT NULL,
		status          TEXT NOT NULL,
		output_id       TEXT NOT NULL DEFAULT '',
		scores          TEXT,
		rationales      TEXT,
		pair_key        TEXT NOT NULL DEFAULT '',
		output_a        TEXT NOT NULL DEFAULT '',
		output_b        TEXT NOT NULL DEFAULT '',
		winner          TEXT NOT NULL DEFAULT '',
		scores_a        TEXT,
		scores_b        TEXT,
		reasons         TEXT,
		safety_flags    TEXT,
		created_at      INTEGER NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_judgments_pointwise
		ON judgments(output_id, judge_config_id) WHERE output_id != ''`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_judgments_pairwise
		ON judgments(pair_key, judge_config_id) WHERE pair_key != ''`,

	`CREATE TABLE IF NOT EXISTS suggestions (
		id                       TEXT PRIMARY KEY,
		iteration_id             TEXT NOT NULL REFERENCES iterations(id),
		parent_prompt_version_id TEXT NOT NULL,
		diff                     TEXT NOT NULL,
		note                     TEXT NOT NULL DEFAULT '',
		status                   TEXT NOT NULL,
		exemplar_output_ids      TEXT NOT NULL DEFAULT '[]',
		created_at               INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_suggestions_iteration ON suggestions(iteration_id)`,

	`CREATE TABLE IF NOT EXISTS reviews (
		id            TEXT PRIMARY KEY,
		suggestion_id TEXT NOT NULL REFERENCES suggestions(id),
		reviewer      TEXT NOT NULL,
		decision      TEXT NOT NULL,
		edited_diff   TEXT NOT NULL DEFAULT '',
		notes         TEXT NOT NULL DEFAULT '',
		created_at    INTEGER NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS cost_records (
		id                TEXT PRIMARY KEY,
		project_id        TEXT NOT NULL,
		provider          TEXT NOT NULL,
		model             TEXT NOT NULL,
		prompt_tokens     INTEGER NOT NULL,
		completion_tokens INTEGER NOT NULL,
		amount_usd        TEXT NOT NULL,
		recorded_at       INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_costs_project ON cost_records(project_id, recorded_at)`,

	`CREATE TABLE IF NOT EXISTS jobs (
		id         TEXT PRIMARY KEY,
		kind       TEXT NOT NULL,
		payload    TEXT NOT NULL DEFAULT '{}',
		priority   INTEGER NOT NULL DEFAULT 0,
		status     TEXT NOT NULL DEFAULT 'PENDING',
		attempts   INTEGER NOT NULL DEFAULT 0,
		run_after  INTEGER NOT NULL DEFAULT 0,
		last_error TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_claim ON jobs(status, priority, run_after)`,

	`CREATE TABLE IF NOT EXISTS locks (
		name       TEXT PRIMARY KEY,
		owner      TEXT NOT NULL,
		expires_at INTEGER NOT NULL
	)`,
}
