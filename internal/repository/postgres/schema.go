package postgres

// schema is the full DDL. Applied idempotently by DB.Migrate.
const schema = `
CREATE TABLE IF NOT EXISTS projects (
	id         UUID PRIMARY KEY,
	name       TEXT NOT NULL UNIQUE,
	base_url   TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS features (
	id          UUID PRIMARY KEY,
	project_id  UUID NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
	name        TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	background  JSONB NOT NULL DEFAULT '[]',
	scenarios   JSONB NOT NULL DEFAULT '[]',
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (project_id, name)
);

CREATE INDEX IF NOT EXISTS idx_features_project ON features(project_id);

CREATE TABLE IF NOT EXISTS test_cases (
	id         UUID PRIMARY KEY,
	project_id UUID NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
	name       TEXT NOT NULL,
	suite_name TEXT NOT NULL DEFAULT '',
	tags       JSONB NOT NULL DEFAULT '[]',
	steps      JSONB NOT NULL DEFAULT '[]',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_test_cases_project ON test_cases(project_id);
CREATE INDEX IF NOT EXISTS idx_test_cases_suite ON test_cases(project_id, suite_name);

CREATE TABLE IF NOT EXISTS report_index (
	id           TEXT PRIMARY KEY,
	project_id   TEXT NOT NULL DEFAULT '',
	project_name TEXT NOT NULL DEFAULT '',
	status       TEXT NOT NULL,
	total_tests  INT NOT NULL DEFAULT 0,
	passed       INT NOT NULL DEFAULT 0,
	failed       INT NOT NULL DEFAULT 0,
	skipped      INT NOT NULL DEFAULT 0,
	pass_rate    DOUBLE PRECISION NOT NULL DEFAULT 0,
	executed_at  TIMESTAMPTZ NOT NULL,
	completed_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_report_index_project ON report_index(project_id, executed_at DESC);
`
