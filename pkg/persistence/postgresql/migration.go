package postgresql

func migrations() map[int]string {
	return map[int]string{
		1: `
			CREATE TABLE stage_graphs (
				id VARCHAR(255) PRIMARY KEY,
				project_id VARCHAR(255) NOT NULL,
				name VARCHAR(255) NOT NULL,
				enabled BOOLEAN NOT NULL DEFAULT true,
				stages JSONB NOT NULL,
				created_by VARCHAR(255) NOT NULL DEFAULT '',
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL,
				CONSTRAINT stage_graphs_project_name_key UNIQUE (project_id, name)
			);

			CREATE INDEX idx_stage_graphs_project_id ON stage_graphs(project_id);

			-- graph_id is a weak reference: records survive graph deletion through their stage snapshot
			CREATE TABLE pipeline_records (
				id VARCHAR(255) PRIMARY KEY,
				graph_id VARCHAR(255) NOT NULL,
				graph_name VARCHAR(255) NOT NULL,
				project_id VARCHAR(255) NOT NULL,
				status VARCHAR(32) NOT NULL CHECK (status IN ('pending', 'running', 'stage_auditing', 'success', 'failed', 'stopped')),
				current_stage INT NOT NULL DEFAULT -1,
				triggered_by VARCHAR(255) NOT NULL DEFAULT '',
				started_at TIMESTAMP WITH TIME ZONE,
				finished_at TIMESTAMP WITH TIME ZONE,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX idx_pipeline_records_project_id ON pipeline_records(project_id);
			CREATE INDEX idx_pipeline_records_graph_id ON pipeline_records(graph_id);
			CREATE INDEX idx_pipeline_records_status ON pipeline_records(status);
			CREATE INDEX idx_pipeline_records_created_at ON pipeline_records(created_at);

			CREATE TABLE stage_records (
				record_id VARCHAR(255) NOT NULL REFERENCES pipeline_records(id) ON DELETE CASCADE,
				sequence_no INT NOT NULL,
				position INT NOT NULL,
				name VARCHAR(255) NOT NULL,
				task_type VARCHAR(64) NOT NULL,
				candidate_principals JSONB NOT NULL DEFAULT '[]',
				deploy JSONB,
				notify JSONB,
				status VARCHAR(32) NOT NULL CHECK (status IN ('waiting', 'running', 'auditing', 'passed', 'failed', 'skipped')),
				attempt INT NOT NULL DEFAULT 0,
				started_at TIMESTAMP WITH TIME ZONE,
				finished_at TIMESTAMP WITH TIME ZONE,
				result JSONB,
				failure_reason TEXT NOT NULL DEFAULT '',
				PRIMARY KEY (record_id, sequence_no)
			);

			CREATE TABLE audit_decisions (
				record_id VARCHAR(255) NOT NULL,
				sequence_no INT NOT NULL,
				attempt INT NOT NULL,
				principal VARCHAR(255) NOT NULL,
				decision VARCHAR(16) NOT NULL CHECK (decision IN ('approve', 'reject')),
				comment TEXT NOT NULL DEFAULT '',
				decided_at TIMESTAMP WITH TIME ZONE NOT NULL,
				PRIMARY KEY (record_id, sequence_no, attempt, principal),
				FOREIGN KEY (record_id, sequence_no) REFERENCES stage_records(record_id, sequence_no) ON DELETE CASCADE
			);
		`,
		2: `
			CREATE TABLE environments (
				id VARCHAR(255) PRIMARY KEY,
				project_id VARCHAR(255) NOT NULL DEFAULT '',
				name VARCHAR(255) NOT NULL DEFAULT '',
				repository TEXT NOT NULL,
				ref VARCHAR(255) NOT NULL,
				last_commit VARCHAR(64) NOT NULL DEFAULT '',
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX idx_environments_repository_ref ON environments(repository, ref);

			CREATE TABLE environment_resources (
				environment_id VARCHAR(255) NOT NULL REFERENCES environments(id) ON DELETE CASCADE,
				path TEXT NOT NULL,
				kind VARCHAR(255) NOT NULL DEFAULT '',
				name VARCHAR(255) NOT NULL DEFAULT '',
				namespace VARCHAR(255) NOT NULL DEFAULT '',
				checksum VARCHAR(64) NOT NULL,
				commit_sha VARCHAR(64) NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL,
				PRIMARY KEY (environment_id, path)
			);

			CREATE TABLE processed_pushes (
				environment_id VARCHAR(255) NOT NULL,
				repository TEXT NOT NULL,
				commit_sha VARCHAR(64) NOT NULL,
				processed_at TIMESTAMP WITH TIME ZONE NOT NULL,
				PRIMARY KEY (environment_id, repository, commit_sha)
			);

			CREATE INDEX idx_processed_pushes_processed_at ON processed_pushes(processed_at);
		`,
	}
}
