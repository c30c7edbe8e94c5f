package postgresql

func migrations() map[int]string {
	return map[int]string{
		1: `
			-- Flow definitions
			CREATE TABLE flows (
				id BIGSERIAL PRIMARY KEY,
				name VARCHAR(255) NOT NULL,
				definition JSONB NOT NULL,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
			);

			-- Contacts and conversations referenced by runs and follow-ups
			CREATE TABLE contacts (
				id BIGSERIAL PRIMARY KEY,
				name VARCHAR(255) NOT NULL DEFAULT '',
				identifier VARCHAR(255) NOT NULL,
				phone VARCHAR(64) NOT NULL DEFAULT '',
				email VARCHAR(255) NOT NULL DEFAULT '',
				metadata JSONB
			);

			CREATE TABLE conversations (
				id BIGSERIAL PRIMARY KEY,
				company_id BIGINT NOT NULL,
				contact_id BIGINT NOT NULL REFERENCES contacts(id),
				status VARCHAR(50) NOT NULL DEFAULT 'open'
			);

			CREATE TABLE channel_connections (
				id BIGSERIAL PRIMARY KEY,
				user_id BIGINT NOT NULL,
				channel_type VARCHAR(50) NOT NULL,
				status VARCHAR(50) NOT NULL DEFAULT 'active'
			);

			CREATE TABLE messages (
				id BIGSERIAL PRIMARY KEY,
				conversation_id BIGINT NOT NULL REFERENCES conversations(id),
				contact_id BIGINT NOT NULL REFERENCES contacts(id),
				channel_type VARCHAR(50) NOT NULL,
				type VARCHAR(50) NOT NULL,
				content TEXT NOT NULL DEFAULT '',
				direction VARCHAR(20) NOT NULL,
				status VARCHAR(50) NOT NULL DEFAULT 'pending',
				media_url TEXT,
				metadata JSONB,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
			);

			CREATE INDEX idx_messages_conversation ON messages(conversation_id);

			-- Durable execution analytics rows
			CREATE TABLE flow_executions (
				id BIGSERIAL PRIMARY KEY,
				execution_id VARCHAR(255) NOT NULL UNIQUE,
				flow_id BIGINT NOT NULL,
				conversation_id BIGINT NOT NULL,
				contact_id BIGINT NOT NULL,
				company_id BIGINT NOT NULL DEFAULT 0,
				trigger_node_id VARCHAR(255) NOT NULL,
				current_node_id VARCHAR(255),
				status VARCHAR(50) NOT NULL,
				execution_path JSONB NOT NULL DEFAULT '[]',
				context_data JSONB,
				started_at TIMESTAMP WITH TIME ZONE NOT NULL,
				completed_at TIMESTAMP WITH TIME ZONE,
				total_duration_ms BIGINT NOT NULL DEFAULT 0,
				completion_rate INTEGER NOT NULL DEFAULT 0,
				error_message TEXT
			);

			CREATE INDEX idx_flow_executions_flow ON flow_executions(flow_id);
			CREATE INDEX idx_flow_executions_conversation ON flow_executions(conversation_id);
			CREATE INDEX idx_flow_executions_status ON flow_executions(status);

			CREATE TABLE flow_step_executions (
				id BIGSERIAL PRIMARY KEY,
				flow_execution_id BIGINT NOT NULL REFERENCES flow_executions(id) ON DELETE CASCADE,
				node_id VARCHAR(255) NOT NULL,
				node_type VARCHAR(100) NOT NULL,
				step_order INTEGER NOT NULL,
				status VARCHAR(50) NOT NULL,
				input_data JSONB,
				output_data JSONB,
				error_message TEXT,
				duration_ms BIGINT NOT NULL DEFAULT 0,
				started_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
				completed_at TIMESTAMP WITH TIME ZONE,
				UNIQUE (flow_execution_id, node_id, step_order)
			);

			-- Captured variables, hydrated back into future runs
			CREATE TABLE flow_variables (
				id BIGSERIAL PRIMARY KEY,
				session_id VARCHAR(255) NOT NULL,
				scope VARCHAR(100) NOT NULL DEFAULT '',
				key VARCHAR(255) NOT NULL,
				value JSONB,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
				UNIQUE (session_id, scope, key)
			);

			-- Deferred sends and their attempt log
			CREATE TABLE scheduled_followups (
				id BIGSERIAL PRIMARY KEY,
				schedule_id VARCHAR(255) NOT NULL UNIQUE,
				session_id VARCHAR(255),
				flow_id BIGINT NOT NULL DEFAULT 0,
				conversation_id BIGINT NOT NULL,
				contact_id BIGINT NOT NULL,
				company_id BIGINT NOT NULL DEFAULT 0,
				node_id VARCHAR(255),
				message_type VARCHAR(50) NOT NULL,
				message_content TEXT,
				media_url TEXT,
				caption TEXT,
				template_id BIGINT NOT NULL DEFAULT 0,
				trigger_event VARCHAR(100),
				trigger_node_id VARCHAR(255),
				delay_amount INTEGER NOT NULL DEFAULT 0,
				delay_unit VARCHAR(20),
				scheduled_for TIMESTAMP WITH TIME ZONE NOT NULL,
				specific_datetime TIMESTAMP WITH TIME ZONE,
				timezone VARCHAR(100),
				status VARCHAR(50) NOT NULL DEFAULT 'scheduled',
				sent_at TIMESTAMP WITH TIME ZONE,
				failed_reason TEXT,
				retry_count INTEGER NOT NULL DEFAULT 0,
				max_retries INTEGER NOT NULL DEFAULT 3,
				channel_type VARCHAR(50) NOT NULL,
				channel_connection_id BIGINT NOT NULL DEFAULT 0,
				variables JSONB,
				execution_context JSONB,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
				expires_at TIMESTAMP WITH TIME ZONE
			);

			CREATE INDEX idx_scheduled_followups_due ON scheduled_followups(status, scheduled_for);
			CREATE INDEX idx_scheduled_followups_conversation ON scheduled_followups(conversation_id);

			CREATE TABLE followup_execution_logs (
				id BIGSERIAL PRIMARY KEY,
				schedule_id VARCHAR(255) NOT NULL,
				execution_attempt INTEGER NOT NULL,
				status VARCHAR(50) NOT NULL,
				message_id VARCHAR(255),
				error_message TEXT,
				execution_duration_ms BIGINT NOT NULL DEFAULT 0,
				executed_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
			);

			CREATE INDEX idx_followup_logs_schedule ON followup_execution_logs(schedule_id);
			CREATE INDEX idx_followup_logs_executed_at ON followup_execution_logs(executed_at);
		`,
	}
}
