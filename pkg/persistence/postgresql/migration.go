package postgresql

func migrations() map[int]string {
	return map[int]string{
		1: `
			CREATE TABLE channel_accounts (
				id UUID PRIMARY KEY,
				team_id VARCHAR(255) NOT NULL,
				external_account_id VARCHAR(255) NOT NULL,
				name VARCHAR(255) NOT NULL DEFAULT '',
				is_active BOOLEAN NOT NULL DEFAULT true,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE UNIQUE INDEX idx_channel_accounts_external_id ON channel_accounts(external_account_id);

			CREATE TABLE inbound_events (
				id UUID PRIMARY KEY,
				provider_event_id VARCHAR(512) NOT NULL UNIQUE,
				external_account_id VARCHAR(255) NOT NULL,
				channel_account_id UUID,
				kind VARCHAR(32) NOT NULL,
				raw_payload JSONB NOT NULL,
				received_at TIMESTAMP WITH TIME ZONE NOT NULL,
				processed BOOLEAN NOT NULL DEFAULT false,
				processed_at TIMESTAMP WITH TIME ZONE
			);

			CREATE INDEX idx_inbound_events_unprocessed ON inbound_events(received_at) WHERE processed = false;

			CREATE TABLE contacts (
				id UUID PRIMARY KEY,
				channel_account_id UUID NOT NULL,
				external_user_id VARCHAR(255) NOT NULL,
				display_name VARCHAR(255),
				tags TEXT[] NOT NULL DEFAULT '{}',
				consent BOOLEAN NOT NULL DEFAULT false,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL,
				UNIQUE (channel_account_id, external_user_id)
			);

			CREATE TABLE conversations (
				id UUID PRIMARY KEY,
				channel_account_id UUID NOT NULL,
				external_user_id VARCHAR(255) NOT NULL,
				thread_key VARCHAR(512) NOT NULL,
				last_user_message_at TIMESTAMP WITH TIME ZONE,
				last_agent_message_at TIMESTAMP WITH TIME ZONE,
				window_expires_at TIMESTAMP WITH TIME ZONE,
				status VARCHAR(16) NOT NULL CHECK (status IN ('open', 'snoozed', 'closed')),
				automation_paused BOOLEAN NOT NULL DEFAULT false,
				human_agent_until TIMESTAMP WITH TIME ZONE,
				active_flow_id UUID,
				active_execution_id UUID,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL,
				UNIQUE (channel_account_id, external_user_id)
			);

			CREATE INDEX idx_conversations_window ON conversations(window_expires_at) WHERE automation_paused = false;

			CREATE TABLE triggers (
				id UUID PRIMARY KEY,
				team_id VARCHAR(255) NOT NULL,
				channel_account_id UUID NOT NULL,
				trigger_type VARCHAR(32) NOT NULL CHECK (trigger_type IN ('comment', 'story_reply', 'mention')),
				post_scope_mode VARCHAR(16) NOT NULL CHECK (post_scope_mode IN ('all', 'specific', 'next')),
				post_ids TEXT[] NOT NULL DEFAULT '{}',
				include_keywords TEXT[] NOT NULL DEFAULT '{}',
				exclude_keywords TEXT[] NOT NULL DEFAULT '{}',
				public_replies TEXT[] NOT NULL DEFAULT '{}',
				flow_id UUID NOT NULL,
				is_active BOOLEAN NOT NULL DEFAULT true,
				activated_at TIMESTAMP WITH TIME ZONE NOT NULL,
				next_consumed BOOLEAN NOT NULL DEFAULT false,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX idx_triggers_lookup ON triggers(channel_account_id, trigger_type) WHERE is_active = true;

			CREATE TABLE flows (
				id UUID PRIMARY KEY,
				team_id VARCHAR(255) NOT NULL,
				name VARCHAR(255) NOT NULL,
				is_active BOOLEAN NOT NULL DEFAULT true,
				spec JSONB NOT NULL,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE TABLE flow_executions (
				id UUID PRIMARY KEY,
				flow_id UUID NOT NULL,
				conversation_id UUID NOT NULL REFERENCES conversations(id),
				trigger_message_id VARCHAR(512),
				status VARCHAR(16) NOT NULL CHECK (status IN ('queued', 'processing', 'completed', 'failed', 'cancelled')),
				current_node_id VARCHAR(255) NOT NULL DEFAULT '',
				context JSONB NOT NULL DEFAULT '{}',
				suspended_on VARCHAR(16) NOT NULL DEFAULT '',
				pending_reply JSONB,
				not_before TIMESTAMP WITH TIME ZONE,
				claim_token VARCHAR(64) NOT NULL DEFAULT '',
				claimed_at TIMESTAMP WITH TIME ZONE,
				step_count INTEGER NOT NULL DEFAULT 0,
				started_at TIMESTAMP WITH TIME ZONE,
				retry_count INTEGER NOT NULL DEFAULT 0,
				error TEXT NOT NULL DEFAULT '',
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL,
				finished_at TIMESTAMP WITH TIME ZONE
			);

			-- At most one non-terminal execution per conversation.
			CREATE UNIQUE INDEX idx_flow_executions_single_active
				ON flow_executions(conversation_id) WHERE status IN ('queued', 'processing');
			CREATE INDEX idx_flow_executions_claimable ON flow_executions(updated_at) WHERE status = 'queued';
			CREATE INDEX idx_flow_executions_processing ON flow_executions(claimed_at) WHERE status = 'processing';

			CREATE TABLE outbound_messages (
				id UUID PRIMARY KEY,
				conversation_id UUID NOT NULL,
				execution_id UUID,
				step_key VARCHAR(255) UNIQUE,
				channel VARCHAR(16) NOT NULL CHECK (channel IN ('direct', 'public')),
				reply_to_id VARCHAR(255),
				msg_type VARCHAR(16) NOT NULL CHECK (msg_type IN ('text', 'quickReply', 'media', 'system')),
				payload JSONB NOT NULL DEFAULT '{}',
				policy_tag VARCHAR(16) NOT NULL CHECK (policy_tag IN ('NONE', 'HUMAN_AGENT')),
				delivery_status VARCHAR(16) NOT NULL CHECK (delivery_status IN ('queued', 'sent', 'delivered', 'failed')),
				external_message_id VARCHAR(255),
				retry_count INTEGER NOT NULL DEFAULT 0,
				defer_count INTEGER NOT NULL DEFAULT 0,
				not_before TIMESTAMP WITH TIME ZONE NOT NULL,
				lease_until TIMESTAMP WITH TIME ZONE,
				failure_reason VARCHAR(64),
				sent_at TIMESTAMP WITH TIME ZONE,
				delivered_at TIMESTAMP WITH TIME ZONE,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX idx_outbound_messages_due ON outbound_messages(not_before) WHERE delivery_status = 'queued';
			CREATE INDEX idx_outbound_messages_conversation ON outbound_messages(conversation_id, created_at);
			CREATE INDEX idx_outbound_messages_external_id ON outbound_messages(external_message_id);

			CREATE TABLE rate_limit_windows (
				channel_account_id UUID NOT NULL,
				api_type VARCHAR(32) NOT NULL,
				window_start TIMESTAMP WITH TIME ZONE NOT NULL,
				request_count INTEGER NOT NULL,
				max_requests INTEGER NOT NULL,
				PRIMARY KEY (channel_account_id, api_type)
			);
		`,
		2: `
			ALTER TABLE flow_executions ADD COLUMN activation_key VARCHAR(512);

			-- One execution per (trigger, inbound event) however often the event is replayed.
			CREATE UNIQUE INDEX idx_flow_executions_activation_key
				ON flow_executions(activation_key) WHERE activation_key IS NOT NULL;
		`,
	}
}
