package schema

// actionOrder fixes the iteration order used by Registry.Actions, matching
// the order the actions are introduced in spec 4.1.
var actionOrder = []string{
	"llm_call",
	"memory_write", "memory_query", "memory_read", "memory_delete", "memory_list",
	"web_fetch", "web_search",
	"audit_query",
	"skill_list", "skill_read", "skill_propose",
	"identity_write", "user_write", "identity_propose",
	"proposal_list", "proposal_review",
	"workspace_write", "workspace_read", "workspace_list",
	"scheduler_add_cron", "scheduler_run_at", "scheduler_remove_cron", "scheduler_list_jobs",
	"agent_registry_list", "agent_registry_get",
}

// actionSchemas holds one Draft 2020-12 JSON Schema literal per action.
// additionalProperties:false enforces the strict "no extra top-level keys"
// contract; required lists the essential fields from spec 4.1.
var actionSchemas = map[string]string{
	"llm_call": `{
		"type": "object",
		"properties": {
			"action": {"const": "llm_call"},
			"messages": {
				"type": "array", "minItems": 1,
				"items": {
					"type": "object",
					"properties": {
						"role": {"enum": ["user", "assistant", "system", "toolResult"]},
						"content": {}
					},
					"required": ["role", "content"]
				}
			},
			"tools": {"type": "array"},
			"model": {"type": "string"},
			"maxTokens": {"type": "integer", "minimum": 1},
			"temperature": {"type": "number", "minimum": 0, "maximum": 2}
		},
		"required": ["action", "messages"],
		"additionalProperties": false
	}`,

	"memory_write": `{
		"type": "object",
		"properties": {
			"action": {"const": "memory_write"},
			"scope": {"type": "string"},
			"key": {"type": "string"},
			"value": {}
		},
		"required": ["action", "scope", "key", "value"],
		"additionalProperties": false
	}`,

	"memory_query": `{
		"type": "object",
		"properties": {
			"action": {"const": "memory_query"},
			"scope": {"type": "string"},
			"query": {"type": "string"}
		},
		"required": ["action", "scope", "query"],
		"additionalProperties": false
	}`,

	"memory_read": `{
		"type": "object",
		"properties": {
			"action": {"const": "memory_read"},
			"scope": {"type": "string"},
			"key": {"type": "string"}
		},
		"required": ["action", "scope", "key"],
		"additionalProperties": false
	}`,

	"memory_delete": `{
		"type": "object",
		"properties": {
			"action": {"const": "memory_delete"},
			"scope": {"type": "string"},
			"key": {"type": "string"}
		},
		"required": ["action", "scope", "key"],
		"additionalProperties": false
	}`,

	"memory_list": `{
		"type": "object",
		"properties": {
			"action": {"const": "memory_list"},
			"scope": {"type": "string"}
		},
		"required": ["action", "scope"],
		"additionalProperties": false
	}`,

	"web_fetch": `{
		"type": "object",
		"properties": {
			"action": {"const": "web_fetch"},
			"url": {"type": "string"}
		},
		"required": ["action", "url"],
		"additionalProperties": false
	}`,

	"web_search": `{
		"type": "object",
		"properties": {
			"action": {"const": "web_search"},
			"query": {"type": "string"}
		},
		"required": ["action", "query"],
		"additionalProperties": false
	}`,

	"audit_query": `{
		"type": "object",
		"properties": {
			"action": {"const": "audit_query"},
			"sessionId": {"type": "string"},
			"limit": {"type": "integer", "minimum": 1}
		},
		"required": ["action"],
		"additionalProperties": false
	}`,

	"skill_list": `{
		"type": "object",
		"properties": {"action": {"const": "skill_list"}},
		"required": ["action"],
		"additionalProperties": false
	}`,

	"skill_read": `{
		"type": "object",
		"properties": {
			"action": {"const": "skill_read"},
			"skill": {"type": "string"}
		},
		"required": ["action", "skill"],
		"additionalProperties": false
	}`,

	"skill_propose": `{
		"type": "object",
		"properties": {
			"action": {"const": "skill_propose"},
			"skill": {"type": "string"},
			"content": {"type": "string"},
			"reason": {"type": "string"}
		},
		"required": ["action", "skill", "content"],
		"additionalProperties": false
	}`,

	"identity_write": `{
		"type": "object",
		"properties": {
			"action": {"const": "identity_write"},
			"file": {"type": "string"},
			"content": {"type": "string"},
			"reason": {"type": "string"},
			"origin": {"type": "string"}
		},
		"required": ["action", "file", "content"],
		"additionalProperties": false
	}`,

	"user_write": `{
		"type": "object",
		"properties": {
			"action": {"const": "user_write"},
			"userId": {"type": "string"},
			"content": {"type": "string"}
		},
		"required": ["action", "userId", "content"],
		"additionalProperties": false
	}`,

	"identity_propose": `{
		"type": "object",
		"properties": {
			"action": {"const": "identity_propose"},
			"file": {"type": "string"},
			"content": {"type": "string"},
			"reason": {"type": "string"},
			"origin": {"type": "string"}
		},
		"required": ["action", "file", "content"],
		"additionalProperties": false
	}`,

	"proposal_list": `{
		"type": "object",
		"properties": {"action": {"const": "proposal_list"}},
		"required": ["action"],
		"additionalProperties": false
	}`,

	"proposal_review": `{
		"type": "object",
		"properties": {
			"action": {"const": "proposal_review"},
			"proposalId": {"type": "string"},
			"decision": {"enum": ["approved", "rejected"]},
			"reason": {"type": "string"}
		},
		"required": ["action", "proposalId", "decision"],
		"additionalProperties": false
	}`,

	"workspace_write": `{
		"type": "object",
		"properties": {
			"action": {"const": "workspace_write"},
			"tier": {"enum": ["agent", "user", "scratch"]},
			"path": {"type": "string"},
			"content": {"type": "string"}
		},
		"required": ["action", "tier", "path", "content"],
		"additionalProperties": false
	}`,

	"workspace_read": `{
		"type": "object",
		"properties": {
			"action": {"const": "workspace_read"},
			"tier": {"enum": ["agent", "user", "scratch"]},
			"path": {"type": "string"},
			"jsonField": {"type": "string"}
		},
		"required": ["action", "tier", "path"],
		"additionalProperties": false
	}`,

	"workspace_list": `{
		"type": "object",
		"properties": {
			"action": {"const": "workspace_list"},
			"tier": {"enum": ["agent", "user", "scratch"]},
			"path": {"type": "string"}
		},
		"required": ["action", "tier"],
		"additionalProperties": false
	}`,

	"scheduler_add_cron": `{
		"type": "object",
		"properties": {
			"action": {"const": "scheduler_add_cron"},
			"schedule": {"type": "string"},
			"prompt": {"type": "string"},
			"runOnce": {"type": "boolean"}
		},
		"required": ["action", "schedule", "prompt"],
		"additionalProperties": false
	}`,

	"scheduler_run_at": `{
		"type": "object",
		"properties": {
			"action": {"const": "scheduler_run_at"},
			"fireAt": {"type": "string"},
			"prompt": {"type": "string"}
		},
		"required": ["action", "fireAt", "prompt"],
		"additionalProperties": false
	}`,

	"scheduler_remove_cron": `{
		"type": "object",
		"properties": {
			"action": {"const": "scheduler_remove_cron"},
			"jobId": {"type": "string"}
		},
		"required": ["action", "jobId"],
		"additionalProperties": false
	}`,

	"scheduler_list_jobs": `{
		"type": "object",
		"properties": {"action": {"const": "scheduler_list_jobs"}},
		"required": ["action"],
		"additionalProperties": false
	}`,

	"agent_registry_list": `{
		"type": "object",
		"properties": {"action": {"const": "agent_registry_list"}},
		"required": ["action"],
		"additionalProperties": false
	}`,

	"agent_registry_get": `{
		"type": "object",
		"properties": {
			"action": {"const": "agent_registry_get"},
			"agentId": {"type": "string"}
		},
		"required": ["action", "agentId"],
		"additionalProperties": false
	}`,
}
