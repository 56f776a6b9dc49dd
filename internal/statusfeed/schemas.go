package statusfeed

const syncStatusSchema = `{
  "type": "object",
  "title": "CalendarSyncStatus",
  "properties": {
    "event_id": {"type": "string"},
    "user_id": {"type": "string"},
    "cycle_id": {"type": "string"},
    "trigger": {"type": "string"},
    "outcome": {"type": "string", "enum": ["success", "partial", "failed"]},
    "synced_count": {"type": "integer"},
    "failed_count": {"type": "integer"},
    "kinds": {"type": "array", "items": {"type": "string"}},
    "error": {"type": "string"},
    "occurred_at": {"type": "string", "format": "date-time"}
  },
  "required": ["event_id", "user_id", "trigger", "outcome", "synced_count", "failed_count", "kinds", "occurred_at"],
  "additionalProperties": false
}`
