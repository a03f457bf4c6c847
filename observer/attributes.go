package observer

import "go.opentelemetry.io/otel/attribute"

// Attribute keys for session observability spans and metrics.
var (
	AttrSessionID = attribute.Key("session.id")
	AttrTurnID    = attribute.Key("session.turn_id")
	AttrVoice     = attribute.Key("session.voice")

	AttrEventKind = attribute.Key("event.kind")

	AttrToolName     = attribute.Key("tool.name")
	AttrToolDetached = attribute.Key("tool.detached")

	AttrBackendMethod = attribute.Key("backend.method")
	AttrBackendStatus = attribute.Key("backend.status")

	AttrEntryCount = attribute.Key("transcript.entries")
)
