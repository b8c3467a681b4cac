package constant

// Watermill topics for in-process notification fan-out.
const (
	TopicSessionChanged    = "SESSION_CHANGED"
	TopicDocumentLifecycle = "DOCUMENT_LIFECYCLE"
)

// Event types carried on the document lifecycle topic.
const (
	EventDocumentReady  = "DOCUMENT_READY"
	EventDocumentFailed = "DOCUMENT_FAILED"
)

// WebSocket frame types pushed to subscribed clients.
const (
	FrameTypeQueryEvent   = "query_event"
	FrameTypeNotification = "notification"
)

// DefaultSessionName is used when a session is created without a name.
const DefaultSessionName = "Unnamed session"
