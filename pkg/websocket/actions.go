package websocket

// Client-to-server actions. Colon-separated names are routed by the
// gateway's trigger table; the server pushes notifications using the chat
// and task event names from internal/events.
const (
	ActionHealthCheck = "health:check"

	ActionTaskJoin    = "task:join"
	ActionTaskLeave   = "task:leave"
	ActionTaskConfirm = "task:confirm"

	ActionChatSend   = "chat:send"
	ActionChatCancel = "chat:cancel"
	ActionChatRetry  = "chat:retry"
	ActionChatResume = "chat:resume"

	ActionHistorySync   = "history:sync"
	ActionSkillResponse = "skill:response"
)

// Error codes
const (
	ErrorCodeBadRequest    = "BAD_REQUEST"
	ErrorCodeNotFound      = "NOT_FOUND"
	ErrorCodeInternalError = "INTERNAL_ERROR"
	ErrorCodeUnauthorized  = "UNAUTHORIZED"
	ErrorCodeForbidden     = "FORBIDDEN"
	ErrorCodeValidation    = "VALIDATION_ERROR"
	ErrorCodeUnknownAction = "UNKNOWN_ACTION"
)
