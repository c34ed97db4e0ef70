package channel

// NotificationKind categorizes side-channel notifications.
type NotificationKind string

const (
	// NotifyError is a backend-reported error for a topic.
	NotifyError NotificationKind = "error"
	// NotifyInsufficientBalance means the account ran out of credit.
	NotifyInsufficientBalance NotificationKind = "insufficient_balance"
	// NotifyParallelChatLimit means too many concurrent generations.
	NotifyParallelChatLimit NotificationKind = "parallel_chat_limit"
	// NotifyToolConfirmation means a tool call is blocked on explicit
	// user confirm or cancel.
	NotifyToolConfirmation NotificationKind = "tool_confirmation"
)

// Notification is surfaced to the presentation layer. Messages are never
// mutated by the conditions that produce these.
type Notification struct {
	Kind       NotificationKind
	TopicID    string
	Text       string
	ToolCallID string
}
