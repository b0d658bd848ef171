package types

// Message is an inbound chat message as handed over by the transport layer.
// The core is agnostic to how it was obtained.
type Message struct {
	ID           string
	ChatID       string
	ChatName     string
	Sender       string // stable sender identity
	SenderName   string // display name
	Body         string
	Timestamp    int64 // epoch milliseconds
	IsGroupChat  bool
	FromMe       bool // sent by the tracked user
	QuotedBody   string
	QuotedSender string
	MentionedIDs []string
}
