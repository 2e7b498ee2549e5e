package models

// ChatResult is the outcome of one pipeline run. Pointer fields are nil when
// a stage decided not to produce the value: a flagged first message of a new
// conversation leaves every field nil, a flagged message in an existing
// conversation sets only ConversationID and RequestMessageID.
type ChatResult struct {
	ConversationID    *int64  `json:"conversation_id"`
	RequestMessageID  *int64  `json:"request_message_id"`
	ResponseMessageID *int64  `json:"response_message_id"`
	Answer            *string `json:"answer"`
}

// Flagged reports whether the turn was discarded by moderation.
func (r *ChatResult) Flagged() bool {
	return r.ResponseMessageID == nil && r.Answer == nil
}
