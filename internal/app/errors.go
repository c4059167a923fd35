package app

import "errors"

// Error taxonomy mapped to HTTP status codes at the server boundary.
var (
	// ErrValidation covers malformed, missing, or oversized input.
	ErrValidation = errors.New("validation failed")
	// ErrNotParticipant means the caller has no active membership in
	// the conversation.
	ErrNotParticipant = errors.New("you do not have access to this conversation")
	// ErrPermission means the caller is not the message's sender.
	ErrPermission = errors.New("you do not have permission to modify this message")
	// ErrNotFound means a conversation, message, or user id did not
	// resolve.
	ErrNotFound = errors.New("not found")
	// ErrSelfConversation rejects a direct conversation with oneself.
	ErrSelfConversation = errors.New("cannot start a conversation with yourself")
)
