package storage

import "errors"

var (
	ErrAppNotFound          = errors.New("app not found")
	ErrEndUserNotFound      = errors.New("end user not found")
	ErrConversationNotFound = errors.New("conversation not found")
	ErrMessageNotFound      = errors.New("message not found")
)
