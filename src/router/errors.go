package router

import "errors"

var (
	errMissingIdentity = errors.New("senderId and receiverId are required")
	errEmptyMessage    = errors.New("message must not be empty")
)
