package wsclient

import "errors"

var (
	ErrClientClosed   = errors.New("client is closed")
	ErrNotConnected   = errors.New("client is not connected")
	ErrRequestTimeout = errors.New("request timed out")
	ErrInvalidConfig  = errors.New("invalid client configuration")
)
