package imapclient

import "errors"

// ErrMessageTooLarge is returned when a fetched message body exceeds the
// 50 MB streaming cap.
var ErrMessageTooLarge = errors.New("imapclient: message exceeds size cap")

// ErrNotConnected is returned when an operation requires a live connection
// that could not be (re)established.
var ErrNotConnected = errors.New("imapclient: not connected")

// ErrAuthFailed marks a terminal, non-retryable authentication failure.
var ErrAuthFailed = errors.New("imapclient: authentication failed")
