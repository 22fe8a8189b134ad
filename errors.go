package liveobjects

import "errors"

var (
	ErrUnsupportedAction = errors.New("liveobjects: unsupported protocol message action")
	ErrClosed            = errors.New("liveobjects: engine closed")
)
