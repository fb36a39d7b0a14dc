package model

import "errors"

var (
	ErrUnknownKind = errors.New("unknown message kind")
)
