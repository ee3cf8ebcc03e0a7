package protocol

import "errors"

var (
	ErrTruncated     = errors.New("protocol: truncated data")
	ErrInvalidLength = errors.New("protocol: invalid length")
	ErrBufferLimit   = errors.New("protocol: buffered bytes exceed limit")
)
