package envelope

import (
	"fmt"
	"runtime"
)

// ProtocolError marks a stream record whose envelope is malformed. It is
// always a producer-side defect: the record is written to the decode_error
// table and its offset is marked processed immediately, because retrying a
// malformed message can never succeed.
type ProtocolError struct {
	Msg  string
	Data string // offending raw payload, truncated for storage
	Line int    // source line of the raising site
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error at line %d: %s", e.Line, e.Msg)
}

// FormatError marks a well-formed envelope whose payload violates the AFC
// message schema. Handled the same way as ProtocolError.
type FormatError struct {
	Msg  string
	Data string
	Line int
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("format error at line %d: %s", e.Line, e.Msg)
}

const maxErrorData = 4096

func Protocolf(data []byte, format string, args ...any) *ProtocolError {
	_, _, line, _ := runtime.Caller(1)
	return &ProtocolError{
		Msg:  fmt.Sprintf(format, args...),
		Data: truncate(data),
		Line: line,
	}
}

func Formatf(data []byte, format string, args ...any) *FormatError {
	_, _, line, _ := runtime.Caller(1)
	return &FormatError{
		Msg:  fmt.Sprintf(format, args...),
		Data: truncate(data),
		Line: line,
	}
}

func truncate(data []byte) string {
	if len(data) > maxErrorData {
		return string(data[:maxErrorData])
	}
	return string(data)
}
