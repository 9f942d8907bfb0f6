package domain

import "fmt"

// SinkOpenError is returned when the destination for a download cannot be opened.
// The download is skipped and counted as a failed submission.
type SinkOpenError struct {
	Dest string
	Err  error
}

func (e *SinkOpenError) Error() string {
	return fmt.Sprintf("open destination %s: %v", e.Dest, e.Err)
}

func (e *SinkOpenError) Unwrap() error { return e.Err }

// ProtocolViolation reports a broken contract between the coordinator and the
// transfer engine. It is raised with panic and is never recovered inside the loop.
type ProtocolViolation struct {
	Component string
	Detail    string
}

func (e *ProtocolViolation) Error() string {
	return fmt.Sprintf("protocol violation in %s: %s", e.Component, e.Detail)
}

// Violation builds a ProtocolViolation with a formatted detail.
func Violation(component, format string, args ...any) *ProtocolViolation {
	return &ProtocolViolation{Component: component, Detail: fmt.Sprintf(format, args...)}
}
