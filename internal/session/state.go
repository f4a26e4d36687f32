package session

import "github.com/zombor/docextract/internal/extraction"

// Phase is the upload lifecycle position of a session
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseUploading
	PhaseSucceeded
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseUploading:
		return "uploading"
	case PhaseSucceeded:
		return "succeeded"
	case PhaseFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// State is one of Idle, Uploading, Succeeded or Failed
type State interface {
	Phase() Phase
	FileName() string
}

// Idle is the state before any file has been selected
type Idle struct{}

// Uploading holds the progress of the current attempt
type Uploading struct {
	Name     string
	Progress int
}

// Succeeded holds the normalized, possibly edited, result
type Succeeded struct {
	Name   string
	Result extraction.Result
}

// Failed holds the message of the error that ended the attempt
type Failed struct {
	Name    string
	Message string
}

func (Idle) Phase() Phase      { return PhaseIdle }
func (Uploading) Phase() Phase { return PhaseUploading }
func (Succeeded) Phase() Phase { return PhaseSucceeded }
func (Failed) Phase() Phase    { return PhaseFailed }

func (Idle) FileName() string        { return "" }
func (s Uploading) FileName() string { return s.Name }
func (s Succeeded) FileName() string { return s.Name }
func (s Failed) FileName() string    { return s.Name }

// Progress returns the upload percentage shown for s
func Progress(s State) int {
	switch st := s.(type) {
	case Uploading:
		return st.Progress
	case Succeeded:
		return 100
	default:
		return 0
	}
}

// ResultOf returns the result held by s, or nil
func ResultOf(s State) *extraction.Result {
	if st, ok := s.(Succeeded); ok {
		r := st.Result.Clone()
		return &r
	}
	return nil
}

// detach returns st with its result copied, so the holder cannot write
// through to the session's own state.
func detach(st State) State {
	if s, ok := st.(Succeeded); ok {
		s.Result = s.Result.Clone()
		return s
	}
	return st
}

// ErrorMessage returns the failure message held by s, or ""
func ErrorMessage(s State) string {
	if st, ok := s.(Failed); ok {
		return st.Message
	}
	return ""
}
