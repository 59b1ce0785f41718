package domain

type LiveEventType string

const (
	EventCapturedRequest      LiveEventType = "captured_request"
	EventConnectionRedirected LiveEventType = "connection_redirected"
)

// LiveEvent is pushed to live monitor subscribers; exactly one payload field is set.
type LiveEvent struct {
	Type       LiveEventType    `json:"type"`
	Request    *CapturedRequest `json:"request,omitempty"`
	Connection *ConnectionInfo  `json:"connection,omitempty"`
}
