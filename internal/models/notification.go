package models

// Notification types sent from the server to connections.
const (
	NotifyStreamStarted     = "streamStarted"
	NotifyStreamStopped     = "streamStopped"
	NotifyStreamError       = "streamError"
	NotifySessionJoined     = "sessionJoined"
	NotifyReceiveTranscript = "receiveTranscript"
	NotifyReceiveAnnotation = "receiveAnnotation"
)

// Notification is the envelope written to a connection.
// Payload is one of the payload structs below, or json.RawMessage when the
// notification was relayed from another instance.
type Notification struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// StreamStatus is the payload of streamStarted and streamStopped.
type StreamStatus struct {
	SessionGroupKey string `json:"sessionGroupKey"`
	Timestamp       int64  `json:"timestamp"`
}

// StreamError is the payload of streamError.
type StreamError struct {
	Message string `json:"message"`
}

// StreamStarted builds a streamStarted notification.
func StreamStarted(groupKey string, ts int64) *Notification {
	return &Notification{Type: NotifyStreamStarted, Payload: StreamStatus{SessionGroupKey: groupKey, Timestamp: ts}}
}

// StreamStopped builds a streamStopped notification.
func StreamStopped(groupKey string, ts int64) *Notification {
	return &Notification{Type: NotifyStreamStopped, Payload: StreamStatus{SessionGroupKey: groupKey, Timestamp: ts}}
}

// SessionJoined builds a sessionJoined notification.
func SessionJoined(groupKey string, ts int64) *Notification {
	return &Notification{Type: NotifySessionJoined, Payload: StreamStatus{SessionGroupKey: groupKey, Timestamp: ts}}
}

// StreamFailed builds a streamError notification.
func StreamFailed(message string) *Notification {
	return &Notification{Type: NotifyStreamError, Payload: StreamError{Message: message}}
}

// ReceiveTranscript builds a receiveTranscript notification.
func ReceiveTranscript(ev TranscriptEvent) *Notification {
	return &Notification{Type: NotifyReceiveTranscript, Payload: ev}
}

// ReceiveAnnotation builds a receiveAnnotation notification.
func ReceiveAnnotation(a Annotation) *Notification {
	return &Notification{Type: NotifyReceiveAnnotation, Payload: a}
}
