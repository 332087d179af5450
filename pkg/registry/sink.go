package registry

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cloudvibe/agentd/pkg/engine"
)

// Message types pushed to observers.
const (
	MessageDeploymentProgress = "deployment-progress"
	MessageVMCompletion       = "vm-completion"
)

// Message is a push notification for one deployment.
type Message struct {
	Type         string            `json:"type"`
	DeploymentID string            `json:"deploymentId"`
	Progress     *engine.StepEvent `json:"progress,omitempty"`
	Status       string            `json:"status,omitempty"`
	Message      string            `json:"message,omitempty"`
}

// Sink receives messages for one deployment. Send may be called from
// several goroutines.
type Sink interface {
	Send(msg Message) error
	Close() error
}

// ErrSinkClosed is returned by Send after Close.
var ErrSinkClosed = errors.New("observer sink closed")

// WebSocketSink writes messages as JSON text frames.
type WebSocketSink struct {
	conn         *websocket.Conn
	writeTimeout time.Duration

	mu     sync.Mutex
	closed bool
}

// NewWebSocketSink wraps an upgraded connection.
func NewWebSocketSink(conn *websocket.Conn, writeTimeout time.Duration) *WebSocketSink {
	return &WebSocketSink{conn: conn, writeTimeout: writeTimeout}
}

// Send implements Sink.
func (s *WebSocketSink) Send(msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSinkClosed
	}
	if s.writeTimeout > 0 {
		if err := s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout)); err != nil {
			return err
		}
	}
	return s.conn.WriteJSON(msg)
}

// Close implements Sink. It sends a close frame and closes the connection.
func (s *WebSocketSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	deadline := time.Now().Add(time.Second)
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	return s.conn.Close()
}
