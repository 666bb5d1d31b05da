package wire

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/user/nearlink/logger"
	"github.com/user/nearlink/util"
)

// ConnectionEventsFile is the per-device JSONL audit file name
const ConnectionEventsFile = "connection_events.jsonl"

// ConnectionEvent is one socket lifecycle event
type ConnectionEvent struct {
	Timestamp  int64             `json:"timestamp"` // nanoseconds since epoch
	Event      string            `json:"event"`     // socket_created, connection_accepted, socket_error, ...
	SocketType string            `json:"socket_type"`
	RemoteID   string            `json:"remote_id,omitempty"`
	Path       string            `json:"path,omitempty"`
	Error      string            `json:"error,omitempty"`
	Context    string            `json:"context,omitempty"` // read loop, write, handshake
	Details    map[string]string `json:"details,omitempty"`
}

// ConnectionEventLogger appends connection events to a JSONL file in the
// device's data directory. A nil logger discards everything.
type ConnectionEventLogger struct {
	prefix  string
	logPath string
	mutex   sync.Mutex
}

// NewConnectionEventLogger creates the audit log for a device
func NewConnectionEventLogger(localID string) (*ConnectionEventLogger, error) {
	dir, err := util.GetDeviceCacheDir(localID)
	if err != nil {
		return nil, err
	}
	return &ConnectionEventLogger{
		prefix:  fmt.Sprintf("%s events", logger.ShortID(localID)),
		logPath: filepath.Join(dir, ConnectionEventsFile),
	}, nil
}

// Path returns the JSONL file path
func (cel *ConnectionEventLogger) Path() string {
	if cel == nil {
		return ""
	}
	return cel.logPath
}

// Log appends one event
func (cel *ConnectionEventLogger) Log(event ConnectionEvent) {
	if cel == nil {
		return
	}
	if event.Timestamp == 0 {
		event.Timestamp = time.Now().UnixNano()
	}

	data, err := json.Marshal(event)
	if err != nil {
		logger.Warn(cel.prefix, "failed to marshal connection event: %v", err)
		return
	}

	cel.mutex.Lock()
	defer cel.mutex.Unlock()

	f, err := os.OpenFile(cel.logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		logger.Warn(cel.prefix, "failed to open connection event log: %v", err)
		return
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		logger.Warn(cel.prefix, "failed to write connection event: %v", err)
	}
}

func (cel *ConnectionEventLogger) LogSocketCreated(socketType, path string) {
	cel.Log(ConnectionEvent{Event: "socket_created", SocketType: socketType, Path: path})
}

func (cel *ConnectionEventLogger) LogConnectionAccepted(socketType, remoteID string) {
	cel.Log(ConnectionEvent{Event: "connection_accepted", SocketType: socketType, RemoteID: remoteID})
}

func (cel *ConnectionEventLogger) LogConnectionEstablished(socketType, remoteID, path string) {
	cel.Log(ConnectionEvent{Event: "connection_established", SocketType: socketType, RemoteID: remoteID, Path: path})
}

func (cel *ConnectionEventLogger) LogSocketError(socketType, remoteID, errorMsg, context string) {
	cel.Log(ConnectionEvent{
		Event:      "socket_error",
		SocketType: socketType,
		RemoteID:   remoteID,
		Error:      errorMsg,
		Context:    context,
	})
}

func (cel *ConnectionEventLogger) LogSocketClosed(socketType, remoteID, reason string) {
	cel.Log(ConnectionEvent{Event: "socket_closed", SocketType: socketType, RemoteID: remoteID, Context: reason})
}

func (cel *ConnectionEventLogger) LogMTUNegotiated(socketType, remoteID string, mtu int) {
	cel.Log(ConnectionEvent{
		Event:      "mtu_negotiated",
		SocketType: socketType,
		RemoteID:   remoteID,
		Details:    map[string]string{"mtu": strconv.Itoa(mtu)},
	})
}

func (cel *ConnectionEventLogger) LogReadLoopStarted(socketType, remoteID string) {
	cel.Log(ConnectionEvent{Event: "read_loop_started", SocketType: socketType, RemoteID: remoteID})
}

func (cel *ConnectionEventLogger) LogReadLoopEnded(socketType, remoteID, reason string) {
	cel.Log(ConnectionEvent{Event: "read_loop_ended", SocketType: socketType, RemoteID: remoteID, Context: reason})
}

// ReadConnectionEvents loads an audit file, skipping lines that do not parse
func ReadConnectionEvents(path string) ([]ConnectionEvent, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var events []ConnectionEvent
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var ev ConnectionEvent
		if json.Unmarshal(scanner.Bytes(), &ev) == nil {
			events = append(events, ev)
		}
	}
	return events, scanner.Err()
}
