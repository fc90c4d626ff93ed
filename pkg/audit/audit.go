// Package audit writes security relevant events as JSON lines with size based rotation.
package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// Event types
const (
	EventAuthentication = "authentication"
	EventWallet         = "wallet"
	EventIssuance       = "issuance"
)

// Event statuses
const (
	StatusSuccess = "success"
	StatusFailure = "failure"
	StatusBlocked = "blocked"
)

// Event is one audit record
type Event struct {
	Timestamp time.Time              `json:"timestamp"`
	EventType string                 `json:"event_type"`
	Severity  string                 `json:"severity"` // "info", "warning", "critical"
	Actor     string                 `json:"actor,omitempty"`
	IPAddress string                 `json:"ip_address,omitempty"`
	Action    string                 `json:"action"`
	Resource  string                 `json:"resource,omitempty"`
	Status    string                 `json:"status"`
	Details   map[string]interface{} `json:"details,omitempty"`
	UserAgent string                 `json:"user_agent,omitempty"`
	RequestID string                 `json:"request_id,omitempty"`
}

// Origin identifies the caller of an audited action
type Origin struct {
	IPAddress string
	UserAgent string
	RequestID string
}

// Logger appends events to audit_<timestamp>.log files under a directory
type Logger struct {
	mu       sync.Mutex
	file     *os.File
	enabled  bool
	dir      string
	maxSize  int64
	maxFiles int
}

// NewLogger creates a logger. A disabled logger accepts and drops every event.
func NewLogger(dir string, enabled bool) (*Logger, error) {
	if !enabled {
		return &Logger{}, nil
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create audit log directory: %w", err)
	}

	l := &Logger{
		enabled:  true,
		dir:      dir,
		maxSize:  100 * 1024 * 1024,
		maxFiles: 10,
	}
	if err := l.rotate(); err != nil {
		return nil, err
	}
	return l, nil
}

// Log writes event
func (l *Logger) Log(event Event) error {
	if l == nil || !l.enabled {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.Severity == "" {
		event.Severity = severityFor(event.Status)
	}

	if info, err := l.file.Stat(); err == nil && info.Size() >= l.maxSize {
		if err := l.rotate(); err != nil {
			return err
		}
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal audit event: %w", err)
	}
	if _, err := l.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write audit log: %w", err)
	}

	if event.Severity == "critical" {
		l.file.Sync()
	}
	return nil
}

// LogAuthentication records a login or logout
func (l *Logger) LogAuthentication(o Origin, email, flow, status, details string) {
	l.record(Event{
		EventType: EventAuthentication,
		Actor:     email,
		IPAddress: o.IPAddress,
		UserAgent: o.UserAgent,
		RequestID: o.RequestID,
		Action:    flow,
		Status:    status,
		Details:   map[string]interface{}{"details": details},
	})
}

// LogWallet records a wallet connection change
func (l *Logger) LogWallet(o Origin, operator, action, account, status string) {
	l.record(Event{
		EventType: EventWallet,
		Actor:     operator,
		IPAddress: o.IPAddress,
		UserAgent: o.UserAgent,
		RequestID: o.RequestID,
		Action:    action,
		Resource:  account,
		Status:    status,
	})
}

// LogIssuance records the outcome of a credential issuance
func (l *Logger) LogIssuance(o Origin, operator, requestID, student, status string, details map[string]interface{}) {
	event := Event{
		EventType: EventIssuance,
		Actor:     operator,
		IPAddress: o.IPAddress,
		UserAgent: o.UserAgent,
		RequestID: o.RequestID,
		Action:    "issue_credential",
		Resource:  student,
		Status:    status,
		Details:   map[string]interface{}{"issuance_request_id": requestID},
	}
	for k, v := range details {
		event.Details[k] = v
	}
	l.record(event)
}

// record writes event and reports a failed write on the application log
func (l *Logger) record(event Event) {
	if err := l.Log(event); err != nil {
		log.WithFields(log.Fields{
			"event_type": event.EventType,
			"action":     event.Action,
			"error":      err,
		}).Warn("Failed to write audit event")
	}
}

// Close closes the current file
func (l *Logger) Close() error {
	if l == nil || !l.enabled {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

func (l *Logger) rotate() error {
	if l.file != nil {
		l.file.Close()
	}

	name := fmt.Sprintf("audit_%s.log", time.Now().UTC().Format("2006-01-02_15-04-05.000000"))
	file, err := os.OpenFile(filepath.Join(l.dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open audit log file: %w", err)
	}
	l.file = file

	l.cleanup()
	return nil
}

// cleanup removes the oldest files beyond maxFiles
func (l *Logger) cleanup() {
	files, err := filepath.Glob(filepath.Join(l.dir, "audit_*.log"))
	if err != nil || len(files) <= l.maxFiles {
		return
	}
	sort.Strings(files)
	for _, f := range files[:len(files)-l.maxFiles] {
		os.Remove(f)
	}
}

func severityFor(status string) string {
	switch status {
	case StatusFailure:
		return "warning"
	case StatusBlocked:
		return "critical"
	default:
		return "info"
	}
}
