// Package status holds the operator-facing status line shown on the dashboard.
//
// A message carries its severity explicitly. Severity is never inferred from the
// message text, so a success message that happens to mention an error renders as
// neutral.
package status

import (
	"fmt"
	"sync"
	"time"
)

// Severity classifies a status message
type Severity string

const (
	SeverityNormal Severity = "normal"
	SeverityError  Severity = "error"
)

// Stage is the position of an action in its linear progression
type Stage string

const (
	StageIdle       Stage = "idle"
	StageValidating Stage = "validating"
	StageInFlight   Stage = "in_flight"
	StageTerminal   Stage = "terminal"
)

// Message is a single status update
type Message struct {
	Text     string   `json:"text"`
	Severity Severity `json:"severity"`
	Stage    Stage    `json:"stage"`
}

// Display is what the view renders for the current message
type Display struct {
	Text      string    `json:"text"`
	Severity  Severity  `json:"severity"`
	Stage     Stage     `json:"stage"`
	CSSClass  string    `json:"css_class"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Info builds a neutral message
func Info(stage Stage, format string, args ...interface{}) Message {
	return Message{Text: fmt.Sprintf(format, args...), Severity: SeverityNormal, Stage: stage}
}

// Error builds a terminal error message. The text always starts with "Error".
func Error(reason string) Message {
	return Message{Text: "Error: " + reason, Severity: SeverityError, Stage: StageTerminal}
}

// Failure builds a terminal error message keeping text as is
func Failure(text string) Message {
	return Message{Text: text, Severity: SeverityError, Stage: StageTerminal}
}

// Reporter keeps the last known status. The zero value is ready to use.
type Reporter struct {
	mu        sync.RWMutex
	current   Message
	updatedAt time.Time
}

// NewReporter creates an idle reporter
func NewReporter() *Reporter {
	return &Reporter{}
}

// Set replaces the current status
func (r *Reporter) Set(msg Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.current = msg
	r.updatedAt = time.Now().UTC()
}

// Clear resets the reporter to idle with no message
func (r *Reporter) Clear() {
	r.Set(Message{Stage: StageIdle})
}

// Current returns the current message
func (r *Reporter) Current() Message {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current
}

// Render returns the displayable status. ok is false when there is nothing to show.
func (r *Reporter) Render() (Display, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.current.Text == "" {
		return Display{}, false
	}

	severity := r.current.Severity
	if severity == "" {
		severity = SeverityNormal
	}

	return Display{
		Text:      r.current.Text,
		Severity:  severity,
		Stage:     r.current.Stage,
		CSSClass:  cssClass(severity),
		UpdatedAt: r.updatedAt,
	}, true
}

func cssClass(severity Severity) string {
	if severity == SeverityError {
		return "alert-danger"
	}
	return "alert-secondary"
}

// Board hands out one reporter per operator
type Board struct {
	mu        sync.Mutex
	reporters map[string]*Reporter
}

// NewBoard creates an empty board
func NewBoard() *Board {
	return &Board{reporters: make(map[string]*Reporter)}
}

// For returns the reporter of an operator, creating it on first use
func (b *Board) For(operator string) *Reporter {
	b.mu.Lock()
	defer b.mu.Unlock()

	r, ok := b.reporters[operator]
	if !ok {
		r = NewReporter()
		b.reporters[operator] = r
	}
	return r
}

// Forget drops the reporter of an operator
func (b *Board) Forget(operator string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.reporters, operator)
}
