// Package agentstream provides types and a scanner for the code-generation
// CLI's line-delimited JSON stdout protocol. Each line is a JSON object
// tagged by type; unparseable lines are ignored.
package agentstream

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"time"
)

// Message types emitted by the CLI
const (
	// MessageTypeSystem is the initial system message with session info
	MessageTypeSystem = "system"
	// MessageTypeAssistant contains text or thinking from the assistant
	MessageTypeAssistant = "assistant"
	// MessageTypeUser is a user message (prompt echo, tool results)
	MessageTypeUser = "user"
	// MessageTypeResult is the terminal result frame
	MessageTypeResult = "result"
)

// Line represents one line of the CLI stdout stream.
// The message type determines which fields are populated.
type Line struct {
	// Type is the message type (system, assistant, user, result)
	Type string `json:"type"`

	// Session identity can appear on any line; it is captured once.
	SessionID      string `json:"session_id,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`

	// For assistant and user messages
	Message *ConversationMessage `json:"message,omitempty"`

	// For result frames.
	// Result can be either a string or an object; keep it raw.
	Result       json.RawMessage `json:"result,omitempty"`
	Subtype      string          `json:"subtype,omitempty"`
	IsError      bool            `json:"is_error,omitempty"`
	NumTurns     int             `json:"num_turns,omitempty"`
	CostUSD      float64         `json:"cost_usd,omitempty"`
	TotalCostUSD float64         `json:"total_cost_usd,omitempty"`
	DurationMS   int64           `json:"duration_ms,omitempty"`

	// Raw line for persistence in the conversation log
	Raw json.RawMessage `json:"-"`
}

// ConversationMessage is the inner message of assistant/user lines.
type ConversationMessage struct {
	ID      string          `json:"id,omitempty"`
	Role    string          `json:"role,omitempty"`
	Model   string          `json:"model,omitempty"`
	Content json.RawMessage `json:"content,omitempty"`
}

// ResultText returns the result payload as a string. Object-shaped results
// fall back to their "text" field; anything else returns empty.
func (l *Line) ResultText() string {
	if len(l.Result) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(l.Result, &s); err == nil {
		return s
	}
	var obj struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(l.Result, &obj); err == nil {
		return obj.Text
	}
	return ""
}

// Cost returns the reported cost, preferring total_cost_usd over cost_usd.
func (l *Line) Cost() float64 {
	if l.TotalCostUSD > 0 {
		return l.TotalCostUSD
	}
	return l.CostUSD
}

// Outcome is the distilled terminal state of a subprocess run.
type Outcome struct {
	Success     bool
	NumTurns    int
	CostUSD     float64
	ResultText  string
	Model       string // model reported by the last assistant message
	SessionID   string
	DurationMS  int64
	Transcript  []json.RawMessage // conversation lines in arrival order
}

// usageLimitRe matches the usage-limit marker embedded in a result text:
// "usage limit reached|<unix-seconds>".
var usageLimitRe = regexp.MustCompile(`usage limit reached\|(\d+)`)

// ParseUsageLimit extracts the usage-limit reset time from a result text.
// The second return is false when the marker is absent.
func ParseUsageLimit(resultText string) (time.Time, bool) {
	m := usageLimitRe.FindStringSubmatch(resultText)
	if m == nil {
		return time.Time{}, false
	}
	secs, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.Unix(secs, 0), true
}

// UsageLimitError is returned when the terminal frame carries the
// usage-limit marker. The caller is expected to requeue the task for
// after ResetAt.
type UsageLimitError struct {
	ResetAt time.Time
	Message string
}

func (e *UsageLimitError) Error() string {
	return fmt.Sprintf("usage limit reached, resets at %s", e.ResetAt.UTC().Format(time.RFC3339))
}

// ProtocolError is returned when the stream ended without a parseable
// result frame. Callers treat it like a non-zero exit.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string {
	return "agent stream protocol error: " + e.Reason
}
