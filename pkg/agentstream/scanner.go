package agentstream

import (
	"bufio"
	"context"
	"encoding/json"
	"io"

	"go.uber.org/zap"

	"github.com/gitfix/gitfix/internal/common/logger"
)

// SessionHandler is invoked once, the first time any line carries a
// session_id (the conversation_id may be empty).
type SessionHandler func(sessionID, conversationID string)

// LineHandler is invoked for every parsed conversation line.
type LineHandler func(line *Line)

// Scanner consumes the CLI stdout stream and produces an Outcome.
type Scanner struct {
	logger *logger.Logger

	sessionHandler SessionHandler
	lineHandler    LineHandler
}

// NewScanner creates a scanner for one subprocess run.
func NewScanner(log *logger.Logger) *Scanner {
	return &Scanner{
		logger: log.WithFields(zap.String("component", "agentstream-scanner")),
	}
}

// OnSession sets the handler fired once when session identity appears.
func (s *Scanner) OnSession(handler SessionHandler) {
	s.sessionHandler = handler
}

// OnLine sets the handler fired for each conversation line.
func (s *Scanner) OnLine(handler LineHandler) {
	s.lineHandler = handler
}

// Scan reads r line by line until EOF and returns the outcome of the run.
// It returns a *UsageLimitError when the result frame carries the
// usage-limit marker and a *ProtocolError when the stream ends without a
// result frame. Unparseable lines are skipped.
func (s *Scanner) Scan(ctx context.Context, r io.Reader) (*Outcome, error) {
	scanner := bufio.NewScanner(r)
	// Allow for large JSON messages (up to 10MB)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 10*1024*1024)

	outcome := &Outcome{}
	sessionSeen := false
	resultSeen := false

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}

		var line Line
		if err := json.Unmarshal(raw, &line); err != nil {
			s.logger.Debug("skipping unparseable stream line", zap.Error(err))
			continue
		}
		line.Raw = append([]byte(nil), raw...)

		if !sessionSeen && line.SessionID != "" {
			sessionSeen = true
			outcome.SessionID = line.SessionID
			if s.sessionHandler != nil {
				s.sessionHandler(line.SessionID, line.ConversationID)
			}
		}

		switch line.Type {
		case MessageTypeUser, MessageTypeAssistant:
			outcome.Transcript = append(outcome.Transcript, line.Raw)
			if line.Type == MessageTypeAssistant && line.Message != nil && line.Message.Model != "" {
				outcome.Model = line.Message.Model
			}
			if s.lineHandler != nil {
				s.lineHandler(&line)
			}

		case MessageTypeResult:
			resultSeen = true
			outcome.Success = !line.IsError
			outcome.NumTurns = line.NumTurns
			outcome.CostUSD = line.Cost()
			outcome.ResultText = line.ResultText()
			outcome.DurationMS = line.DurationMS
			if s.lineHandler != nil {
				s.lineHandler(&line)
			}

			if resetAt, ok := ParseUsageLimit(outcome.ResultText); ok {
				return outcome, &UsageLimitError{ResetAt: resetAt, Message: outcome.ResultText}
			}
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if !resultSeen {
		// A clean exit without a result frame is treated as non-success.
		return outcome, &ProtocolError{Reason: "stream ended without a result frame"}
	}
	return outcome, nil
}
