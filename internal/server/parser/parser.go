// Package parser turns raw auth-log lines into structured auth events.
// Lines that match no known pattern are dropped, never stored.
package parser

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sshguardian/guardian/internal/models"
)

var (
	// Syslog prefix: "Jan  2 15:04:05" with optional year variants.
	syslogTimeRe = regexp.MustCompile(`^([A-Z][a-z]{2})\s+(\d{1,2})\s+(\d{2}):(\d{2}):(\d{2})`)
	iso8601Re    = regexp.MustCompile(`^(\d{4}-\d{2}-\d{2}[T ]\d{2}:\d{2}:\d{2}(?:\.\d+)?(?:[+-]\d{2}:?\d{2}|Z)?)`)

	failedPasswordRe = regexp.MustCompile(`Failed password for (?:invalid user )?(\S+) from (\S+)(?: port (\d+))?`)
	authFailureRe    = regexp.MustCompile(`authentication failure.*rhost=(\S+)(?:\s+user=(\S+))?`)
	invalidUserRe    = regexp.MustCompile(`Invalid user (\S+) from (\S+)(?: port (\d+))?`)
	acceptedRe       = regexp.MustCompile(`Accepted (password|publickey) for (\S+) from (\S+)(?: port (\d+))?`)
)

var monthIndex = map[string]time.Month{
	"Jan": time.January, "Feb": time.February, "Mar": time.March,
	"Apr": time.April, "May": time.May, "Jun": time.June,
	"Jul": time.July, "Aug": time.August, "Sep": time.September,
	"Oct": time.October, "Nov": time.November, "Dec": time.December,
}

// Parser classifies raw auth lines. It is stateless and safe for
// concurrent use.
type Parser struct {
	now func() time.Time
}

// New returns a parser using the wall clock for timestamp fallback.
func New() *Parser {
	return &Parser{now: time.Now}
}

// NewWithClock returns a parser with an injected clock, for tests.
func NewWithClock(now func() time.Time) *Parser {
	return &Parser{now: now}
}

// Parse classifies one raw line. It returns (event, true) for a recognised
// authentication line and (zero, false) for anything else.
func (p *Parser) Parse(line string, agentID *int64) (models.AuthEvent, bool) {
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return models.AuthEvent{}, false
	}

	event := models.AuthEvent{
		EventUUID:  uuid.NewString(),
		SourceType: models.SourceAgent,
		AgentID:    agentID,
		Timestamp:  p.extractTimestamp(line),
		RawLine:    line,
	}

	// Classification rules apply in order; first match wins.
	switch {
	case strings.Contains(line, "Failed password"):
		m := failedPasswordRe.FindStringSubmatch(line)
		if m == nil {
			return models.AuthEvent{}, false
		}
		event.EventType = models.EventFailed
		event.AuthMethod = "password"
		event.Username = m[1]
		event.SourceIP = m[2]
		event.SourcePort = atoiSafe(m[3])
		if strings.Contains(line, "invalid user") {
			event.FailureReason = "invalid_user"
		}

	case strings.Contains(line, "authentication failure"):
		m := authFailureRe.FindStringSubmatch(line)
		if m == nil {
			return models.AuthEvent{}, false
		}
		event.EventType = models.EventFailed
		event.AuthMethod = "password"
		event.SourceIP = m[1]
		event.Username = m[2]

	case strings.Contains(line, "Invalid user"):
		m := invalidUserRe.FindStringSubmatch(line)
		if m == nil {
			return models.AuthEvent{}, false
		}
		event.EventType = models.EventFailed
		event.FailureReason = "invalid_user"
		event.Username = m[1]
		event.SourceIP = m[2]
		event.SourcePort = atoiSafe(m[3])

	case strings.Contains(line, "Accepted password"), strings.Contains(line, "Accepted publickey"):
		m := acceptedRe.FindStringSubmatch(line)
		if m == nil {
			return models.AuthEvent{}, false
		}
		event.EventType = models.EventSuccessful
		event.AuthMethod = m[1]
		event.Username = m[2]
		event.SourceIP = m[3]
		event.SourcePort = atoiSafe(m[4])

	default:
		return models.AuthEvent{}, false
	}

	if event.SourceIP == "" {
		return models.AuthEvent{}, false
	}
	return event, true
}

// extractTimestamp reads the syslog or ISO prefix, falling back to
// ingestion time when the line carries none.
func (p *Parser) extractTimestamp(line string) time.Time {
	now := p.now().UTC()

	if m := iso8601Re.FindStringSubmatch(line); m != nil {
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05"} {
			if t, err := time.Parse(layout, m[1]); err == nil {
				return t.UTC()
			}
		}
	}

	if m := syslogTimeRe.FindStringSubmatch(line); m != nil {
		month, ok := monthIndex[m[1]]
		if !ok {
			return now
		}
		day := atoiSafe(m[2])
		hour := atoiSafe(m[3])
		minute := atoiSafe(m[4])
		second := atoiSafe(m[5])

		// Syslog omits the year; assume the current one unless that puts
		// the event in the future (December lines read in January).
		t := time.Date(now.Year(), month, day, hour, minute, second, 0, time.UTC)
		if t.After(now.Add(24 * time.Hour)) {
			t = t.AddDate(-1, 0, 0)
		}
		return t
	}

	return now
}

func atoiSafe(s string) int {
	if s == "" {
		return 0
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return n
}
