package parser

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sshguardian/guardian/internal/models"
)

var testNow = time.Date(2025, time.June, 15, 12, 0, 0, 0, time.UTC)

func testParser() *Parser {
	return NewWithClock(func() time.Time { return testNow })
}

func TestParseFailedPassword(t *testing.T) {
	p := testParser()

	event, ok := p.Parse("Jun 14 03:22:17 web-01 sshd[1234]: Failed password for root from 203.0.113.5 port 51234 ssh2", nil)
	require.True(t, ok)
	assert.Equal(t, models.EventFailed, event.EventType)
	assert.Equal(t, "root", event.Username)
	assert.Equal(t, "203.0.113.5", event.SourceIP)
	assert.Equal(t, 51234, event.SourcePort)
	assert.Equal(t, "password", event.AuthMethod)
	assert.Empty(t, event.FailureReason)
	assert.NotEmpty(t, event.EventUUID)
}

func TestParseFailedPasswordInvalidUser(t *testing.T) {
	p := testParser()

	event, ok := p.Parse("Jun 14 03:22:17 web-01 sshd[1234]: Failed password for invalid user oracle from 203.0.113.5 port 51234 ssh2", nil)
	require.True(t, ok)
	assert.Equal(t, models.EventFailed, event.EventType)
	assert.Equal(t, "oracle", event.Username)
	assert.Equal(t, "invalid_user", event.FailureReason)
}

func TestParseInvalidUser(t *testing.T) {
	p := testParser()

	event, ok := p.Parse("Jun 14 03:22:17 web-01 sshd[1234]: Invalid user admin from 198.51.100.7 port 40022", nil)
	require.True(t, ok)
	assert.Equal(t, models.EventFailed, event.EventType)
	assert.Equal(t, "admin", event.Username)
	assert.Equal(t, "198.51.100.7", event.SourceIP)
	assert.Equal(t, "invalid_user", event.FailureReason)
	assert.Equal(t, 40022, event.SourcePort)
}

func TestParsePAMAuthFailure(t *testing.T) {
	p := testParser()

	event, ok := p.Parse("Jun 14 03:22:17 web-01 sshd[1234]: pam_unix(sshd:auth): authentication failure; logname= uid=0 euid=0 tty=ssh ruser= rhost=203.0.113.5 user=root", nil)
	require.True(t, ok)
	assert.Equal(t, models.EventFailed, event.EventType)
	assert.Equal(t, "203.0.113.5", event.SourceIP)
	assert.Equal(t, "root", event.Username)
}

func TestParseAccepted(t *testing.T) {
	p := testParser()

	password, ok := p.Parse("Jun 14 03:22:17 web-01 sshd[1234]: Accepted password for deploy from 192.0.2.10 port 50022 ssh2", nil)
	require.True(t, ok)
	assert.Equal(t, models.EventSuccessful, password.EventType)
	assert.Equal(t, "password", password.AuthMethod)
	assert.Equal(t, "deploy", password.Username)

	publickey, ok := p.Parse("Jun 14 03:22:17 web-01 sshd[1234]: Accepted publickey for deploy from 192.0.2.10 port 50022 ssh2: RSA SHA256:abcdef", nil)
	require.True(t, ok)
	assert.Equal(t, models.EventSuccessful, publickey.EventType)
	assert.Equal(t, "publickey", publickey.AuthMethod)
}

func TestParseDropsUnrecognisedLines(t *testing.T) {
	p := testParser()

	lines := []string{
		"",
		"Jun 14 03:22:17 web-01 sshd[1234]: Connection closed by 203.0.113.5 port 51234",
		"Jun 14 03:22:17 web-01 sshd[1234]: Received disconnect from 203.0.113.5",
		"Jun 14 03:22:17 web-01 CRON[999]: pam_unix(cron:session): session opened for user root",
		"garbage that matches nothing",
		// Recognised marker but no parseable host field.
		"Failed password for",
	}
	for _, line := range lines {
		_, ok := p.Parse(line, nil)
		assert.False(t, ok, "line should be dropped: %q", line)
	}
}

func TestParseAttachesAgent(t *testing.T) {
	p := testParser()
	agentID := int64(7)

	event, ok := p.Parse("Jun 14 03:22:17 web-01 sshd[1234]: Failed password for root from 203.0.113.5 port 51234 ssh2", &agentID)
	require.True(t, ok)
	require.NotNil(t, event.AgentID)
	assert.EqualValues(t, 7, *event.AgentID)
	assert.Equal(t, models.SourceAgent, event.SourceType)
}

func TestTimestampSyslogPrefix(t *testing.T) {
	p := testParser()

	event, ok := p.Parse("Jun 14 03:22:17 web-01 sshd[1234]: Failed password for root from 203.0.113.5 port 51234 ssh2", nil)
	require.True(t, ok)
	assert.Equal(t, time.Date(2025, time.June, 14, 3, 22, 17, 0, time.UTC), event.Timestamp)
}

func TestTimestampSyslogYearRollover(t *testing.T) {
	// Reading a December line in January must not date it a year ahead.
	january := time.Date(2026, time.January, 2, 8, 0, 0, 0, time.UTC)
	p := NewWithClock(func() time.Time { return january })

	event, ok := p.Parse("Dec 31 23:59:58 web-01 sshd[1234]: Failed password for root from 203.0.113.5 port 51234 ssh2", nil)
	require.True(t, ok)
	assert.Equal(t, time.Date(2025, time.December, 31, 23, 59, 58, 0, time.UTC), event.Timestamp)
}

func TestTimestampISOPrefix(t *testing.T) {
	p := testParser()

	event, ok := p.Parse("2025-06-14T03:22:17Z web-01 sshd[1234]: Failed password for root from 203.0.113.5 port 51234 ssh2", nil)
	require.True(t, ok)
	assert.Equal(t, time.Date(2025, time.June, 14, 3, 22, 17, 0, time.UTC), event.Timestamp)
}

func TestTimestampFallsBackToClock(t *testing.T) {
	p := testParser()

	event, ok := p.Parse("sshd[1234]: Failed password for root from 203.0.113.5 port 51234 ssh2", nil)
	require.True(t, ok)
	assert.Equal(t, testNow, event.Timestamp)
}

func TestParseEachLineGetsFreshUUID(t *testing.T) {
	p := testParser()
	line := "Jun 14 03:22:17 web-01 sshd[1234]: Failed password for root from 203.0.113.5 port 51234 ssh2"

	a, ok := p.Parse(line, nil)
	require.True(t, ok)
	b, ok := p.Parse(line, nil)
	require.True(t, ok)
	assert.NotEqual(t, a.EventUUID, b.EventUUID)
}
