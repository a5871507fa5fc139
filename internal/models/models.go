package models

import "time"

// AgentStatus describes the registry lifecycle state of an agent.
type AgentStatus string

const (
	AgentStatusPending      AgentStatus = "pending"
	AgentStatusActive       AgentStatus = "active"
	AgentStatusInactive     AgentStatus = "inactive"
	AgentStatusDisconnected AgentStatus = "disconnected"
)

// AgentHealth describes the last reported health of an agent.
type AgentHealth string

const (
	AgentHealthHealthy   AgentHealth = "healthy"
	AgentHealthDegraded  AgentHealth = "degraded"
	AgentHealthUnhealthy AgentHealth = "unhealthy"
	AgentHealthUnknown   AgentHealth = "unknown"
)

// Agent is a registered edge host. The API key is stored as a bcrypt hash;
// the cleartext is only ever transmitted in the first registration response.
type Agent struct {
	ID            int64       `json:"id"`
	UUID          string      `json:"uuid"`
	AgentID       string      `json:"agentId"`
	APIKeyHash    string      `json:"-"`
	Hostname      string      `json:"hostname"`
	DisplayName   string      `json:"displayName,omitempty"`
	Environment   string      `json:"environment,omitempty"`
	Version       string      `json:"version,omitempty"`
	Features      string      `json:"features,omitempty"` // JSON feature set
	IsApproved    bool        `json:"isApproved"`
	IsActive      bool        `json:"isActive"`
	Status        AgentStatus `json:"status"`
	Health        AgentHealth `json:"health"`
	LastHeartbeat *time.Time  `json:"lastHeartbeat,omitempty"`
	HeartbeatSecs int         `json:"heartbeatIntervalSec,omitempty"`
	CreatedAt     time.Time   `json:"createdAt"`
	UpdatedAt     time.Time   `json:"updatedAt"`
}

// EventType classifies an authentication event.
type EventType string

const (
	EventFailed     EventType = "failed"
	EventSuccessful EventType = "successful"
)

// SourceType records where an auth event came from.
type SourceType string

const (
	SourceAgent      SourceType = "agent"
	SourceSimulation SourceType = "simulation"
)

// AuthEvent is an immutable parsed authentication attempt.
type AuthEvent struct {
	ID            int64      `json:"id"`
	EventUUID     string     `json:"eventUuid"`
	Timestamp     time.Time  `json:"timestamp"`
	SourceType    SourceType `json:"sourceType"`
	AgentID       *int64     `json:"agentId,omitempty"`
	EventType     EventType  `json:"eventType"`
	AuthMethod    string     `json:"authMethod,omitempty"`
	FailureReason string     `json:"failureReason,omitempty"`
	SourceIP      string     `json:"sourceIp"`
	SourcePort    int        `json:"sourcePort,omitempty"`
	Username      string     `json:"username"`
	TargetPort    int        `json:"targetPort,omitempty"`
	GeoID         *int64     `json:"geoId,omitempty"`
	BlockID       *int64     `json:"blockId,omitempty"`
	RawLine       string     `json:"rawLine,omitempty"`
}

// ThreatLevel is the enrichment-derived label of an IP.
type ThreatLevel string

const (
	ThreatUnknown  ThreatLevel = "unknown"
	ThreatClean    ThreatLevel = "clean"
	ThreatLow      ThreatLevel = "low"
	ThreatMedium   ThreatLevel = "medium"
	ThreatHigh     ThreatLevel = "high"
	ThreatCritical ThreatLevel = "critical"
)

// IPGeo is the merged geolocation and reputation row for a single IP.
type IPGeo struct {
	ID              int64       `json:"id"`
	IPAddress       string      `json:"ipAddress"`
	Country         string      `json:"country,omitempty"`
	CountryCode     string      `json:"countryCode,omitempty"`
	City            string      `json:"city,omitempty"`
	Latitude        float64     `json:"latitude,omitempty"`
	Longitude       float64     `json:"longitude,omitempty"`
	ASN             string      `json:"asn,omitempty"`
	ISP             string      `json:"isp,omitempty"`
	IsProxy         bool        `json:"isProxy"`
	IsVPN           bool        `json:"isVpn"`
	IsTor           bool        `json:"isTor"`
	IsDatacenter    bool        `json:"isDatacenter"`
	AbuseScore      int         `json:"abuseScore"`
	AbuseReports    int         `json:"abuseReports"`
	VTPositives     int         `json:"vtPositives"`
	VTTotal         int         `json:"vtTotal"`
	ThreatLevel     ThreatLevel `json:"threatLevel"`
	GeoExpiresAt    time.Time   `json:"geoExpiresAt"`
	AbuseExpiresAt  time.Time   `json:"abuseExpiresAt"`
	VTExpiresAt     time.Time   `json:"vtExpiresAt"`
	FirstSeenAt     time.Time   `json:"firstSeenAt"`
	LastRefreshedAt time.Time   `json:"lastRefreshedAt"`
}

// RuleType categorizes a blocking rule.
type RuleType string

const (
	RuleThreshold RuleType = "threshold"
	RulePattern   RuleType = "pattern"
	RuleGeo       RuleType = "geo"
	RuleTimeBased RuleType = "time_based"
	RuleML        RuleType = "ml"
)

// BlockingRule is an operator-managed detection rule. Disabled rules never
// trigger but are retained for audit.
type BlockingRule struct {
	ID            int64     `json:"id"`
	Name          string    `json:"name"`
	RuleType      RuleType  `json:"ruleType"`
	Priority      int       `json:"priority"` // lower wins ties
	Enabled       bool      `json:"enabled"`
	Conditions    string    `json:"conditions"` // JSON condition tree
	Severity      int       `json:"severity"`   // 0-100 score contributed on match
	BlockMinutes  int       `json:"blockMinutes"`
	Permanent     bool      `json:"permanent"`
	AutoUnblock   bool      `json:"autoUnblock"`
	Notifications string    `json:"notifications,omitempty"` // JSON channel list
	CreatedAt     time.Time `json:"createdAt"`
}

// BlockSource records which subsystem produced a block.
type BlockSource string

const (
	BlockSourceManual   BlockSource = "manual"
	BlockSourceRule     BlockSource = "rule"
	BlockSourceML       BlockSource = "ml"
	BlockSourceAPI      BlockSource = "api"
	BlockSourceFail2ban BlockSource = "fail2ban"
	BlockSourceUFW      BlockSource = "ufw"
)

// IPBlock is a server-side record of an intent to deny an IP at an agent.
// At most one row per (ip, agent) may be active at any instant.
type IPBlock struct {
	ID            int64       `json:"id"`
	IPAddress     string      `json:"ipAddress"`
	CIDR          string      `json:"cidr,omitempty"`
	Reason        string      `json:"reason"`
	Source        BlockSource `json:"source"`
	BlockType     string      `json:"blockType,omitempty"`
	RuleID        *int64      `json:"ruleId,omitempty"`
	EventID       *int64      `json:"eventId,omitempty"`
	AgentID       *int64      `json:"agentId,omitempty"`
	IsActive      bool        `json:"isActive"`
	AutoUnblock   bool        `json:"autoUnblock"`
	BlockedAt     time.Time   `json:"blockedAt"`
	UnblockAt     *time.Time  `json:"unblockAt,omitempty"` // nil = permanent
	UnblockedAt   *time.Time  `json:"unblockedAt,omitempty"`
	UnblockReason string      `json:"unblockReason,omitempty"`
	LastAttemptAt *time.Time  `json:"lastAttemptAt,omitempty"`
}

// ActionType labels a blocking lifecycle transition.
type ActionType string

const (
	ActionBlock   ActionType = "block"
	ActionUnblock ActionType = "unblock"
	ActionExtend  ActionType = "extend"
	ActionModify  ActionType = "modify"
)

// BlockingAction is the append-only audit trail of block transitions. The
// action UUID doubles as the emitted command UUID so edge acknowledgments
// join back without bidirectional references.
type BlockingAction struct {
	ID         int64      `json:"id"`
	ActionUUID string     `json:"actionUuid"`
	BlockID    int64      `json:"blockId"`
	Action     ActionType `json:"action"`
	Detail     string     `json:"detail,omitempty"`
	CreatedBy  string     `json:"createdBy,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
}

// CommandStatus tracks an outbound firewall command. Transitions are
// monotonic: pending -> sent -> (completed | failed).
type CommandStatus string

const (
	CommandPending   CommandStatus = "pending"
	CommandSent      CommandStatus = "sent"
	CommandCompleted CommandStatus = "completed"
	CommandFailed    CommandStatus = "failed"
)

// UFWCommand is one outbound firewall instruction for an agent.
type UFWCommand struct {
	ID          int64         `json:"id"`
	CommandUUID string        `json:"commandUuid"`
	AgentID     int64         `json:"agentId"`
	Action      string        `json:"action"`
	Params      string        `json:"params"` // JSON
	RawCommand  string        `json:"rawCommand,omitempty"`
	Status      CommandStatus `json:"status"`
	Result      string        `json:"result,omitempty"`
	CreatedBy   string        `json:"createdBy,omitempty"`
	CreatedAt   time.Time     `json:"createdAt"`
	SentAt      *time.Time    `json:"sentAt,omitempty"`
	ExecutedAt  *time.Time    `json:"executedAt,omitempty"`
}

// UFWState mirrors an agent's firewall status from its most recent sync.
// It is overwritten in full per sync, never merged.
type UFWState struct {
	ID              int64     `json:"id"`
	AgentID         int64     `json:"agentId"`
	Status          string    `json:"status"` // active, inactive, not_installed
	DefaultIncoming string    `json:"defaultIncoming,omitempty"`
	DefaultOutgoing string    `json:"defaultOutgoing,omitempty"`
	DefaultRouted   string    `json:"defaultRouted,omitempty"`
	LoggingLevel    string    `json:"loggingLevel,omitempty"`
	IPv6Enabled     bool      `json:"ipv6Enabled"`
	Version         string    `json:"version,omitempty"`
	RuleCount       int       `json:"ruleCount"`
	CollectedAt     time.Time `json:"collectedAt"`
	SubmittedAt     time.Time `json:"submittedAt"`
}

// UFWRule is one numbered rule from an agent's firewall inventory.
type UFWRule struct {
	ID         int64  `json:"id"`
	AgentID    int64  `json:"agentId"`
	RuleNumber int    `json:"ruleNumber"`
	RawRule    string `json:"rawRule"`
	Action     string `json:"action,omitempty"`
	Direction  string `json:"direction,omitempty"`
	To         string `json:"to,omitempty"`
	From       string `json:"from,omitempty"`
}

// BatchStatus tracks log batch processing.
type BatchStatus string

const (
	BatchReceived   BatchStatus = "received"
	BatchProcessing BatchStatus = "processing"
	BatchCompleted  BatchStatus = "completed"
	BatchFailed     BatchStatus = "failed"
)

// LogBatch is one submitted bundle of raw log lines, deduplicated by UUID.
type LogBatch struct {
	ID             int64       `json:"id"`
	BatchUUID      string      `json:"batchUuid"`
	AgentID        int64       `json:"agentId"`
	Hostname       string      `json:"hostname,omitempty"`
	SourceFilename string      `json:"sourceFilename,omitempty"`
	DeclaredCount  int         `json:"declaredCount"`
	EventsCreated  int         `json:"eventsCreated"`
	EventsFailed   int         `json:"eventsFailed"`
	Status         BatchStatus `json:"status"`
	Error          string      `json:"error,omitempty"`
	ReceivedAt     time.Time   `json:"receivedAt"`
	CompletedAt    *time.Time  `json:"completedAt,omitempty"`
}

// Heartbeat is one liveness report from an agent. Retained 7 days.
type Heartbeat struct {
	ID            int64     `json:"id"`
	AgentID       int64     `json:"agentId"`
	CPUPercent    float64   `json:"cpuPercent"`
	MemoryPercent float64   `json:"memoryPercent"`
	DiskPercent   float64   `json:"diskPercent"`
	UptimeSeconds int64     `json:"uptimeSeconds"`
	Health        string    `json:"health,omitempty"`
	ReceivedAt    time.Time `json:"receivedAt"`
}

// AuthEventML is the sidecar scoring record for an auth event.
type AuthEventML struct {
	ID           int64     `json:"id"`
	EventID      int64     `json:"eventId"`
	ModelID      string    `json:"modelId"`
	RiskScore    float64   `json:"riskScore"` // 0-1
	ThreatType   string    `json:"threatType,omitempty"`
	Confidence   float64   `json:"confidence"`
	IsAnomaly    bool      `json:"isAnomaly"`
	Features     string    `json:"features"` // JSON snapshot
	InferenceMS  float64   `json:"inferenceMs"`
	Feedback     string    `json:"feedback,omitempty"`
	BlockEmitted bool      `json:"blockEmitted"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Fail2banEvent records a ban or unban observed by an agent's fail2ban.
type Fail2banEvent struct {
	ID         int64     `json:"id"`
	AgentID    int64     `json:"agentId"`
	Jail       string    `json:"jail"`
	EventType  string    `json:"eventType"` // ban, unban
	IPAddress  string    `json:"ipAddress"`
	ObservedAt time.Time `json:"observedAt"`
}
