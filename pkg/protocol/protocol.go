// Package protocol defines the JSON wire types exchanged between the
// guardian agent and the central ingest service. Both sides import this
// package so the contract cannot drift.
package protocol

import (
	"fmt"
	"time"
)

// Request headers carried on every authenticated call.
const (
	HeaderAPIKey  = "X-API-Key"
	HeaderAgentID = "X-Agent-ID"
)

// RegisterRequest is the payload of POST /api/agents/register. The first
// registration carries no API key header.
type RegisterRequest struct {
	AgentID              string     `json:"agent_id"`
	Hostname             string     `json:"hostname"`
	SystemInfo           SystemInfo `json:"system_info"`
	Version              string     `json:"version,omitempty"`
	HeartbeatIntervalSec int        `json:"heartbeat_interval_sec,omitempty"`
}

// SystemInfo describes the registering host.
type SystemInfo struct {
	Platform      string `json:"platform,omitempty"`
	OSName        string `json:"os_name,omitempty"`
	OSVersion     string `json:"os_version,omitempty"`
	KernelVersion string `json:"kernel_version,omitempty"`
	Architecture  string `json:"architecture,omitempty"`
	CPUCount      int    `json:"cpu_count,omitempty"`
}

// RegisterResponse echoes the API key exactly once, on first registration.
type RegisterResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	APIKey  string `json:"api_key,omitempty"`
	UUID    string `json:"uuid,omitempty"`
}

// HeartbeatRequest is the payload of POST /api/agents/heartbeat.
type HeartbeatRequest struct {
	AgentID      string           `json:"agent_id"`
	Metrics      HeartbeatMetrics `json:"metrics"`
	Status       string           `json:"status,omitempty"`
	HealthStatus string           `json:"health_status,omitempty"`
}

// HeartbeatMetrics carries host resource utilisation.
type HeartbeatMetrics struct {
	CPUPercent    float64 `json:"cpu"`
	MemoryPercent float64 `json:"mem"`
	DiskPercent   float64 `json:"disk"`
	UptimeSeconds int64   `json:"uptime"`
}

// LogBatchRequest is the payload of POST /api/agents/logs. The batch UUID
// is the idempotency key: a replay returns the stored counts.
type LogBatchRequest struct {
	BatchUUID      string   `json:"batch_uuid"`
	AgentID        string   `json:"agent_id"`
	Hostname       string   `json:"hostname,omitempty"`
	LogLines       []string `json:"log_lines"`
	BatchSize      int      `json:"batch_size"`
	SourceFilename string   `json:"source_filename,omitempty"`
}

// LogBatchResponse reports the processing outcome for a batch.
type LogBatchResponse struct {
	Success       bool   `json:"success"`
	EventsCreated int    `json:"events_created"`
	EventsFailed  int    `json:"events_failed"`
	Message       string `json:"message,omitempty"`
}

// UFWSyncRequest pushes the agent's full firewall inventory.
type UFWSyncRequest struct {
	AgentID     string       `json:"agent_id"`
	Hostname    string       `json:"hostname,omitempty"`
	UFWData     UFWInventory `json:"ufw_data"`
	SubmittedAt time.Time    `json:"submitted_at"`
}

// UFWSyncResponse acknowledges an inventory push.
type UFWSyncResponse struct {
	Success    bool   `json:"success"`
	RulesCount int    `json:"rules_count"`
	UFWStatus  string `json:"ufw_status,omitempty"`
}

// UFWInventory is the full firewall state document collected at the edge.
type UFWInventory struct {
	Status         UFWStatus       `json:"status"`
	Rules          []UFWRule       `json:"rules"`
	ListeningPorts []ListeningPort `json:"listening_ports"`
	ProtectedPorts []ProtectedPort `json:"protected_ports"`
	CollectedAt    time.Time       `json:"collected_at"`
}

// UFWStatus summarises the firewall engine itself.
type UFWStatus struct {
	State           string `json:"state"` // active, inactive, not_installed
	DefaultIncoming string `json:"default_incoming,omitempty"`
	DefaultOutgoing string `json:"default_outgoing,omitempty"`
	DefaultRouted   string `json:"default_routed,omitempty"`
	LoggingLevel    string `json:"logging_level,omitempty"`
	IPv6Enabled     bool   `json:"ipv6_enabled"`
	Version         string `json:"version,omitempty"`
	RuleCount       int    `json:"rule_count"`
}

// UFWRule is one numbered rule, 1..N in firewall presentation order.
type UFWRule struct {
	Number    int    `json:"number"`
	Raw       string `json:"raw"`
	Action    string `json:"action,omitempty"`
	Direction string `json:"direction,omitempty"`
	To        string `json:"to,omitempty"`
	From      string `json:"from,omitempty"`
}

// ListeningPort is one listening socket observed on the host.
type ListeningPort struct {
	Port        int    `json:"port"`
	Protocol    string `json:"protocol"`
	PID         int32  `json:"pid,omitempty"`
	ProcessName string `json:"process_name,omitempty"`
	Protected   bool   `json:"protected"`
	Service     string `json:"service,omitempty"`
}

// ProtectedPort flags a port the server UI must refuse to block.
type ProtectedPort struct {
	Port    int    `json:"port"`
	Service string `json:"service"`
}

// CommandType enumerates the firewall instructions the server may issue.
// Unknown variants are rejected at the boundary.
type CommandType string

const (
	CmdAllow          CommandType = "allow"
	CmdDeny           CommandType = "deny"
	CmdReject         CommandType = "reject"
	CmdLimit          CommandType = "limit"
	CmdDelete         CommandType = "delete"
	CmdDeleteByRule   CommandType = "delete_by_rule"
	CmdEnable         CommandType = "enable"
	CmdDisable        CommandType = "disable"
	CmdReset          CommandType = "reset"
	CmdReload         CommandType = "reload"
	CmdDefault        CommandType = "default"
	CmdLogging        CommandType = "logging"
	CmdReorder        CommandType = "reorder"
	CmdDenyFrom       CommandType = "deny_from"
	CmdDeleteDenyFrom CommandType = "delete_deny_from"
	CmdRaw            CommandType = "raw"
)

var knownCommandTypes = map[CommandType]struct{}{
	CmdAllow: {}, CmdDeny: {}, CmdReject: {}, CmdLimit: {},
	CmdDelete: {}, CmdDeleteByRule: {}, CmdEnable: {}, CmdDisable: {},
	CmdReset: {}, CmdReload: {}, CmdDefault: {}, CmdLogging: {},
	CmdReorder: {}, CmdDenyFrom: {}, CmdDeleteDenyFrom: {}, CmdRaw: {},
}

// Valid reports whether t is a recognised command type.
func (t CommandType) Valid() bool {
	_, ok := knownCommandTypes[t]
	return ok
}

// CommandParams carries the typed parameters for a firewall command. Fields
// are populated according to the command type; unused fields are omitted.
type CommandParams struct {
	Port       int    `json:"port,omitempty"`
	Protocol   string `json:"protocol,omitempty"`
	FromIP     string `json:"from_ip,omitempty"`
	RuleNumber int    `json:"rule_number,omitempty"`
	Action     string `json:"action,omitempty"`
	Direction  string `json:"direction,omitempty"`
	Policy     string `json:"policy,omitempty"`
	Level      string `json:"level,omitempty"`
	IP         string `json:"ip,omitempty"`
	BlockID    int64  `json:"block_id,omitempty"`
	Command    string `json:"command,omitempty"`
	DeleteCmd  string `json:"delete_cmd,omitempty"`
	InsertCmd  string `json:"insert_cmd,omitempty"`
	FromIndex  int    `json:"from_index,omitempty"`
	ToIndex    int    `json:"to_index,omitempty"`
}

// Command is one pending firewall instruction delivered to an agent.
type Command struct {
	ID        string        `json:"id"` // command UUID
	Action    CommandType   `json:"action"`
	Params    CommandParams `json:"params"`
	CreatedAt time.Time     `json:"created_at"`
}

// CommandListResponse is the poll response for GET /api/agents/ufw/commands.
type CommandListResponse struct {
	Commands []Command `json:"commands"`
}

// CommandResultRequest reports the edge outcome for one command.
type CommandResultRequest struct {
	AgentID    string    `json:"agent_id"`
	CommandID  string    `json:"command_id"`
	Success    bool      `json:"success"`
	Message    string    `json:"message,omitempty"`
	ExecutedAt time.Time `json:"executed_at"`
}

// Fail2banReport carries ban/unban events observed at the edge.
type Fail2banReport struct {
	AgentID string          `json:"agent_id"`
	Events  []Fail2banEvent `json:"events"`
}

// Fail2banEvent is one ban or unban transition from a fail2ban jail.
type Fail2banEvent struct {
	Jail       string    `json:"jail"`
	EventType  string    `json:"event_type"` // ban, unban
	IPAddress  string    `json:"ip_address"`
	ObservedAt time.Time `json:"observed_at"`
}

// SuccessResponse is the minimal acknowledgment envelope.
type SuccessResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// Validate checks a batch request for structural problems before processing.
func (r LogBatchRequest) Validate() error {
	if r.BatchUUID == "" {
		return fmt.Errorf("batch_uuid is required")
	}
	if r.AgentID == "" {
		return fmt.Errorf("agent_id is required")
	}
	return nil
}
