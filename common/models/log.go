package models

import (
	"fmt"
	"time"
)

// LogEntry is one parsed access-log record.
type LogEntry struct {
	Method          string    `json:"method"`
	FullURL         string    `json:"fullUrl"`
	StatusCode      int       `json:"statusCode"`
	IPAddress       string    `json:"ipAddress"`
	AccessTime      time.Time `json:"accessTime"`
	BlockedByModSec bool      `json:"blockedByModSec"`
	ServerName      string    `json:"serverName,omitempty"`
	SourcePath      string    `json:"sourcePath,omitempty"`
	RawLogLine      string    `json:"rawLogLine,omitempty"`

	// Set by the collector.
	RegistrationID string    `json:"registrationId,omitempty"`
	CollectedAt    time.Time `json:"collectedAt,omitempty"`
}

// DedupKey identifies an entry inside one batch.
func (e *LogEntry) DedupKey() string {
	return fmt.Sprintf("%s|%s|%s|%s|%d|%d",
		e.ServerName, e.Method, e.FullURL, e.IPAddress, e.StatusCode, e.AccessTime.Unix())
}

// LogBatch is the unit of wire transfer: an ordered list of entries from one agent.
type LogBatch struct {
	AgentID string
	Entries []LogEntry
}

// ModSecAlert is a ModSecurity alert extracted from one error-log line.
type ModSecAlert struct {
	ServerName   string    `json:"serverName"`
	RuleID       string    `json:"ruleId"`
	Severity     string    `json:"severity"`
	SeverityCode int       `json:"severityCode"`
	Message      string    `json:"message"`
	DataValue    string    `json:"dataValue"`
	ExtractedURL string    `json:"extractedUrl,omitempty"`
	RawLog       string    `json:"rawLog,omitempty"`
	DetectedAt   time.Time `json:"detectedAt"`
}

// AgentRegistration is the collector's record of one agent connection epoch.
type AgentRegistration struct {
	RegistrationID string    `json:"registrationId"`
	AgentName      string    `json:"agentName"`
	AgentIP        string    `json:"agentIp"`
	Hostname       string    `json:"hostname"`
	OSName         string    `json:"osName"`
	OSVersion      string    `json:"osVersion"`
	RuntimeVersion string    `json:"runtimeVersion"`
	AgentVersion   string    `json:"agentVersion"`
	LogPaths       []string  `json:"nginxLogPaths"`
	IptablesOn     bool      `json:"iptablesEnabled"`
	APIKeyVerified bool      `json:"apiKeyVerified"`
	Active         bool      `json:"active"`
	RegisteredAt   time.Time `json:"registeredAt"`
	LastHeartbeat  time.Time `json:"lastHeartbeat,omitempty"`
	HeartbeatCount int64     `json:"heartbeatCount"`
	LogsProcessed  int64     `json:"logsProcessed"`
}

// BlockRequest asks an agent to drop traffic from an IP address.
type BlockRequest struct {
	ID             string    `json:"id"`
	RegistrationID string    `json:"-"`
	IPAddress      string    `json:"ipAddress"`
	Duration       int       `json:"duration"`
	Reason         string    `json:"reason"`
	ChainName      string    `json:"chainName"`
	CreatedAt      time.Time `json:"-"`
}

// AccessTimeLayout is the nginx $time_local layout used on the wire.
const AccessTimeLayout = "02/Jan/2006:15:04:05 -0700"
