package logging

import (
	"log/slog"
	"time"
)

// Common field names for consistent logging across the agent and collector.
const (
	FieldService        = "service"
	FieldAgent          = "agent"
	FieldRegistrationID = "registration_id"
	FieldServer         = "server"
	FieldSourcePath     = "source_path"
	FieldIP             = "ip"
	FieldRemoteAddr     = "remote_addr"
	FieldMessageType    = "message_type"
	FieldRuleID         = "rule_id"
	FieldCount          = "count"
	FieldQueueSize      = "queue_size"
	FieldDuration       = "duration_ms"
	FieldError          = "error"
)

// Service returns a slog attribute for the service name.
func Service(name string) slog.Attr {
	return slog.String(FieldService, name)
}

// Agent returns a slog attribute for the agent name.
func Agent(name string) slog.Attr {
	return slog.String(FieldAgent, name)
}

// RegistrationID returns a slog attribute for a collector-issued registration id.
func RegistrationID(id string) slog.Attr {
	return slog.String(FieldRegistrationID, id)
}

// Server returns a slog attribute for the logical web server name.
func Server(name string) slog.Attr {
	return slog.String(FieldServer, name)
}

// SourcePath returns a slog attribute for a log file path.
func SourcePath(path string) slog.Attr {
	return slog.String(FieldSourcePath, path)
}

// IP returns a slog attribute for the IP address.
func IP(ip string) slog.Attr {
	return slog.String(FieldIP, ip)
}

// RemoteAddr returns a slog attribute for a peer network address.
func RemoteAddr(addr string) slog.Attr {
	return slog.String(FieldRemoteAddr, addr)
}

// MessageType returns a slog attribute for a wire message type.
func MessageType(name string) slog.Attr {
	return slog.String(FieldMessageType, name)
}

// RuleID returns a slog attribute for a ModSecurity rule id.
func RuleID(id string) slog.Attr {
	return slog.String(FieldRuleID, id)
}

// Count returns a slog attribute for an item count.
func Count(n int) slog.Attr {
	return slog.Int(FieldCount, n)
}

// QueueSize returns a slog attribute for the agent queue size.
func QueueSize(n int) slog.Attr {
	return slog.Int(FieldQueueSize, n)
}

// Duration returns a slog attribute for duration in milliseconds.
func Duration(d time.Duration) slog.Attr {
	return slog.Int64(FieldDuration, d.Milliseconds())
}

// Error returns a slog attribute for an error.
func Error(err error) slog.Attr {
	if err == nil {
		return slog.String(FieldError, "")
	}
	return slog.String(FieldError, err.Error())
}
