package protocol

import (
	"encoding/binary"
	"fmt"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/edamame-systems/edamame-stack/common/models"
)

// Limits applied when decoding AUTH and REGISTER payloads.
const (
	MaxAuthPayload      = 1024
	MaxAuthField        = 256
	MaxRegisterField    = 64 * 1024
	MaxBlockResponseLen = 10
)

// AppendString appends a 4-byte length prefix and the UTF-8 bytes of s.
func AppendString(buf []byte, s string) []byte {
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(s)))
	return append(buf, s...)
}

// ReadString reads a length-prefixed string at offset off and returns it with the
// offset of the next field. Strings longer than limit are rejected.
func ReadString(b []byte, off, limit int) (string, int, error) {
	if off+4 > len(b) {
		return "", off, fmt.Errorf("%w: missing string length at offset %d", ErrMalformedPayload, off)
	}
	n := int(binary.BigEndian.Uint32(b[off : off+4]))
	off += 4
	if n < 0 || (limit > 0 && n > limit) {
		return "", off, fmt.Errorf("%w: string length %d exceeds %d", ErrMalformedPayload, n, limit)
	}
	if off+n > len(b) {
		return "", off, fmt.Errorf("%w: string length %d overruns payload", ErrMalformedPayload, n)
	}
	return string(b[off : off+n]), off + n, nil
}

// AuthPayload is the body of an AUTH frame: [len][apiKey][len][agentName].
type AuthPayload struct {
	APIKey    string
	AgentName string
}

// Encode serializes the payload.
func (p AuthPayload) Encode() []byte {
	buf := make([]byte, 0, 8+len(p.APIKey)+len(p.AgentName))
	buf = AppendString(buf, p.APIKey)
	return AppendString(buf, p.AgentName)
}

// DecodeAuth parses an AUTH payload, enforcing the size limits.
func DecodeAuth(b []byte) (AuthPayload, error) {
	if len(b) > MaxAuthPayload {
		return AuthPayload{}, fmt.Errorf("%w: auth payload %d bytes", ErrMalformedPayload, len(b))
	}
	key, off, err := ReadString(b, 0, MaxAuthField)
	if err != nil {
		return AuthPayload{}, err
	}
	name, _, err := ReadString(b, off, MaxAuthField)
	if err != nil {
		return AuthPayload{}, err
	}
	return AuthPayload{APIKey: key, AgentName: name}, nil
}

// RegistrationInfo describes the agent host in a REGISTER payload.
type RegistrationInfo struct {
	AgentID         string   `json:"agentId,omitempty"`
	AgentName       string   `json:"agentName"`
	AgentIP         string   `json:"agentIp"`
	Hostname        string   `json:"hostname"`
	OSName          string   `json:"osName"`
	OSVersion       string   `json:"osVersion"`
	RuntimeVersion  string   `json:"runtimeVersion"`
	NginxLogPaths   []string `json:"nginxLogPaths"`
	IptablesEnabled bool     `json:"iptablesEnabled"`
	AgentVersion    string   `json:"agentVersion"`
	Timestamp       string   `json:"timestamp"`
}

// RegisterPayload is the body of a REGISTER frame: [len][apiKey][len][json].
type RegisterPayload struct {
	APIKey string
	Info   RegistrationInfo
}

// Encode serializes the payload.
func (p RegisterPayload) Encode() ([]byte, error) {
	body, err := json.Marshal(p.Info)
	if err != nil {
		return nil, fmt.Errorf("marshal registration info: %w", err)
	}
	buf := make([]byte, 0, 8+len(p.APIKey)+len(body))
	buf = AppendString(buf, p.APIKey)
	return AppendString(buf, string(body)), nil
}

// DecodeRegister parses a REGISTER payload.
func DecodeRegister(b []byte) (RegisterPayload, error) {
	key, off, err := ReadString(b, 0, MaxAuthField)
	if err != nil {
		return RegisterPayload{}, err
	}
	body, _, err := ReadString(b, off, MaxRegisterField)
	if err != nil {
		return RegisterPayload{}, err
	}
	var info RegistrationInfo
	if err := json.Unmarshal([]byte(body), &info); err != nil {
		return RegisterPayload{}, fmt.Errorf("%w: registration info: %v", ErrMalformedPayload, err)
	}
	return RegisterPayload{APIKey: key, Info: info}, nil
}

// LogRecord is the wire form of one log entry.
type LogRecord struct {
	Method          string `json:"method"`
	FullURL         string `json:"fullUrl"`
	StatusCode      int    `json:"statusCode"`
	IPAddress       string `json:"ipAddress"`
	AccessTime      string `json:"accessTime"`
	BlockedByModSec bool   `json:"blockedByModSec"`
	ServerName      string `json:"serverName,omitempty"`
	SourcePath      string `json:"sourcePath,omitempty"`
	RawLogLine      string `json:"rawLogLine,omitempty"`
}

// RecordFromEntry converts a parsed entry to its wire form.
func RecordFromEntry(e models.LogEntry) LogRecord {
	var accessTime string
	if !e.AccessTime.IsZero() {
		accessTime = e.AccessTime.Format(models.AccessTimeLayout)
	}
	return LogRecord{
		Method:          e.Method,
		FullURL:         e.FullURL,
		StatusCode:      e.StatusCode,
		IPAddress:       e.IPAddress,
		AccessTime:      accessTime,
		BlockedByModSec: e.BlockedByModSec,
		ServerName:      e.ServerName,
		SourcePath:      e.SourcePath,
		RawLogLine:      e.RawLogLine,
	}
}

// Entry converts the record back to a LogEntry. An unparseable access time
// yields the zero time; callers substitute their own default.
func (r LogRecord) Entry() models.LogEntry {
	return models.LogEntry{
		Method:          r.Method,
		FullURL:         r.FullURL,
		StatusCode:      r.StatusCode,
		IPAddress:       r.IPAddress,
		AccessTime:      ParseAccessTime(r.AccessTime),
		BlockedByModSec: r.BlockedByModSec,
		ServerName:      r.ServerName,
		SourcePath:      r.SourcePath,
		RawLogLine:      r.RawLogLine,
	}
}

// ParseAccessTime accepts the nginx layout or RFC 3339 and returns the zero
// time for anything else.
func ParseAccessTime(s string) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}
	}
	for _, layout := range []string{models.AccessTimeLayout, time.RFC3339Nano} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

// LogBatchPayload is the JSON body of a LOG_BATCH frame.
type LogBatchPayload struct {
	AgentID string      `json:"agentId"`
	Logs    []LogRecord `json:"logs"`
}

// EncodeBatch serializes a batch.
func EncodeBatch(batch models.LogBatch) ([]byte, error) {
	p := LogBatchPayload{AgentID: batch.AgentID, Logs: make([]LogRecord, 0, len(batch.Entries))}
	for _, e := range batch.Entries {
		p.Logs = append(p.Logs, RecordFromEntry(e))
	}
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal log batch: %w", err)
	}
	return b, nil
}

// DecodeBatch parses a LOG_BATCH body.
func DecodeBatch(b []byte) (LogBatchPayload, error) {
	var p LogBatchPayload
	if err := json.Unmarshal(b, &p); err != nil {
		return LogBatchPayload{}, fmt.Errorf("%w: log batch: %v", ErrMalformedPayload, err)
	}
	return p, nil
}

// HeartbeatPayload is the JSON body of a HEARTBEAT frame.
type HeartbeatPayload struct {
	AgentName string `json:"agentName"`
	Timestamp string `json:"timestamp"`
	Status    string `json:"status"`
}

// NewHeartbeat builds an "active" heartbeat for agentName.
func NewHeartbeat(agentName string, now time.Time) HeartbeatPayload {
	return HeartbeatPayload{AgentName: agentName, Timestamp: now.Format(time.RFC3339), Status: "active"}
}

// Encode serializes the heartbeat.
func (h HeartbeatPayload) Encode() ([]byte, error) {
	return json.Marshal(h)
}

// DecodeHeartbeat parses a HEARTBEAT body.
func DecodeHeartbeat(b []byte) (HeartbeatPayload, error) {
	var h HeartbeatPayload
	if err := json.Unmarshal(b, &h); err != nil {
		return HeartbeatPayload{}, fmt.Errorf("%w: heartbeat: %v", ErrMalformedPayload, err)
	}
	return h, nil
}

// BlockRequestItem is one pending block request in a BLOCK_REQUEST response.
type BlockRequestItem struct {
	ID        string `json:"id"`
	IPAddress string `json:"ipAddress"`
	Duration  int    `json:"duration"`
	Reason    string `json:"reason"`
	ChainName string `json:"chainName"`
}

// BlockResponse is the JSON body of a BLOCK_REQUEST response.
type BlockResponse struct {
	Requests []BlockRequestItem `json:"requests"`
}

// EncodeBlockResponse serializes block requests as returned by the collector.
func EncodeBlockResponse(reqs []models.BlockRequest) ([]byte, error) {
	resp := BlockResponse{Requests: make([]BlockRequestItem, 0, len(reqs))}
	for _, r := range reqs {
		resp.Requests = append(resp.Requests, BlockRequestItem{
			ID:        r.ID,
			IPAddress: r.IPAddress,
			Duration:  r.Duration,
			Reason:    r.Reason,
			ChainName: r.ChainName,
		})
	}
	return json.Marshal(resp)
}

// DecodeBlockResponse parses a BLOCK_REQUEST response body.
func DecodeBlockResponse(b string) (BlockResponse, error) {
	var resp BlockResponse
	if strings.TrimSpace(b) == "" {
		return resp, nil
	}
	if err := json.Unmarshal([]byte(b), &resp); err != nil {
		return BlockResponse{}, fmt.Errorf("%w: block response: %v", ErrMalformedPayload, err)
	}
	return resp, nil
}
