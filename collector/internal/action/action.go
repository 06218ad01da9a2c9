// Package action holds the collaborators consulted after an entry is
// persisted: the URL classifier, the IP whitelist and the action-trigger sink.
package action

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"strings"
	"time"

	"github.com/edamame-systems/edamame-stack/common/logging"
	"github.com/edamame-systems/edamame-stack/common/messaging"
)

// EventAttackDetected is triggered when a persisted entry was blocked by ModSecurity.
const EventAttackDetected = "attack_detected"

// AttackEvent is the payload of EventAttackDetected.
type AttackEvent struct {
	RecordID       string    `json:"record_id"`
	RegistrationID string    `json:"registration_id,omitempty"`
	AgentName      string    `json:"agent_name,omitempty"`
	ServerName     string    `json:"server_name"`
	IPAddress      string    `json:"ip_address"`
	Method         string    `json:"method"`
	URL            string    `json:"url"`
	StatusCode     int       `json:"status_code"`
	AttackType     string    `json:"attack_type,omitempty"`
	RuleIDs        []string  `json:"rule_ids"`
	AccessTime     time.Time `json:"access_time"`
	Whitelisted    bool      `json:"whitelisted"`
}

// Classifier maps a URL to an attack type, or "" when it recognises nothing.
type Classifier interface {
	Classify(url string) string
}

// NopClassifier recognises nothing.
type NopClassifier struct{}

func (NopClassifier) Classify(string) string { return "" }

// Whitelist reports whether an IP must never be acted on.
type Whitelist interface {
	Contains(ip string) bool
}

// CIDRWhitelist matches addresses against a fixed set of prefixes.
type CIDRWhitelist struct {
	prefixes []netip.Prefix
}

// NewCIDRWhitelist parses entries that are either CIDR prefixes or single addresses.
func NewCIDRWhitelist(entries []string) (*CIDRWhitelist, error) {
	w := &CIDRWhitelist{}
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		if strings.Contains(e, "/") {
			p, err := netip.ParsePrefix(e)
			if err != nil {
				return nil, fmt.Errorf("invalid whitelist entry %q: %w", e, err)
			}
			w.prefixes = append(w.prefixes, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(e)
		if err != nil {
			return nil, fmt.Errorf("invalid whitelist entry %q: %w", e, err)
		}
		w.prefixes = append(w.prefixes, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return w, nil
}

func (w *CIDRWhitelist) Contains(ip string) bool {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, p := range w.prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// Sink receives action-trigger events.
type Sink interface {
	Trigger(ctx context.Context, eventType string, payload any) error
}

// Events receives lifecycle notifications published under a subject suffix
// such as messaging.SuffixAgentsRegistered.
type Events interface {
	Publish(ctx context.Context, suffix string, payload any) error
}

// PublisherSink forwards events to a message bus under
// <prefix>.actions.<eventType>.
type PublisherSink struct {
	publisher messaging.Publisher
	prefix    string
}

func NewPublisherSink(p messaging.Publisher, prefix string) *PublisherSink {
	return &PublisherSink{publisher: p, prefix: prefix}
}

func (s *PublisherSink) Trigger(ctx context.Context, eventType string, payload any) error {
	if err := s.publisher.PublishJSON(ctx, messaging.ActionSubject(s.prefix, eventType), payload); err != nil {
		return fmt.Errorf("failed to publish %s: %w", eventType, err)
	}
	return nil
}

// Publish forwards payload to an arbitrary suffix under the sink's prefix.
func (s *PublisherSink) Publish(ctx context.Context, suffix string, payload any) error {
	if err := s.publisher.PublishJSON(ctx, messaging.Subject(s.prefix, suffix), payload); err != nil {
		return fmt.Errorf("failed to publish %s: %w", suffix, err)
	}
	return nil
}

// LogSink records events in the log. Used when no message bus is configured.
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) Trigger(ctx context.Context, eventType string, payload any) error {
	logging.OrDefault(s.Logger).InfoContext(ctx, "Action triggered",
		slog.String("event_type", eventType),
		slog.Any("payload", payload),
	)
	return nil
}

func (s LogSink) Publish(ctx context.Context, suffix string, payload any) error {
	logging.OrDefault(s.Logger).DebugContext(ctx, "Event",
		slog.String("subject", suffix),
		slog.Any("payload", payload),
	)
	return nil
}
