package messaging

// Subject suffixes appended to the configured prefix.
// Follow the pattern: {prefix}.{resource}.{action}
const (
	SuffixAlertsDetected     = "alerts.detected"     // ModSecurity alert persisted
	SuffixBlocksRequested    = "blocks.requested"    // Block request created for an agent
	SuffixAgentsRegistered   = "agents.registered"   // Agent registered or re-registered
	SuffixAgentsUnregistered = "agents.unregistered" // Agent sent UNREGISTER
)

// DefaultPrefix is the subject prefix used when none is configured.
const DefaultPrefix = "edamame"

// Subject joins prefix and suffix. An empty prefix uses DefaultPrefix.
func Subject(prefix, suffix string) string {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return prefix + "." + suffix
}

// ActionSubject returns the subject action-trigger events of eventType go to,
// e.g. edamame.actions.attack_detected.
func ActionSubject(prefix, eventType string) string {
	return Subject(prefix, "actions."+eventType)
}
