// Package processor turns one LOG_BATCH into persisted access records.
//
// Records are handled strictly in batch order. ModSecurity alert lines are fed
// to the correlation engine; every other record becomes a LogEntry that is
// de-duplicated, filtered, correlated and persisted. Persisted entries are then
// classified, and entries blocked by ModSecurity trigger the attack_detected
// action and, unless whitelisted, a block request for the delivering agent.
package processor

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/edamame-systems/edamame-stack/collector/internal/action"
	"github.com/edamame-systems/edamame-stack/collector/internal/correlation"
	"github.com/edamame-systems/edamame-stack/collector/internal/metrics"
	"github.com/edamame-systems/edamame-stack/collector/internal/repository"
	"github.com/edamame-systems/edamame-stack/common/logging"
	"github.com/edamame-systems/edamame-stack/common/logparser"
	"github.com/edamame-systems/edamame-stack/common/messaging"
	"github.com/edamame-systems/edamame-stack/common/models"
	"github.com/edamame-systems/edamame-stack/common/modsec"
	"github.com/edamame-systems/edamame-stack/common/protocol"
)

// Skip reasons reported in metrics.
const (
	skipDuplicate = "duplicate"
	skipIgnorable = "ignorable"
	skipUnparsed  = "unparsed"
	skipErrorLog  = "error_log"
)

// BlockPolicy controls the block requests created for blocked entries.
type BlockPolicy struct {
	Enabled  bool
	Duration time.Duration
	Chain    string
}

// Config wires the processor's collaborators. Sink, Parser and Engine are
// required; the rest fall back to inert implementations.
type Config struct {
	Parser     *logparser.Parser
	Engine     *correlation.Engine
	Sink       repository.Sink
	Blocks     repository.BlockRequests
	Classifier action.Classifier
	Whitelist  action.Whitelist
	Actions    action.Sink
	Events     action.Events
	Blocking   BlockPolicy
	Logger     *slog.Logger
	Now        func() time.Time
}

// Processor is safe for concurrent use by multiple sessions.
type Processor struct {
	parser     *logparser.Parser
	engine     *correlation.Engine
	sink       repository.Sink
	blocks     repository.BlockRequests
	classifier action.Classifier
	whitelist  action.Whitelist
	actions    action.Sink
	events     action.Events
	blocking   BlockPolicy
	logger     *logging.Logger
	now        func() time.Time
}

func New(cfg Config) *Processor {
	p := &Processor{
		parser:     cfg.Parser,
		engine:     cfg.Engine,
		sink:       cfg.Sink,
		blocks:     cfg.Blocks,
		classifier: cfg.Classifier,
		whitelist:  cfg.Whitelist,
		actions:    cfg.Actions,
		events:     cfg.Events,
		blocking:   cfg.Blocking,
		logger:     &logging.Logger{Logger: logging.OrDefault(cfg.Logger)},
		now:        cfg.Now,
	}
	if p.parser == nil {
		p.parser = logparser.New(p.logger.Logger)
	}
	if p.classifier == nil {
		p.classifier = action.NopClassifier{}
	}
	if p.whitelist == nil {
		p.whitelist = noWhitelist{}
	}
	if p.actions == nil || p.events == nil {
		ls := action.LogSink{Logger: p.logger.Logger}
		if p.actions == nil {
			p.actions = ls
		}
		if p.events == nil {
			p.events = ls
		}
	}
	if p.blocking.Chain == "" {
		p.blocking.Chain = "INPUT"
	}
	if p.now == nil {
		p.now = time.Now
	}
	return p
}

// Batch is one LOG_BATCH as received on a session.
type Batch struct {
	// Stream identifies the connection the batch arrived on. Adjacency
	// correlation only pairs alerts and access lines of the same stream.
	Stream         string
	AgentName      string
	RegistrationID string
	Records        []protocol.LogRecord
}

// Result summarises one processed batch.
type Result struct {
	Processed int
	Alerts    int
	Skipped   int
	Failed    int
}

// Process handles b in order. Failures are per entry: a record that cannot be
// stored is counted and logged, and processing continues with the next one.
func (p *Processor) Process(ctx context.Context, b Batch) Result {
	var res Result
	seen := make(map[string]struct{}, len(b.Records))
	if logging.AgentFromContext(ctx) == "" {
		ctx = logging.ContextWithAgent(ctx, b.AgentName)
	}
	if b.RegistrationID != "" {
		ctx = logging.ContextWithRegistration(ctx, b.RegistrationID)
	}
	logger := p.logger.WithContext(ctx)

	for _, rec := range b.Records {
		if ctx.Err() != nil {
			break
		}

		if rec.RawLogLine != "" && modsec.IsAlert(rec.RawLogLine) {
			alerts := modsec.Extract(rec.RawLogLine, rec.ServerName, p.now())
			p.engine.Observe(b.Stream, alerts)
			res.Alerts += len(alerts)
			logger.Debug("ModSecurity alert queued",
				logging.Server(rec.ServerName), logging.Count(len(alerts)))
			continue
		}

		if strings.Contains(rec.SourcePath, "error.log") {
			p.skip(&res, skipErrorLog)
			continue
		}

		entry, ok := p.entryFrom(rec)
		if !ok {
			p.skip(&res, skipUnparsed)
			continue
		}
		entry.RegistrationID = b.RegistrationID
		entry.CollectedAt = p.now()

		key := entry.DedupKey()
		if _, dup := seen[key]; dup {
			p.skip(&res, skipDuplicate)
			continue
		}
		seen[key] = struct{}{}

		if IsIgnorable(entry.FullURL) {
			p.skip(&res, skipIgnorable)
			continue
		}

		matched := p.engine.Match(b.Stream, entry)
		if len(matched) > 0 {
			entry.BlockedByModSec = true
		}

		recordID, err := p.sink.SaveEntry(ctx, &entry)
		if err != nil {
			metrics.StorageErrors.WithLabelValues("save_entry").Inc()
			res.Failed++
			logger.Error("Failed to store access entry",
				logging.Server(entry.ServerName), slog.String("url", entry.FullURL), logging.Error(err))
			continue
		}
		res.Processed++
		metrics.EntriesProcessed.Inc()

		for _, alert := range matched {
			if err := p.sink.SaveAlert(ctx, recordID, alert); err != nil {
				metrics.StorageErrors.WithLabelValues("save_alert").Inc()
				logger.Error("Failed to store ModSecurity alert",
					logging.RuleID(alert.RuleID), slog.String("record_id", recordID), logging.Error(err))
				continue
			}
			p.publish(ctx, messaging.SuffixAlertsDetected, alertEvent{RecordID: recordID, ModSecAlert: alert})
		}

		p.afterPersist(ctx, b, recordID, entry, matched)
	}

	return res
}

// entryFrom builds the LogEntry for rec: raw lines are parsed, structured
// records are taken as sent apart from URL decoding.
func (p *Processor) entryFrom(rec protocol.LogRecord) (models.LogEntry, bool) {
	if rec.RawLogLine != "" {
		entry, ok := p.parser.Parse(rec.RawLogLine)
		if !ok {
			return models.LogEntry{}, false
		}
		entry.ServerName = rec.ServerName
		entry.SourcePath = rec.SourcePath
		entry.RawLogLine = rec.RawLogLine
		return entry, true
	}

	entry := rec.Entry()
	if entry.FullURL == "" && entry.Method == "" {
		return models.LogEntry{}, false
	}
	if !logparser.ValidIP(entry.IPAddress) {
		return models.LogEntry{}, false
	}
	entry.FullURL = logparser.DecodeURL(entry.FullURL)
	if entry.AccessTime.IsZero() {
		entry.AccessTime = p.now()
	}
	// Blocking is decided by correlation, not by the sender.
	entry.BlockedByModSec = false
	return entry, true
}

func (p *Processor) afterPersist(ctx context.Context, b Batch, recordID string, entry models.LogEntry, matched []models.ModSecAlert) {
	attackType := p.classifier.Classify(entry.FullURL)
	whitelisted := p.whitelist.Contains(entry.IPAddress)
	if attackType != "" {
		p.logger.WarnContext(ctx, "Attack pattern detected",
			slog.String("attack_type", attackType), logging.IP(entry.IPAddress),
			slog.String("url", entry.FullURL), slog.Bool("whitelisted", whitelisted))
	}

	if !entry.BlockedByModSec {
		return
	}

	ruleIDs := make([]string, 0, len(matched))
	for _, a := range matched {
		ruleIDs = append(ruleIDs, a.RuleID)
	}
	event := action.AttackEvent{
		RecordID:       recordID,
		RegistrationID: b.RegistrationID,
		AgentName:      b.AgentName,
		ServerName:     entry.ServerName,
		IPAddress:      entry.IPAddress,
		Method:         entry.Method,
		URL:            entry.FullURL,
		StatusCode:     entry.StatusCode,
		AttackType:     attackType,
		RuleIDs:        ruleIDs,
		AccessTime:     entry.AccessTime,
		Whitelisted:    whitelisted,
	}
	if err := p.actions.Trigger(ctx, action.EventAttackDetected, event); err != nil {
		p.logger.WarnContext(ctx, "Failed to trigger action",
			slog.String("event_type", action.EventAttackDetected), logging.Error(err))
	}

	if whitelisted {
		p.logger.InfoContext(ctx, "Blocked request from whitelisted address, no block requested", logging.IP(entry.IPAddress))
		return
	}
	p.requestBlock(ctx, b, entry, ruleIDs)
}

func (p *Processor) requestBlock(ctx context.Context, b Batch, entry models.LogEntry, ruleIDs []string) {
	if !p.blocking.Enabled || p.blocks == nil || b.RegistrationID == "" {
		return
	}

	req := &models.BlockRequest{
		ID:             uuid.NewString(),
		RegistrationID: b.RegistrationID,
		IPAddress:      entry.IPAddress,
		Duration:       int(p.blocking.Duration / time.Second),
		Reason:         blockReason(ruleIDs),
		ChainName:      p.blocking.Chain,
		CreatedAt:      p.now(),
	}
	if err := p.blocks.CreateBlockRequest(ctx, req); err != nil {
		metrics.StorageErrors.WithLabelValues("create_block_request").Inc()
		p.logger.ErrorContext(ctx, "Failed to create block request", logging.IP(entry.IPAddress), logging.Error(err))
		return
	}
	metrics.BlockRequestsCreated.Inc()
	p.logger.InfoContext(ctx, "Block requested",
		logging.IP(entry.IPAddress), slog.String("reason", req.Reason))
	p.publish(ctx, messaging.SuffixBlocksRequested, req)
}

func (p *Processor) publish(ctx context.Context, suffix string, payload any) {
	if err := p.events.Publish(ctx, suffix, payload); err != nil {
		p.logger.WarnContext(ctx, "Failed to publish event", slog.String("subject", suffix), logging.Error(err))
	}
}

func (p *Processor) skip(res *Result, reason string) {
	res.Skipped++
	metrics.EntriesSkipped.WithLabelValues(reason).Inc()
}

type alertEvent struct {
	RecordID string `json:"recordId"`
	models.ModSecAlert
}

func blockReason(ruleIDs []string) string {
	if len(ruleIDs) == 0 {
		return "ModSecurity block"
	}
	return "ModSecurity rule " + strings.Join(ruleIDs, ",")
}

// IsIgnorable reports requests that are never persisted: empty URLs, favicon
// and robots fetches and static assets.
func IsIgnorable(url string) bool {
	if url == "" {
		return true
	}
	if url == "/favicon.ico" || url == "/robots.txt" {
		return true
	}
	for _, ext := range []string{".ico", ".css", ".js", ".png", ".jpg", ".gif"} {
		if strings.HasSuffix(url, ext) {
			return true
		}
	}
	return false
}

type noWhitelist struct{}

func (noWhitelist) Contains(string) bool { return false }
