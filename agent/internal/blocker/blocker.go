// Package blocker applies the block requests the collector hands out.
//
// Requests are polled with the agent's current registration id; the poller
// follows registration changes published by the transmitter. Every block
// becomes a DROP rule that is removed again once its duration has passed.
package blocker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/edamame-systems/edamame-stack/agent/internal/metrics"
	"github.com/edamame-systems/edamame-stack/common/logging"
	"github.com/edamame-systems/edamame-stack/common/protocol"
)

const (
	DefaultChain    = "INPUT"
	DefaultDuration = time.Hour
)

var chainRe = regexp.MustCompile(`^[A-Za-z0-9_-]{1,28}$`)

// ErrInvalidRequest is returned for requests with a bad IP or chain name.
var ErrInvalidRequest = errors.New("invalid block request")

// Source hands out pending block requests and registration changes.
type Source interface {
	PollBlockRequests(ctx context.Context) ([]protocol.BlockRequestItem, error)
	Subscribe() <-chan string
}

type Config struct {
	Source   Source
	Executor Executor
	// Chain and Duration apply when a request leaves them empty.
	Chain    string
	Duration time.Duration
	Logger   *slog.Logger
	Now      func() time.Time
}

// Block is one installed rule.
type Block struct {
	RequestID string
	IP        netip.Addr
	Chain     string
	Reason    string
	Expires   time.Time
}

type Blocker struct {
	cfg    Config
	logger *slog.Logger

	regMu          sync.RWMutex
	registrationID string

	mu     sync.Mutex
	active map[string]*Block
}

func New(cfg Config) *Blocker {
	if cfg.Chain == "" {
		cfg.Chain = DefaultChain
	}
	if cfg.Duration <= 0 {
		cfg.Duration = DefaultDuration
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Blocker{
		cfg:    cfg,
		logger: logging.OrDefault(cfg.Logger),
		active: make(map[string]*Block),
	}
}

// Run follows registration changes until ctx is done or the source closes
// its subscription.
func (b *Blocker) Run(ctx context.Context) {
	updates := b.cfg.Source.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case id, ok := <-updates:
			if !ok {
				return
			}
			b.bind(id)
		}
	}
}

func (b *Blocker) bind(id string) {
	b.regMu.Lock()
	prev := b.registrationID
	b.registrationID = id
	b.regMu.Unlock()

	if prev != id {
		b.logger.Info("Block poller bound to registration",
			logging.RegistrationID(id), slog.String("previous", prev))
	}
}

// RegistrationID returns the registration the poller is bound to.
func (b *Blocker) RegistrationID() string {
	b.regMu.RLock()
	defer b.regMu.RUnlock()
	return b.registrationID
}

// Poll fetches pending requests, applies them and removes expired rules.
// It does nothing while the agent is unregistered.
func (b *Blocker) Poll(ctx context.Context) {
	defer b.Expire(ctx)

	if b.RegistrationID() == "" {
		return
	}
	items, err := b.cfg.Source.PollBlockRequests(ctx)
	if err != nil {
		metrics.BlockErrors.WithLabelValues("poll").Inc()
		b.logger.Debug("Block request poll failed", logging.Error(err))
		return
	}
	for _, item := range items {
		if err := b.Apply(ctx, item); err != nil {
			b.logger.Error("Failed to apply block request",
				slog.String("request_id", item.ID), logging.IP(item.IPAddress), logging.Error(err))
		}
	}
}

// Apply installs a DROP rule for item. A request for an address that is
// already blocked in the same chain only extends the expiry.
func (b *Blocker) Apply(ctx context.Context, item protocol.BlockRequestItem) error {
	ip, err := netip.ParseAddr(item.IPAddress)
	if err != nil {
		metrics.BlockErrors.WithLabelValues("invalid").Inc()
		return fmt.Errorf("%w: ip %q", ErrInvalidRequest, item.IPAddress)
	}
	ip = ip.Unmap()

	chain := item.ChainName
	if chain == "" {
		chain = b.cfg.Chain
	}
	if !chainRe.MatchString(chain) {
		metrics.BlockErrors.WithLabelValues("invalid").Inc()
		return fmt.Errorf("%w: chain %q", ErrInvalidRequest, chain)
	}
	duration := time.Duration(item.Duration) * time.Second
	if duration <= 0 {
		duration = b.cfg.Duration
	}
	expires := b.cfg.Now().Add(duration)
	key := chain + "|" + ip.String()

	b.mu.Lock()
	defer b.mu.Unlock()

	if existing, ok := b.active[key]; ok {
		if expires.After(existing.Expires) {
			existing.Expires = expires
		}
		return nil
	}

	if err := b.cfg.Executor.Block(ctx, chain, ip); err != nil {
		metrics.BlockErrors.WithLabelValues("block").Inc()
		return err
	}
	b.active[key] = &Block{RequestID: item.ID, IP: ip, Chain: chain, Reason: item.Reason, Expires: expires}
	metrics.BlocksApplied.Inc()
	b.logger.Warn("Blocked IP address",
		logging.IP(ip.String()), slog.String("chain", chain),
		logging.Duration(duration), slog.String("reason", item.Reason))
	return nil
}

// Expire removes rules whose duration has passed and returns how many were
// removed. Rules that fail to be removed are retried on the next call.
func (b *Blocker) Expire(ctx context.Context) int {
	now := b.cfg.Now()

	b.mu.Lock()
	defer b.mu.Unlock()

	removed := 0
	for key, blk := range b.active {
		if now.Before(blk.Expires) {
			continue
		}
		if b.unblockLocked(ctx, key, blk) {
			removed++
		}
	}
	return removed
}

// RemoveAll drops every installed rule. It is called on shutdown so no
// block outlives the agent that would have expired it.
func (b *Blocker) RemoveAll(ctx context.Context) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	removed := 0
	for key, blk := range b.active {
		if b.unblockLocked(ctx, key, blk) {
			removed++
		}
	}
	return removed
}

func (b *Blocker) unblockLocked(ctx context.Context, key string, blk *Block) bool {
	if err := b.cfg.Executor.Unblock(ctx, blk.Chain, blk.IP); err != nil {
		metrics.BlockErrors.WithLabelValues("unblock").Inc()
		b.logger.Error("Failed to remove block", logging.IP(blk.IP.String()), logging.Error(err))
		return false
	}
	delete(b.active, key)
	metrics.BlocksRemoved.Inc()
	b.logger.Info("Removed block", logging.IP(blk.IP.String()), slog.String("chain", blk.Chain))
	return true
}

// Active lists the installed rules ordered by expiry.
func (b *Blocker) Active() []Block {
	b.mu.Lock()
	out := make([]Block, 0, len(b.active))
	for _, blk := range b.active {
		out = append(out, *blk)
	}
	b.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Expires.Before(out[j].Expires) })
	return out
}
