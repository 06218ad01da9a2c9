package blocker

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"os/exec"
	"strings"

	"github.com/edamame-systems/edamame-stack/common/logging"
)

// Executor installs and removes DROP rules.
type Executor interface {
	Block(ctx context.Context, chain string, ip netip.Addr) error
	Unblock(ctx context.Context, chain string, ip netip.Addr) error
}

// Iptables runs iptables, or ip6tables for IPv6 addresses.
type Iptables struct {
	Binary  string
	Binary6 string
	Logger  *slog.Logger

	// run is replaced in tests.
	run func(ctx context.Context, name string, args ...string) ([]byte, error)
}

func NewIptables(logger *slog.Logger) *Iptables {
	return &Iptables{Binary: "iptables", Binary6: "ip6tables", Logger: logging.OrDefault(logger)}
}

func (e *Iptables) Block(ctx context.Context, chain string, ip netip.Addr) error {
	return e.exec(ctx, ip, "-I", chain, "-s", ip.String(), "-j", "DROP")
}

func (e *Iptables) Unblock(ctx context.Context, chain string, ip netip.Addr) error {
	return e.exec(ctx, ip, "-D", chain, "-s", ip.String(), "-j", "DROP")
}

func (e *Iptables) exec(ctx context.Context, ip netip.Addr, args ...string) error {
	bin := e.Binary
	if ip.Is6() {
		bin = e.Binary6
	}
	run := e.run
	if run == nil {
		run = combinedOutput
	}

	output, err := run(ctx, bin, args...)
	cmdline := bin + " " + strings.Join(args, " ")
	if err != nil {
		return fmt.Errorf("command %q failed: %w: %s", cmdline, err, strings.TrimSpace(string(output)))
	}
	logging.OrDefault(e.Logger).Debug("Firewall command succeeded", slog.String("command", cmdline))
	return nil
}

func combinedOutput(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}
