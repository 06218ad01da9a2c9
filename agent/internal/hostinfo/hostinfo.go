// Package hostinfo gathers the host metadata an agent reports on REGISTER.
package hostinfo

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"runtime"
	"strings"

	"github.com/shirou/gopsutil/v4/host"

	"github.com/edamame-systems/edamame-stack/common/logging"
	"github.com/edamame-systems/edamame-stack/common/protocol"
)

const (
	osReleaseLocation = "/etc/os-release"
	// No packet is sent: dialing UDP only selects the route.
	defaultProbeAddr = "8.8.8.8:80"
)

// Info describes the host.
type Info struct {
	Hostname       string
	IP             string
	OSName         string
	OSVersion      string
	RuntimeVersion string
}

// Collector reads host metadata. The zero value uses the system defaults.
type Collector struct {
	OSReleasePath string
	ProbeAddr     string
	Logger        *slog.Logger
}

// Collect never fails: fields that cannot be determined are left with a
// best-effort fallback.
func (c Collector) Collect(ctx context.Context) Info {
	logger := logging.OrDefault(c.Logger)

	info := Info{RuntimeVersion: runtime.Version()}

	hostname, err := os.Hostname()
	if err != nil {
		logger.WarnContext(ctx, "Unable to get hostname", logging.Error(err))
	}
	info.Hostname = hostname

	probe := c.ProbeAddr
	if probe == "" {
		probe = defaultProbeAddr
	}
	if ip, err := OutboundIP(probe); err != nil {
		logger.WarnContext(ctx, "Unable to determine outbound IP", logging.Error(err))
		info.IP = "127.0.0.1"
	} else {
		info.IP = ip
	}

	path := c.OSReleasePath
	if path == "" {
		path = osReleaseLocation
	}
	release, err := readOSRelease(path)
	if err != nil {
		logger.DebugContext(ctx, "Unable to read os release file", logging.Error(err))
	}

	hi, err := host.InfoWithContext(ctx)
	if err != nil {
		logger.DebugContext(ctx, "Could not read release information for host", logging.Error(err))
		hi = &host.InfoStat{}
	}

	info.OSName = firstNonEmpty(release["PRETTY_NAME"], release["NAME"], hi.Platform, runtime.GOOS)
	info.OSVersion = firstNonEmpty(hi.KernelVersion, release["VERSION_ID"], hi.PlatformVersion)
	return info
}

// Registration builds the REGISTER body for this host.
func (i Info) Registration(agentID, agentName, agentVersion string, logPaths []string, iptables bool) protocol.RegistrationInfo {
	return protocol.RegistrationInfo{
		AgentID:         agentID,
		AgentName:       agentName,
		AgentIP:         i.IP,
		Hostname:        i.Hostname,
		OSName:          i.OSName,
		OSVersion:       i.OSVersion,
		RuntimeVersion:  i.RuntimeVersion,
		NginxLogPaths:   logPaths,
		IptablesEnabled: iptables,
		AgentVersion:    agentVersion,
	}
}

// OutboundIP returns the local address the kernel would use to reach probe.
func OutboundIP(probe string) (string, error) {
	conn, err := net.Dial("udp", probe)
	if err != nil {
		return "", fmt.Errorf("failed to select route to %s: %w", probe, err)
	}
	defer conn.Close()

	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return "", fmt.Errorf("unexpected local address %v", conn.LocalAddr())
	}
	return addr.IP.String(), nil
}

func readOSRelease(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("release file %s is unreadable: %w", path, err)
	}
	defer f.Close()

	info, err := parseOSRelease(f)
	if err != nil {
		return nil, fmt.Errorf("release file %s is unparsable: %w", path, err)
	}
	return info, nil
}

func parseOSRelease(r io.Reader) (map[string]string, error) {
	out := make(map[string]string)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		out[key] = strings.Trim(value, `"'`)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
