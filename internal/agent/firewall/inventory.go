package firewall

import (
	"context"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	gopsnet "github.com/shirou/gopsutil/v4/net"
	"github.com/shirou/gopsutil/v4/process"

	"github.com/sshguardian/guardian/pkg/protocol"
)

// protectedServices flags ports the server must refuse to block blindly.
// The dashboard port is appended at runtime.
var protectedServices = map[int]string{
	22:    "ssh",
	80:    "http",
	443:   "https",
	3306:  "mysql",
	5432:  "postgresql",
	6379:  "redis",
	27017: "mongodb",
}

var numberedRuleRe = regexp.MustCompile(`^\[\s*(\d+)\]\s+(.+?)\s{2,}(\S+(?:\s\S+)?)\s{2,}(.+)$`)

// Inventory collects the full firewall state document: engine status,
// numbered rules, listening sockets, and the protected-port set.
func (u *UFW) Inventory(ctx context.Context) (protocol.UFWInventory, error) {
	inv := protocol.UFWInventory{
		CollectedAt:    time.Now().UTC(),
		ProtectedPorts: u.protectedPorts(),
	}

	status, err := u.collectStatus(ctx)
	if err != nil {
		// UFW absent is a state to report, not an error to fail on.
		inv.Status = protocol.UFWStatus{State: "not_installed"}
		inv.ListeningPorts = u.listeningPorts(ctx)
		return inv, nil
	}
	inv.Status = status

	if status.State == "active" {
		inv.Rules = u.collectRules(ctx)
		inv.Status.RuleCount = len(inv.Rules)
	}
	inv.ListeningPorts = u.listeningPorts(ctx)
	return inv, nil
}

func (u *UFW) protectedPorts() []protocol.ProtectedPort {
	var out []protocol.ProtectedPort
	for port, service := range protectedServices {
		out = append(out, protocol.ProtectedPort{Port: port, Service: service})
	}
	if u.dashboardPort > 0 {
		if _, known := protectedServices[u.dashboardPort]; !known {
			out = append(out, protocol.ProtectedPort{Port: u.dashboardPort, Service: "guardian-dashboard"})
		}
	}
	return out
}

// collectStatus parses `ufw status verbose`.
func (u *UFW) collectStatus(ctx context.Context) (protocol.UFWStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	out, err := u.run(ctx, u.binary, "status", "verbose")
	if err != nil && !strings.Contains(out, "Status:") {
		return protocol.UFWStatus{}, err
	}

	status := protocol.UFWStatus{State: "inactive"}
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "Status:"):
			if strings.Contains(line, "active") && !strings.Contains(line, "inactive") {
				status.State = "active"
			}
		case strings.HasPrefix(line, "Logging:"):
			// "Logging: on (low)"
			if open := strings.Index(line, "("); open >= 0 {
				status.LoggingLevel = strings.TrimRight(line[open+1:], ")")
			} else if strings.Contains(line, "off") {
				status.LoggingLevel = "off"
			}
		case strings.HasPrefix(line, "Default:"):
			parseDefaults(line, &status)
		}
	}

	if v, err := u.run(ctx, u.binary, "--version"); err == nil {
		fields := strings.Fields(v)
		if len(fields) >= 2 {
			status.Version = fields[1]
		}
	}
	status.IPv6Enabled = ipv6Enabled()
	return status, nil
}

// parseDefaults reads "Default: deny (incoming), allow (outgoing), disabled (routed)".
func parseDefaults(line string, status *protocol.UFWStatus) {
	line = strings.TrimPrefix(line, "Default:")
	for _, part := range strings.Split(line, ",") {
		part = strings.TrimSpace(part)
		fields := strings.Fields(part)
		if len(fields) != 2 {
			continue
		}
		policy := fields[0]
		switch strings.Trim(fields[1], "()") {
		case "incoming":
			status.DefaultIncoming = policy
		case "outgoing":
			status.DefaultOutgoing = policy
		case "routed":
			status.DefaultRouted = policy
		}
	}
}

// collectRules parses `ufw status numbered` into the wire rule list.
func (u *UFW) collectRules(ctx context.Context) []protocol.UFWRule {
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	out, err := u.run(ctx, u.binary, "status", "numbered")
	if err != nil {
		u.logger.Warn().Err(err).Msg("rule listing failed")
		return nil
	}

	var rules []protocol.UFWRule
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		m := numberedRuleRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		number, _ := strconv.Atoi(m[1])
		action, direction := splitAction(m[3])
		rules = append(rules, protocol.UFWRule{
			Number:    number,
			Raw:       line,
			To:        strings.TrimSpace(m[2]),
			Action:    action,
			Direction: direction,
			From:      strings.TrimSpace(m[4]),
		})
	}
	return rules
}

// splitAction divides "ALLOW IN" into the verb and direction.
func splitAction(s string) (action, direction string) {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return "", ""
	}
	action = fields[0]
	if len(fields) > 1 {
		direction = fields[1]
	}
	return action, direction
}

// listeningPorts enumerates listening TCP and bound UDP sockets with
// owning process names where readable.
func (u *UFW) listeningPorts(ctx context.Context) []protocol.ListeningPort {
	conns, err := gopsnet.ConnectionsWithContext(ctx, "inet")
	if err != nil {
		u.logger.Warn().Err(err).Msg("socket enumeration failed")
		return nil
	}

	seen := map[string]bool{}
	var ports []protocol.ListeningPort
	for _, conn := range conns {
		var proto string
		switch {
		case conn.Type == 1 && conn.Status == "LISTEN": // SOCK_STREAM
			proto = "tcp"
		case conn.Type == 2: // SOCK_DGRAM
			proto = "udp"
		default:
			continue
		}
		port := int(conn.Laddr.Port)
		if port == 0 {
			continue
		}
		key := proto + "/" + strconv.Itoa(port)
		if seen[key] {
			continue
		}
		seen[key] = true

		lp := protocol.ListeningPort{
			Port:     port,
			Protocol: proto,
			PID:      conn.Pid,
		}
		if service, ok := protectedServices[port]; ok {
			lp.Protected = true
			lp.Service = service
		}
		if port == u.dashboardPort {
			lp.Protected = true
			if lp.Service == "" {
				lp.Service = "guardian-dashboard"
			}
		}
		if conn.Pid > 0 {
			if proc, err := process.NewProcessWithContext(ctx, conn.Pid); err == nil {
				if name, err := proc.NameWithContext(ctx); err == nil {
					lp.ProcessName = name
				}
			}
		}
		ports = append(ports, lp)
	}
	return ports
}

// ipv6Enabled reads the UFW default file; absence means disabled.
func ipv6Enabled() bool {
	data, err := os.ReadFile("/etc/default/ufw")
	if err != nil {
		return false
	}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "IPV6=") {
			return strings.EqualFold(strings.Trim(strings.TrimPrefix(line, "IPV6="), `"`), "yes")
		}
	}
	return false
}
