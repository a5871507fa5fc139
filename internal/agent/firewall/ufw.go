// Package firewall adapts the host UFW installation behind a small
// capability interface: inventory the current state, execute one command.
// All subprocess output is treated as text to parse, never trusted.
package firewall

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/sshguardian/guardian/pkg/protocol"
)

// Adapter is the capability surface the reporter consumes.
type Adapter interface {
	Inventory(ctx context.Context) (protocol.UFWInventory, error)
	Execute(ctx context.Context, cmd protocol.Command) (bool, string)
}

// commandTimeout bounds every firewall subprocess.
const commandTimeout = 30 * time.Second

// timeoutMessage is the wire-visible failure text for a timed-out command.
const timeoutMessage = "Command timed out"

// runner executes a subprocess and returns combined output. Injectable for
// tests.
type runner func(ctx context.Context, name string, args ...string) (string, error)

func execRunner(ctx context.Context, name string, args ...string) (string, error) {
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	return string(out), err
}

// UFW is the Uncomplicated Firewall adapter.
type UFW struct {
	binary        string
	run           runner
	logger        zerolog.Logger
	dashboardPort int
}

// New constructs the adapter. dashboardPort is added to the protected set
// so the server refuses to let an operator block its own control channel.
func New(logger zerolog.Logger, dashboardPort int) *UFW {
	return &UFW{
		binary:        "ufw",
		run:           execRunner,
		logger:        logger.With().Str("component", "firewall").Logger(),
		dashboardPort: dashboardPort,
	}
}

// Execute runs one server-issued command against UFW. It always returns a
// (success, message) pair; a timed-out subprocess fails with a fixed
// message.
func (u *UFW) Execute(ctx context.Context, cmd protocol.Command) (bool, string) {
	if !cmd.Action.Valid() {
		return false, fmt.Sprintf("unknown command type %q", cmd.Action)
	}

	args, err := u.buildArgs(cmd.Action, cmd.Params)
	if err != nil {
		return false, err.Error()
	}

	if cmd.Action == protocol.CmdReorder {
		return u.executeReorder(ctx, cmd.Params)
	}

	return u.runUFW(ctx, args)
}

func (u *UFW) runUFW(ctx context.Context, args []string) (bool, string) {
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	out, err := u.run(ctx, u.binary, args...)
	if ctx.Err() == context.DeadlineExceeded {
		return false, timeoutMessage
	}
	if err != nil {
		msg := strings.TrimSpace(out)
		if msg == "" {
			msg = err.Error()
		}
		return false, msg
	}
	return true, strings.TrimSpace(out)
}

// executeReorder runs the delete then the insert. A failure of the second
// step is reported as-is; the firewall is left in the intermediate state
// for the operator to inspect.
func (u *UFW) executeReorder(ctx context.Context, p protocol.CommandParams) (bool, string) {
	if p.DeleteCmd == "" || p.InsertCmd == "" {
		return false, "reorder requires delete_cmd and insert_cmd"
	}
	deleteArgs, err := u.splitValidated(p.DeleteCmd)
	if err != nil {
		return false, err.Error()
	}
	insertArgs, err := u.splitValidated(p.InsertCmd)
	if err != nil {
		return false, err.Error()
	}

	if ok, msg := u.runUFW(ctx, deleteArgs); !ok {
		return false, fmt.Sprintf("reorder delete step failed: %s", msg)
	}
	if ok, msg := u.runUFW(ctx, insertArgs); !ok {
		return false, fmt.Sprintf("reorder insert step failed: %s", msg)
	}
	return true, fmt.Sprintf("rule moved from %d to %d", p.FromIndex, p.ToIndex)
}

// buildArgs maps a command type to its ufw argument vector.
func (u *UFW) buildArgs(action protocol.CommandType, p protocol.CommandParams) ([]string, error) {
	switch action {
	case protocol.CmdAllow:
		return ruleArgs("allow", p)
	case protocol.CmdDeny:
		if p.Port == 0 && p.FromIP == "" {
			return nil, fmt.Errorf("deny requires port or from_ip")
		}
		return ruleArgs("deny", p)
	case protocol.CmdReject:
		if p.Port == 0 {
			return nil, fmt.Errorf("reject requires port")
		}
		return ruleArgs("reject", p)
	case protocol.CmdLimit:
		if p.Port == 0 {
			return nil, fmt.Errorf("limit requires port")
		}
		proto := p.Protocol
		if proto == "" {
			proto = "tcp"
		}
		return []string{"limit", fmt.Sprintf("%d/%s", p.Port, proto)}, nil
	case protocol.CmdDelete:
		if p.RuleNumber <= 0 {
			return nil, fmt.Errorf("delete requires rule_number")
		}
		return []string{"--force", "delete", strconv.Itoa(p.RuleNumber)}, nil
	case protocol.CmdDeleteByRule:
		if p.Action == "" {
			return nil, fmt.Errorf("delete_by_rule requires action")
		}
		inner, err := ruleArgs(p.Action, p)
		if err != nil {
			return nil, err
		}
		return append([]string{"delete"}, inner...), nil
	case protocol.CmdEnable:
		return []string{"--force", "enable"}, nil
	case protocol.CmdDisable:
		return []string{"disable"}, nil
	case protocol.CmdReset:
		return []string{"--force", "reset"}, nil
	case protocol.CmdReload:
		return []string{"reload"}, nil
	case protocol.CmdDefault:
		if !validPolicy(p.Policy) || !validDirection(p.Direction) {
			return nil, fmt.Errorf("default requires direction and policy")
		}
		return []string{"default", p.Policy, p.Direction}, nil
	case protocol.CmdLogging:
		switch p.Level {
		case "off", "low", "medium", "high", "full":
			return []string{"logging", p.Level}, nil
		default:
			return nil, fmt.Errorf("invalid logging level %q", p.Level)
		}
	case protocol.CmdDenyFrom:
		if p.IP == "" {
			return nil, fmt.Errorf("deny_from requires ip")
		}
		return []string{"insert", "1", "deny", "from", p.IP, "to", "any"}, nil
	case protocol.CmdDeleteDenyFrom:
		if p.IP == "" {
			return nil, fmt.Errorf("delete_deny_from requires ip")
		}
		return []string{"delete", "deny", "from", p.IP, "to", "any"}, nil
	case protocol.CmdRaw:
		return u.splitValidated(p.Command)
	case protocol.CmdReorder:
		return nil, nil // handled by executeReorder
	default:
		return nil, fmt.Errorf("unknown command type %q", action)
	}
}

// ruleArgs builds the argument tail shared by allow/deny/reject.
func ruleArgs(verb string, p protocol.CommandParams) ([]string, error) {
	switch verb {
	case "allow", "deny", "reject", "limit":
	default:
		return nil, fmt.Errorf("invalid rule action %q", verb)
	}

	args := []string{verb}
	if p.FromIP != "" {
		args = append(args, "from", p.FromIP)
		if p.Port > 0 {
			args = append(args, "to", "any", "port", strconv.Itoa(p.Port))
			if p.Protocol != "" {
				args = append(args, "proto", p.Protocol)
			}
		}
		return args, nil
	}
	if p.Port > 0 {
		target := strconv.Itoa(p.Port)
		if p.Protocol != "" {
			target += "/" + p.Protocol
		}
		return append(args, target), nil
	}
	return nil, fmt.Errorf("%s requires port or from_ip", verb)
}

// shellMetachars are rejected in raw commands even though the adapter
// never invokes a shell.
const shellMetachars = ";|&$`<>\n\r\\\"'"

// splitValidated validates a raw command string: it must begin with the
// firewall executable name and carry no shell metacharacters. The leading
// executable is stripped since the adapter supplies its own binary path.
func (u *UFW) splitValidated(raw string) ([]string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("empty command")
	}
	if strings.ContainsAny(raw, shellMetachars) {
		return nil, fmt.Errorf("command contains forbidden characters")
	}
	fields := strings.Fields(raw)
	if fields[0] != u.binary {
		return nil, fmt.Errorf("command must begin with %q", u.binary)
	}
	if len(fields) == 1 {
		return nil, fmt.Errorf("command has no arguments")
	}
	return fields[1:], nil
}

func validPolicy(p string) bool {
	switch p {
	case "allow", "deny", "reject":
		return true
	}
	return false
}

func validDirection(d string) bool {
	switch d {
	case "incoming", "outgoing", "routed":
		return true
	}
	return false
}
