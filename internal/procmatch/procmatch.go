// Package procmatch implements the Process/Socket Resolver: for every
// configured group, find the set of local ports currently owned by a
// process matching that group's predicate set, optionally unioned with
// its transitive descendants. It is the one-for-one Go port of
// traffictoll/net.py's filter_net_connections, generalized from a flat
// loguru-style warning to the RaceOnProcess error kind.
package procmatch

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/NodePath81/groupshaper/internal/config"
	"github.com/NodePath81/groupshaper/internal/shaperr"
	psnet "github.com/shirou/gopsutil/v4/net"
	"github.com/shirou/gopsutil/v4/process"
)

// Process is the subset of gopsutil's process.Process this package
// reads, abstracted so tests can substitute a fixed process tree.
type Process interface {
	PID() int32
	Name() (string, error)
	Exe() (string, error)
	CmdlineSlice() ([]string, error)
	Children() ([]Process, error)
}

// Connection is a local socket owned by a PID.
type Connection struct {
	PID       int32
	LocalPort int
}

// ProcessSource enumerates the current process table.
type ProcessSource interface {
	Processes() ([]Process, error)
}

// ConnectionSource enumerates the current socket table.
type ConnectionSource interface {
	Connections() ([]Connection, error)
}

// Resolver evaluates group predicates against the live process and
// socket tables.
type Resolver struct {
	processes   ProcessSource
	connections ConnectionSource
	logger      *slog.Logger
}

// New constructs a Resolver backed by gopsutil's process and net
// subpackages.
func New(logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{processes: gopsutilProcessSource{}, connections: gopsutilConnectionSource{}, logger: logger}
}

// Resolve returns, for every group whose predicate matched at least one
// process with at least one owned local port, the set of those ports.
// A group that matched nothing is simply absent from the result, the
// way traffictoll's defaultdict only gains a key on an actual append —
// this is what lets the Reconciliation Loop's "previously tracked but
// now absent" step prune a group whose last process just exited.
func (r *Resolver) Resolve(_ context.Context, groups []config.GroupSpec) (map[string]map[int]struct{}, error) {
	conns, err := r.connections.Connections()
	if err != nil {
		return nil, fmt.Errorf("enumerating connections: %w", err)
	}
	portsByPID := make(map[int32]map[int]struct{})
	for _, c := range conns {
		if c.PID == 0 {
			continue
		}
		if portsByPID[c.PID] == nil {
			portsByPID[c.PID] = make(map[int]struct{})
		}
		portsByPID[c.PID][c.LocalPort] = struct{}{}
	}

	procs, err := r.processes.Processes()
	if err != nil {
		return nil, fmt.Errorf("enumerating processes: %w", err)
	}

	result := make(map[string]map[int]struct{})
	for _, g := range groups {
		ports := make(map[int]struct{})
		for _, p := range procs {
			if !r.matches(p, g.Match) {
				continue
			}
			r.collectPorts(p, g.Recursive, portsByPID, ports)
		}
		if len(ports) > 0 {
			result[g.Name] = ports
		}
	}
	return result, nil
}

func (r *Resolver) collectPorts(p Process, recursive bool, portsByPID map[int32]map[int]struct{}, into map[int]struct{}) {
	for port := range portsByPID[p.PID()] {
		into[port] = struct{}{}
	}
	if !recursive {
		return
	}
	for _, d := range descendants(p) {
		for port := range portsByPID[d.PID()] {
			into[port] = struct{}{}
		}
	}
}

// descendants walks the full transitive descendant tree, tolerating a
// process that vanishes mid-walk by simply stopping that branch.
func descendants(p Process) []Process {
	children, err := p.Children()
	if err != nil {
		return nil
	}
	all := make([]Process, 0, len(children))
	for _, c := range children {
		all = append(all, c)
		all = append(all, descendants(c)...)
	}
	return all
}

// matches evaluates every condition in order, short-circuiting on the
// first that fails. A process that vanishes mid-evaluation is treated
// as a non-match and logged at debug via shaperr.RaceOnProcess, never
// fatal.
func (r *Resolver) matches(p Process, conditions []config.MatchCondition) bool {
	for _, cond := range conditions {
		value, err := attributeValue(p, cond.Attribute)
		if err != nil {
			r.logger.Debug("process vanished during predicate evaluation", "error", &shaperr.RaceOnProcess{PID: p.PID()})
			return false
		}
		if !cond.Regex.MatchString(value) {
			return false
		}
	}
	return true
}

// attributeValue reads one of the named process attributes spec.md §4.5
// documents, converting an integer to its decimal string form and a
// sequence to a single-space-joined string, the way _match_process does.
func attributeValue(p Process, attribute string) (string, error) {
	switch attribute {
	case "name":
		return p.Name()
	case "exe":
		return p.Exe()
	case "cmdline":
		parts, err := p.CmdlineSlice()
		if err != nil {
			return "", err
		}
		return strings.Join(parts, " "), nil
	case "pid":
		return strconv.Itoa(int(p.PID())), nil
	default:
		return "", fmt.Errorf("unsupported match attribute %q", attribute)
	}
}

type gopsutilProcess struct{ p *process.Process }

func (g gopsutilProcess) PID() int32                      { return g.p.Pid }
func (g gopsutilProcess) Name() (string, error)           { return g.p.Name() }
func (g gopsutilProcess) Exe() (string, error)             { return g.p.Exe() }
func (g gopsutilProcess) CmdlineSlice() ([]string, error) { return g.p.CmdlineSlice() }

func (g gopsutilProcess) Children() ([]Process, error) {
	children, err := g.p.Children()
	if err != nil {
		return nil, err
	}
	out := make([]Process, len(children))
	for i, c := range children {
		out[i] = gopsutilProcess{c}
	}
	return out, nil
}

type gopsutilProcessSource struct{}

func (gopsutilProcessSource) Processes() ([]Process, error) {
	procs, err := process.Processes()
	if err != nil {
		return nil, err
	}
	out := make([]Process, len(procs))
	for i, p := range procs {
		out[i] = gopsutilProcess{p}
	}
	return out, nil
}

type gopsutilConnectionSource struct{}

func (gopsutilConnectionSource) Connections() ([]Connection, error) {
	stats, err := psnet.Connections("inet")
	if err != nil {
		return nil, err
	}
	out := make([]Connection, len(stats))
	for i, s := range stats {
		out[i] = Connection{PID: s.Pid, LocalPort: int(s.Laddr.Port)}
	}
	return out, nil
}
