// Package reconcile implements the Reconciliation Loop: on a fixed
// cadence it re-resolves which local ports belong to each group, installs
// u32 filters for ports that just appeared, removes filters for ports
// that vanished, and forgets groups that no longer resolve to any
// process at all. It is the closest one-to-one port of
// traffictoll/cli.py's steady-state loop in the whole program: the
// original's filtered_ports/port_to_filter_id bookkeeping becomes this
// package's per-group, per-direction filter handle maps.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/NodePath81/groupshaper/internal/config"
	"github.com/NodePath81/groupshaper/internal/tc"
	"github.com/NodePath81/groupshaper/internal/topology"
)

// driver is the subset of *tc.Driver the loop depends on.
type driver interface {
	AddU32Filter(ctx context.Context, qh tc.QDiscHandle, matchExpression string, classID int) (tc.FilterHandle, error)
	RemoveU32Filter(ctx context.Context, qh tc.QDiscHandle, handle tc.FilterHandle) error
}

// resolver is the subset of *procmatch.Resolver the loop depends on.
type resolver interface {
	Resolve(ctx context.Context, groups []config.GroupSpec) (map[string]map[int]struct{}, error)
}

// portFilters tracks the installed filter handle for each port currently
// owned by one group on one side.
type portFilters map[int]tc.FilterHandle

// Loop owns the FilterRegistry and runs the reconciliation tick.
type Loop struct {
	driver   driver
	resolver resolver
	topo     *topology.Topology
	groups   []config.GroupSpec
	logger   *slog.Logger

	previous map[string]map[int]struct{}
	ingress  map[string]portFilters
	egress   map[string]portFilters
}

// New constructs a Loop. The FilterRegistry starts empty; the first tick
// populates it from whatever the resolver currently sees.
func New(d driver, r resolver, topo *topology.Topology, groups []config.GroupSpec, logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		driver:   d,
		resolver: r,
		topo:     topo,
		groups:   groups,
		logger:   logger,
		previous: make(map[string]map[int]struct{}),
		ingress:  make(map[string]portFilters),
		egress:   make(map[string]portFilters),
	}
}

// Run ticks every delay until ctx is cancelled. It returns the context's
// error once cancelled; the caller is responsible for running teardown
// afterward, since dropping the qdiscs implicitly clears every filter
// this loop ever installed.
func (l *Loop) Run(ctx context.Context, delay time.Duration) error {
	ticker := time.NewTicker(delay)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := l.Tick(ctx); err != nil {
				l.logger.Error("reconciliation tick failed", "error", err)
			}
		}
	}
}

// Tick runs one reconciliation pass: resolve, then for every still-live
// group add filters for new ports before removing filters for gone
// ports, then drop every group absent from the fresh resolve entirely.
func (l *Loop) Tick(ctx context.Context) error {
	current, err := l.resolver.Resolve(ctx, l.groups)
	if err != nil {
		return err
	}

	for name, ports := range current {
		leaves := l.topo.Groups[name]
		prevPorts := l.previous[name]

		for port := range ports {
			if _, existed := prevPorts[port]; existed {
				continue
			}
			l.addPort(ctx, name, leaves, port)
		}

		for port := range prevPorts {
			if _, stillPresent := ports[port]; stillPresent {
				continue
			}
			l.removePort(ctx, name, port)
		}
	}

	for name := range l.previous {
		if _, stillResolved := current[name]; stillResolved {
			continue
		}
		for port := range l.previous[name] {
			l.removePort(ctx, name, port)
		}
		delete(l.ingress, name)
		delete(l.egress, name)
	}

	l.previous = current
	return nil
}

func (l *Loop) addPort(ctx context.Context, name string, leaves topology.GroupLeaves, port int) {
	if leaves.Ingress != nil {
		handle, err := l.driver.AddU32Filter(ctx, l.topo.Ingress, matchExpression("dport", port), *leaves.Ingress)
		if err != nil {
			l.logger.Error("installing ingress filter failed", "group", name, "port", port, "error", err)
		} else {
			l.filtersFor(l.ingress, name)[port] = handle
		}
	}
	if leaves.Egress != nil {
		handle, err := l.driver.AddU32Filter(ctx, l.topo.Egress, matchExpression("sport", port), *leaves.Egress)
		if err != nil {
			l.logger.Error("installing egress filter failed", "group", name, "port", port, "error", err)
		} else {
			l.filtersFor(l.egress, name)[port] = handle
		}
	}
}

func (l *Loop) removePort(ctx context.Context, name string, port int) {
	if handle, ok := l.ingress[name][port]; ok {
		if err := l.driver.RemoveU32Filter(ctx, l.topo.Ingress, handle); err != nil {
			l.logger.Error("removing ingress filter failed", "group", name, "port", port, "error", err)
		}
		delete(l.ingress[name], port)
	}
	if handle, ok := l.egress[name][port]; ok {
		if err := l.driver.RemoveU32Filter(ctx, l.topo.Egress, handle); err != nil {
			l.logger.Error("removing egress filter failed", "group", name, "port", port, "error", err)
		}
		delete(l.egress[name], port)
	}
}

func (l *Loop) filtersFor(side map[string]portFilters, name string) portFilters {
	if side[name] == nil {
		side[name] = make(portFilters)
	}
	return side[name]
}

func matchExpression(kind string, port int) string {
	return fmt.Sprintf("match ip %s %d 0xffff", kind, port)
}
