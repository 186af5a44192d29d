package reconcile

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"

	"github.com/NodePath81/groupshaper/internal/config"
	"github.com/NodePath81/groupshaper/internal/tc"
	"github.com/NodePath81/groupshaper/internal/topology"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeResolver struct {
	results []map[string]map[int]struct{}
	i       int
}

func (f *fakeResolver) Resolve(_ context.Context, _ []config.GroupSpec) (map[string]map[int]struct{}, error) {
	if f.i >= len(f.results) {
		return f.results[len(f.results)-1], nil
	}
	r := f.results[f.i]
	f.i++
	return r, nil
}

type fakeDriver struct {
	nextHandle int
	calls      []string
}

func (f *fakeDriver) AddU32Filter(_ context.Context, qh tc.QDiscHandle, matchExpression string, classID int) (tc.FilterHandle, error) {
	f.nextHandle++
	f.calls = append(f.calls, fmt.Sprintf("add:%s:%s:%d", qh.Device, matchExpression, classID))
	return tc.FilterHandle(fmt.Sprintf("800::%d", f.nextHandle)), nil
}

func (f *fakeDriver) RemoveU32Filter(_ context.Context, qh tc.QDiscHandle, handle tc.FilterHandle) error {
	f.calls = append(f.calls, fmt.Sprintf("remove:%s:%s", qh.Device, handle))
	return nil
}

func portSet(ports ...int) map[int]struct{} {
	s := make(map[int]struct{}, len(ports))
	for _, p := range ports {
		s[p] = struct{}{}
	}
	return s
}

func testTopology() *topology.Topology {
	ingressClass := 10
	egressClass := 20
	return &topology.Topology{
		Device:    "eth0",
		IFBDevice: "ifb0",
		Ingress:   tc.QDiscHandle{Device: "ifb0", QdiscID: 1, RootClassID: 1},
		Egress:    tc.QDiscHandle{Device: "eth0", QdiscID: 1, RootClassID: 1},
		Groups: map[string]topology.GroupLeaves{
			"http": {Ingress: &ingressClass, Egress: &egressClass},
		},
	}
}

func TestTickInstallsFiltersForNewPorts(t *testing.T) {
	d := &fakeDriver{}
	r := &fakeResolver{results: []map[string]map[int]struct{}{
		{"http": portSet(80, 443)},
	}}
	l := New(d, r, testTopology(), nil, discardLogger())

	if err := l.Tick(context.Background()); err != nil {
		t.Fatalf("Tick() error = %v", err)
	}
	if len(l.ingress["http"]) != 2 {
		t.Fatalf("ingress filters = %v, want 2 entries", l.ingress["http"])
	}
	if len(l.egress["http"]) != 2 {
		t.Fatalf("egress filters = %v, want 2 entries", l.egress["http"])
	}
}

func TestTickIngressInstalledBeforeEgressPerPort(t *testing.T) {
	d := &fakeDriver{}
	r := &fakeResolver{results: []map[string]map[int]struct{}{
		{"http": portSet(80)},
	}}
	l := New(d, r, testTopology(), nil, discardLogger())

	if err := l.Tick(context.Background()); err != nil {
		t.Fatalf("Tick() error = %v", err)
	}
	if len(d.calls) != 2 {
		t.Fatalf("calls = %v, want exactly 2 (one ingress add, one egress add)", d.calls)
	}
	if d.calls[0] != "add:ifb0:match ip dport 80 0xffff:10" {
		t.Fatalf("calls[0] = %q, want ingress add first", d.calls[0])
	}
	if d.calls[1] != "add:eth0:match ip sport 80 0xffff:20" {
		t.Fatalf("calls[1] = %q, want egress add second", d.calls[1])
	}
}

func TestTickRemovesFiltersForGonePorts(t *testing.T) {
	d := &fakeDriver{}
	r := &fakeResolver{results: []map[string]map[int]struct{}{
		{"http": portSet(80, 443)},
		{"http": portSet(80)},
	}}
	l := New(d, r, testTopology(), nil, discardLogger())

	if err := l.Tick(context.Background()); err != nil {
		t.Fatalf("Tick() error = %v", err)
	}
	if err := l.Tick(context.Background()); err != nil {
		t.Fatalf("Tick() error = %v", err)
	}
	if _, ok := l.ingress["http"][443]; ok {
		t.Fatalf("ingress filters = %v, want port 443 gone", l.ingress["http"])
	}
	if _, ok := l.ingress["http"][80]; !ok {
		t.Fatalf("ingress filters = %v, want port 80 to remain", l.ingress["http"])
	}
}

func TestTickPrunesVanishedGroup(t *testing.T) {
	d := &fakeDriver{}
	r := &fakeResolver{results: []map[string]map[int]struct{}{
		{"http": portSet(80)},
		{},
	}}
	l := New(d, r, testTopology(), nil, discardLogger())

	if err := l.Tick(context.Background()); err != nil {
		t.Fatalf("Tick() error = %v", err)
	}
	if err := l.Tick(context.Background()); err != nil {
		t.Fatalf("Tick() error = %v", err)
	}
	if _, ok := l.ingress["http"]; ok {
		t.Fatalf("ingress filters = %v, want group forgotten entirely", l.ingress["http"])
	}
	if _, ok := l.previous["http"]; ok {
		t.Fatalf("previous = %v, want group absent", l.previous)
	}
}

func TestTickNoOpOnEmptyConfig(t *testing.T) {
	d := &fakeDriver{}
	r := &fakeResolver{results: []map[string]map[int]struct{}{{}}}
	l := New(d, r, testTopology(), nil, discardLogger())

	if err := l.Tick(context.Background()); err != nil {
		t.Fatalf("Tick() error = %v", err)
	}
	if len(d.calls) != 0 {
		t.Fatalf("calls = %v, want none", d.calls)
	}
}
