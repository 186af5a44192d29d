package tc

import (
	"context"
	"strings"
	"testing"

	"github.com/NodePath81/groupshaper/internal/runner"
)

// fakeKernel is a minimal in-memory stand-in for tc's view of one
// device's filter table, enough to exercise the before/after diff
// AddU32Filter performs without shelling out to a real tc binary.
type fakeKernel struct {
	calls       []string
	nextHandle  int
	filterTable map[string]struct{} // "dev::handle"
	device      string
}

func newFakeKernel(device string) *fakeKernel {
	return &fakeKernel{filterTable: make(map[string]struct{}), device: device, nextHandle: 0x800}
}

func (f *fakeKernel) Run(_ context.Context, commandLine string, _ bool) (runner.Result, error) {
	f.calls = append(f.calls, commandLine)

	switch {
	case strings.HasPrefix(commandLine, "tc filter show"):
		var b strings.Builder
		for handle := range f.filterTable {
			b.WriteString("filter parent 1: protocol ip pref 1 u32 fh ")
			b.WriteString(handle)
			b.WriteString(" order 2048 key ht 800 bkt 0 flowid 1:2\n")
		}
		return runner.Result{Stdout: b.String()}, nil
	case strings.HasPrefix(commandLine, "tc filter add"):
		f.nextHandle++
		handle := "800::" + itoaHex(f.nextHandle)
		f.filterTable[handle] = struct{}{}
		return runner.Result{}, nil
	case strings.HasPrefix(commandLine, "tc filter del"):
		return runner.Result{}, nil
	case strings.HasPrefix(commandLine, "tc class show"):
		return runner.Result{Stdout: ""}, nil
	default:
		return runner.Result{}, nil
	}
}

func itoaHex(n int) string {
	const digits = "0123456789abcdef"
	if n == 0 {
		return "0"
	}
	var b []byte
	for n > 0 {
		b = append([]byte{digits[n%16]}, b...)
		n /= 16
	}
	return string(b)
}

func TestAddU32FilterRecoversNewHandle(t *testing.T) {
	fk := newFakeKernel("eth0")
	d := New(fk, nil)
	qh := QDiscHandle{Device: "eth0", QdiscID: 1, RootClassID: 1}

	handle, err := d.AddU32Filter(context.Background(), qh, "match ip dport 80 0xffff", 2)
	if err != nil {
		t.Fatalf("AddU32Filter() error = %v", err)
	}
	if handle == "" {
		t.Fatalf("AddU32Filter() returned empty handle")
	}
	if _, ok := fk.filterTable[string(handle)]; !ok {
		t.Fatalf("returned handle %q not present in kernel's own table", handle)
	}
}

func TestAddU32FilterIssuesAddThenShowTwice(t *testing.T) {
	fk := newFakeKernel("eth0")
	d := New(fk, nil)
	qh := QDiscHandle{Device: "eth0", QdiscID: 1, RootClassID: 1}

	if _, err := d.AddU32Filter(context.Background(), qh, "match ip dport 80 0xffff", 2); err != nil {
		t.Fatalf("AddU32Filter() error = %v", err)
	}

	var shows, adds int
	for _, c := range fk.calls {
		if strings.HasPrefix(c, "tc filter show") {
			shows++
		}
		if strings.HasPrefix(c, "tc filter add") {
			adds++
		}
	}
	if shows != 2 {
		t.Fatalf("filter show calls = %d, want 2 (before/after diff)", shows)
	}
	if adds != 1 {
		t.Fatalf("filter add calls = %d, want 1", adds)
	}
}

func TestAddU32FilterCommandShape(t *testing.T) {
	fk := newFakeKernel("eth0")
	d := New(fk, nil)
	qh := QDiscHandle{Device: "eth0", QdiscID: 7, RootClassID: 1}

	if _, err := d.AddU32Filter(context.Background(), qh, "match ip sport 443 0xffff", 9); err != nil {
		t.Fatalf("AddU32Filter() error = %v", err)
	}

	want := "tc filter add dev eth0 protocol ip parent 7: prio 1 u32 match ip sport 443 0xffff flowid 7:9"
	found := false
	for _, c := range fk.calls {
		if c == want {
			found = true
		}
	}
	if !found {
		t.Fatalf("calls = %v, want one matching %q", fk.calls, want)
	}
}

func TestRemoveU32FilterToleratesNonzeroExit(t *testing.T) {
	d := New(tolerantStub{}, nil)
	qh := QDiscHandle{Device: "eth0", QdiscID: 1, RootClassID: 1}
	if err := d.RemoveU32Filter(context.Background(), qh, FilterHandle("800::1")); err != nil {
		t.Fatalf("RemoveU32Filter() error = %v, want nil (teardown must tolerate missing resource)", err)
	}
}

// tolerantStub always reports a nonzero exit with no error, simulating
// `tc` complaining that a resource is already gone.
type tolerantStub struct{}

func (tolerantStub) Run(context.Context, string, bool) (runner.Result, error) {
	return runner.Result{ExitCode: 2, Stderr: "RTNETLINK answers: No such file or directory"}, nil
}

func TestIngressAttachCommandForm(t *testing.T) {
	fk := newFakeKernel("eth0")
	d := New(fk, nil)
	if err := d.AttachIngressQdisc(context.Background(), "eth0"); err != nil {
		t.Fatalf("AttachIngressQdisc() error = %v", err)
	}
	want := "tc qdisc add dev eth0 handle ffff: ingress"
	if fk.calls[0] != want {
		t.Fatalf("calls[0] = %q, want %q", fk.calls[0], want)
	}
}
