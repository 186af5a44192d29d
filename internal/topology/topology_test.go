package topology

import (
	"context"
	"testing"

	"github.com/NodePath81/groupshaper/internal/config"
	"github.com/NodePath81/groupshaper/internal/tc"
	"github.com/NodePath81/groupshaper/internal/teardown"
)

// fakeDriver simulates just enough kernel state to exercise id
// allocation and call sequencing without a real tc binary.
type fakeDriver struct {
	qdiscsByDevice map[string]map[int]struct{}
	classesByQdisc map[string]map[int]struct{} // key: "device/qdiscID"
	calls          []string
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{
		qdiscsByDevice: make(map[string]map[int]struct{}),
		classesByQdisc: make(map[string]map[int]struct{}),
	}
}

func classKey(device string, qdiscID int) string {
	return device + "/" + itoa(qdiscID)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var b []byte
	for n > 0 {
		b = append([]byte{byte('0' + n%10)}, b...)
		n /= 10
	}
	if neg {
		b = append([]byte{'-'}, b...)
	}
	return string(b)
}

func (f *fakeDriver) ListQdiscIDs(_ context.Context, device string) (map[int]struct{}, error) {
	if f.qdiscsByDevice[device] == nil {
		f.qdiscsByDevice[device] = make(map[int]struct{})
	}
	return f.qdiscsByDevice[device], nil
}

func (f *fakeDriver) ListClassIDs(_ context.Context, device string, qdiscID int) (map[int]struct{}, error) {
	key := classKey(device, qdiscID)
	if f.classesByQdisc[key] == nil {
		f.classesByQdisc[key] = make(map[int]struct{})
	}
	return f.classesByQdisc[key], nil
}

func (f *fakeDriver) AddHTBQdisc(_ context.Context, device string, qdiscID int) error {
	f.calls = append(f.calls, "addqdisc:"+device)
	f.qdiscsByDevice[device][qdiscID] = struct{}{}
	return nil
}

func (f *fakeDriver) AddRootClass(_ context.Context, device string, qdiscID, classID int, rate string) error {
	f.calls = append(f.calls, "addrootclass:"+device)
	f.classesByQdisc[classKey(device, qdiscID)][classID] = struct{}{}
	return nil
}

func (f *fakeDriver) AddHTBLeaf(_ context.Context, qh tc.QDiscHandle, ceilRate, floorRate string, priority int) (int, error) {
	key := classKey(qh.Device, qh.QdiscID)
	classID := tc.FreeID(f.classesByQdisc[key])
	f.classesByQdisc[key][classID] = struct{}{}
	f.calls = append(f.calls, "addleaf:"+qh.Device)
	return classID, nil
}

func (f *fakeDriver) InstallDefaultCatchall(_ context.Context, qh tc.QDiscHandle, leafClassID int) error {
	f.calls = append(f.calls, "catchall:"+qh.Device)
	return nil
}

func (f *fakeDriver) AttachIngressQdisc(_ context.Context, device string) error {
	f.calls = append(f.calls, "attachingress:"+device)
	return nil
}

func (f *fakeDriver) InstallMirrorRedirect(_ context.Context, device, targetDevice string) error {
	f.calls = append(f.calls, "mirror:"+device+"->"+targetDevice)
	return nil
}

func (f *fakeDriver) RemoveQdisc(_ context.Context, device, parent string) error {
	f.calls = append(f.calls, "removeqdisc:"+device+":"+parent)
	return nil
}

type fakeIFB struct{ device string }

func (f fakeIFB) Acquire(_ context.Context, coordinator *teardown.Coordinator) (string, error) {
	coordinator.Register(func() error { return nil })
	return f.device, nil
}

func TestBuildEmptyConfigInstallsCatchallsOnBothSides(t *testing.T) {
	d := newFakeDriver()
	coord := teardown.New(nil)
	topo, err := Build(context.Background(), "eth0", config.Config{}, d, fakeIFB{device: "ifb0"}, coord, nil)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if topo.Device != "eth0" || topo.IFBDevice != "ifb0" {
		t.Fatalf("topo = %+v, unexpected device names", topo)
	}
	var catchalls int
	for _, c := range d.calls {
		if c == "catchall:ifb0" || c == "catchall:eth0" {
			catchalls++
		}
	}
	if catchalls != 2 {
		t.Fatalf("calls = %v, want exactly one catch-all per side", d.calls)
	}
}

func TestBuildRegistersTeardownForEveryQdisc(t *testing.T) {
	d := newFakeDriver()
	coord := teardown.New(nil)
	if _, err := Build(context.Background(), "eth0", config.Config{}, d, fakeIFB{device: "ifb0"}, coord, nil); err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	// ingress qdisc on device + root qdisc on ifb + root qdisc on device + ifb acquire's own action
	if coord.Len() != 4 {
		t.Fatalf("coordinator Len() = %d, want 4", coord.Len())
	}
}

func TestDefaultPriorityRuleWithGroups(t *testing.T) {
	p2, p5, p3 := 2, 5, 3
	cfg := config.Config{
		Groups: []config.GroupSpec{
			{Name: "a", DownloadPriority: &p2},
			{Name: "b", DownloadPriority: &p5},
			{Name: "c", UploadPriority: &p3},
		},
	}
	raw, download, upload := defaultPriorities(cfg)
	if raw != 6 {
		t.Fatalf("defaultPriorities raw = %d, want 6", raw)
	}
	if download != 6 || upload != 6 {
		t.Fatalf("download/upload = %d/%d, want 6/6 (no top-level override)", download, upload)
	}
}

func TestDefaultPriorityRuleNoneSpecified(t *testing.T) {
	raw, download, upload := defaultPriorities(config.Config{})
	if raw != 0 || download != 0 || upload != 0 {
		t.Fatalf("defaultPriorities = %d/%d/%d, want 0/0/0", raw, download, upload)
	}
}

func TestDefaultPriorityTopLevelOverridesGlobalLeavesOnly(t *testing.T) {
	p2 := 2
	override := 9
	cfg := config.Config{
		DownloadPriority: &override,
		Groups:           []config.GroupSpec{{Name: "a", DownloadPriority: &p2}},
	}
	raw, download, _ := defaultPriorities(cfg)
	if raw != 3 {
		t.Fatalf("raw default = %d, want 3 (max(2,-1)+1)", raw)
	}
	if download != 9 {
		t.Fatalf("download = %d, want 9 (top-level override)", download)
	}
}

func TestBuildCreatesLeafOnlyWhenGroupSetsRateOrPriority(t *testing.T) {
	d := newFakeDriver()
	coord := teardown.New(nil)
	cfg := config.Config{
		Groups: []config.GroupSpec{
			{Name: "http", DownloadRate: "2mbps"},
			{Name: "bystander"},
		},
	}
	topo, err := Build(context.Background(), "eth0", cfg, d, fakeIFB{device: "ifb0"}, coord, nil)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	http := topo.Groups["http"]
	if http.Ingress == nil {
		t.Fatalf("http group has no ingress leaf, want one (download rate was set)")
	}
	if http.Egress != nil {
		t.Fatalf("http group has an egress leaf, want none (no upload rate/priority set)")
	}
	bystander := topo.Groups["bystander"]
	if bystander.Ingress != nil || bystander.Egress != nil {
		t.Fatalf("bystander group has leaves %+v, want none", bystander)
	}
}
