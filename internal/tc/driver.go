package tc

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/NodePath81/groupshaper/internal/runner"
	"github.com/NodePath81/groupshaper/internal/shaperr"
)

// commandRunner is the subset of *runner.Runner the driver depends on.
// Defined as an interface so tests can record invocations against a
// fake instead of shelling out to a real tc binary.
type commandRunner interface {
	Run(ctx context.Context, commandLine string, captureStdout bool) (runner.Result, error)
}

// Driver is the typed façade over tc/ip. It holds no kernel state of its
// own; every operation re-derives what it needs from the kernel's
// current textual output, which is what makes it safe to call from a
// single-threaded reconciliation loop without any internal locking.
type Driver struct {
	run    commandRunner
	logger *slog.Logger
}

// New constructs a Driver that executes through run and logs parse
// warnings and ambiguous-handle hazards through logger.
func New(run commandRunner, logger *slog.Logger) *Driver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Driver{run: run, logger: logger}
}

func (d *Driver) warnLine(line string) {
	d.logger.Warn("could not parse tc output line", "line", line)
}

// ListQdiscIDs returns the set of qdisc ids currently attached to
// device.
func (d *Driver) ListQdiscIDs(ctx context.Context, device string) (map[int]struct{}, error) {
	res, err := d.run.Run(ctx, fmt.Sprintf("tc qdisc show dev %s", device), true)
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return nil, &shaperr.KernelOpFailure{Command: "tc qdisc show", ExitCode: res.ExitCode, Output: res.Stderr}
	}
	return parseQdiscIDs(res.Stdout, d.warnLine), nil
}

// ListClassIDs returns the set of class ids that belong to qdiscID on
// device, the root class and nested leaves alike.
func (d *Driver) ListClassIDs(ctx context.Context, device string, qdiscID int) (map[int]struct{}, error) {
	res, err := d.run.Run(ctx, fmt.Sprintf("tc class show dev %s", device), true)
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return nil, &shaperr.KernelOpFailure{Command: "tc class show", ExitCode: res.ExitCode, Output: res.Stderr}
	}
	return parseClassIDs(res.Stdout, qdiscID, d.warnLine), nil
}

// ListFilterHandles returns every filter handle currently installed on
// device, across all its qdiscs.
func (d *Driver) ListFilterHandles(ctx context.Context, device string) (map[FilterHandle]struct{}, error) {
	res, err := d.run.Run(ctx, fmt.Sprintf("tc filter show dev %s", device), true)
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return nil, &shaperr.KernelOpFailure{Command: "tc filter show", ExitCode: res.ExitCode, Output: res.Stderr}
	}
	return parseFilterHandles(res.Stdout), nil
}

// AttachIngressQdisc installs the fixed-handle ingress qdisc on device.
func (d *Driver) AttachIngressQdisc(ctx context.Context, device string) error {
	cmd := fmt.Sprintf("tc qdisc add dev %s handle ffff: ingress", device)
	return d.runRequired(ctx, cmd)
}

// InstallMirrorRedirect attaches a matching-any u32 filter on device's
// ingress qdisc that redirects every packet to targetDevice's egress.
func (d *Driver) InstallMirrorRedirect(ctx context.Context, device, targetDevice string) error {
	cmd := fmt.Sprintf(
		"tc filter add dev %s parent ffff: protocol ip u32 match u32 0 0 action mirred egress redirect dev %s",
		device, targetDevice)
	return d.runRequired(ctx, cmd)
}

// AddHTBQdisc adds a root HTB qdisc to device under the given id.
func (d *Driver) AddHTBQdisc(ctx context.Context, device string, qdiscID int) error {
	cmd := fmt.Sprintf("tc qdisc add dev %s root handle %d: htb", device, qdiscID)
	return d.runRequired(ctx, cmd)
}

// AddRootClass creates qdiscID's root class with the given rate. The
// root class never has a ceiling of its own; leaves borrow up to it.
func (d *Driver) AddRootClass(ctx context.Context, device string, qdiscID, classID int, rate string) error {
	cmd := fmt.Sprintf("tc class add dev %s parent %d: classid %d:%d htb rate %s",
		device, qdiscID, qdiscID, classID, rate)
	return d.runRequired(ctx, cmd)
}

// AddHTBLeaf allocates a fresh class id under qh's root class and
// creates it with rate=floorRate, ceil=ceilRate, prio=priority. Leaves
// may only borrow from the parent, never lend.
func (d *Driver) AddHTBLeaf(ctx context.Context, qh QDiscHandle, ceilRate, floorRate string, priority int) (int, error) {
	existing, err := d.ListClassIDs(ctx, qh.Device, qh.QdiscID)
	if err != nil {
		return 0, err
	}
	classID := FreeID(existing)

	cmd := fmt.Sprintf("tc class add dev %s parent %s classid %s htb rate %s ceil %s prio %d",
		qh.Device, qh.rootClassID(), qh.classID(classID), floorRate, ceilRate, priority)
	if err := d.runRequired(ctx, cmd); err != nil {
		return 0, err
	}
	return classID, nil
}

// AddU32Filter installs a port-matching u32 filter and recovers the
// handle the kernel assigned it by diffing the filter handle set before
// and after insertion. A multi-element diff is a documented hazard
// (concurrent mutation outside this controller): it is logged as a
// warning and any one of the new elements is returned, which remains a
// correct handle for later removal even if it isn't provably *the*
// handle for this exact insertion.
func (d *Driver) AddU32Filter(ctx context.Context, qh QDiscHandle, matchExpression string, classID int) (FilterHandle, error) {
	before, err := d.ListFilterHandles(ctx, qh.Device)
	if err != nil {
		return "", err
	}

	cmd := fmt.Sprintf("tc filter add dev %s protocol ip parent %s prio 1 u32 %s flowid %s",
		qh.Device, qh.qdisc(), matchExpression, qh.classID(classID))
	if err := d.runRequired(ctx, cmd); err != nil {
		return "", err
	}

	after, err := d.ListFilterHandles(ctx, qh.Device)
	if err != nil {
		return "", err
	}

	var fresh []FilterHandle
	for h := range after {
		if _, existed := before[h]; !existed {
			fresh = append(fresh, h)
		}
	}
	if len(fresh) == 0 {
		return "", &shaperr.DependencyOutputError{
			Command: cmd,
			Output:  "",
			Reason:  "no new filter handle observed after insertion",
		}
	}
	if len(fresh) > 1 {
		d.logger.Warn("parsed ambiguous filter handle", "candidates", fresh)
	}
	return fresh[0], nil
}

// InstallDefaultCatchall attaches the priority-2 match-all filter that
// absorbs traffic no group claimed.
func (d *Driver) InstallDefaultCatchall(ctx context.Context, qh QDiscHandle, leafClassID int) error {
	cmd := fmt.Sprintf("tc filter add dev %s parent %s prio 2 protocol ip u32 match u32 0 0 flowid %s",
		qh.Device, qh.qdisc(), qh.classID(leafClassID))
	return d.runRequired(ctx, cmd)
}

// RemoveU32Filter deletes a single port filter. Tolerant of the handle
// already being gone, since teardown must be idempotent.
func (d *Driver) RemoveU32Filter(ctx context.Context, qh QDiscHandle, handle FilterHandle) error {
	cmd := fmt.Sprintf("tc filter del dev %s parent %s handle %s prio 1 protocol ip u32",
		qh.Device, qh.qdisc(), handle)
	return d.runTolerant(ctx, cmd)
}

// RemoveQdisc removes device's qdisc attached at parent ("root" or
// tc.IngressParent). Tolerant of the qdisc already being gone.
func (d *Driver) RemoveQdisc(ctx context.Context, device, parent string) error {
	cmd := fmt.Sprintf("tc qdisc del dev %s parent %s", device, parent)
	return d.runTolerant(ctx, cmd)
}

func (d *Driver) runRequired(ctx context.Context, cmd string) error {
	res, err := d.run.Run(ctx, cmd, true)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return &shaperr.KernelOpFailure{Command: cmd, ExitCode: res.ExitCode, Output: res.Stderr}
	}
	return nil
}

// runTolerant runs a removal command and swallows a nonzero exit: the
// teardown coordinator depends on every release action being safe to
// run against a resource that is already gone.
func (d *Driver) runTolerant(ctx context.Context, cmd string) error {
	res, err := d.run.Run(ctx, cmd, true)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		d.logger.Debug("teardown command reported nonzero exit, treating as already released",
			"command", cmd, "exit_code", res.ExitCode, "stderr", res.Stderr)
	}
	return nil
}
