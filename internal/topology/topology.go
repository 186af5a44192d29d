// Package topology implements the Topology Builder: given the resolved
// configuration, it constructs the two HTB trees (ingress on the IFB
// device, egress on the real device), installs the ingress qdisc and
// mirror-redirect filter, creates per-group leaves, and installs the
// lowest-priority catch-all on each side. It is the component spec.md's
// distillation enriches the most over the original: traffictoll's
// tc_setup only ever shapes a single download direction with no
// priority system at all.
package topology

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/NodePath81/groupshaper/internal/config"
	"github.com/NodePath81/groupshaper/internal/tc"
	"github.com/NodePath81/groupshaper/internal/teardown"
)

// Documented fixed floors and defaults, per spec.md §4.4.
const (
	defaultGlobalDownloadMinimum = "100kbps"
	defaultGlobalUploadMinimum   = "10kbps"
	defaultGroupDownloadMinimum  = "10kbps"
	defaultGroupUploadMinimum    = "1kbps"
)

func maxRateToken() string { return fmt.Sprintf("%dbit", tc.MaxRate) }

// GroupLeaves records the leaf class id created for a group on each
// side, if any; a nil pointer means that side has no leaf because the
// group set neither a rate nor a priority for that direction.
type GroupLeaves struct {
	Ingress *int
	Egress  *int
}

// Topology is everything the Reconciliation Loop needs after startup:
// where to install per-port filters, and which leaf class each group's
// traffic should land in.
type Topology struct {
	Device    string
	IFBDevice string
	Ingress   tc.QDiscHandle
	Egress    tc.QDiscHandle
	Groups    map[string]GroupLeaves
}

// driver is the subset of *tc.Driver the builder depends on.
type driver interface {
	ListQdiscIDs(ctx context.Context, device string) (map[int]struct{}, error)
	ListClassIDs(ctx context.Context, device string, qdiscID int) (map[int]struct{}, error)
	AddHTBQdisc(ctx context.Context, device string, qdiscID int) error
	AddRootClass(ctx context.Context, device string, qdiscID, classID int, rate string) error
	AddHTBLeaf(ctx context.Context, qh tc.QDiscHandle, ceilRate, floorRate string, priority int) (int, error)
	InstallDefaultCatchall(ctx context.Context, qh tc.QDiscHandle, leafClassID int) error
	AttachIngressQdisc(ctx context.Context, device string) error
	InstallMirrorRedirect(ctx context.Context, device, targetDevice string) error
	RemoveQdisc(ctx context.Context, device, parent string) error
}

// ifbAcquirer is the subset of *ifb.Manager the builder depends on.
type ifbAcquirer interface {
	Acquire(ctx context.Context, coordinator *teardown.Coordinator) (string, error)
}

// Build runs the full sequence in spec.md §4.4 and returns the
// resulting Topology. Every kernel resource it creates has a matching
// teardown action registered on coordinator before Build returns.
func Build(ctx context.Context, device string, cfg config.Config, d driver, ifbMgr ifbAcquirer, coordinator *teardown.Coordinator, logger *slog.Logger) (*Topology, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if err := d.AttachIngressQdisc(ctx, device); err != nil {
		return nil, fmt.Errorf("attaching ingress qdisc to %s: %w", device, err)
	}
	coordinator.Register(func() error {
		return d.RemoveQdisc(context.Background(), device, tc.IngressParent)
	})

	ifbDevice, err := ifbMgr.Acquire(ctx, coordinator)
	if err != nil {
		return nil, fmt.Errorf("acquiring ifb device: %w", err)
	}

	if err := d.InstallMirrorRedirect(ctx, device, ifbDevice); err != nil {
		return nil, fmt.Errorf("installing mirror redirect from %s to %s: %w", device, ifbDevice, err)
	}

	rawDefaultPriority, downloadPriority, uploadPriority := defaultPriorities(cfg)
	downloadRate := orDefault(cfg.DownloadRate, maxRateToken())
	uploadRate := orDefault(cfg.UploadRate, maxRateToken())
	downloadMinimum := orDefault(cfg.DownloadMinimum, defaultGlobalDownloadMinimum)
	uploadMinimum := orDefault(cfg.UploadMinimum, defaultGlobalUploadMinimum)

	if cfg.DownloadRate == "" {
		logger.Warn("no global download rate configured; prioritization on ingress will be ineffective")
	}
	if cfg.UploadRate == "" {
		logger.Warn("no global upload rate configured; prioritization on egress will be ineffective")
	}

	ingress, _, err := buildSide(ctx, d, coordinator, ifbDevice, downloadRate, downloadMinimum, downloadPriority)
	if err != nil {
		return nil, fmt.Errorf("building ingress topology on %s: %w", ifbDevice, err)
	}
	egress, _, err := buildSide(ctx, d, coordinator, device, uploadRate, uploadMinimum, uploadPriority)
	if err != nil {
		return nil, fmt.Errorf("building egress topology on %s: %w", device, err)
	}

	groups := make(map[string]GroupLeaves, len(cfg.Groups))
	for _, g := range cfg.Groups {
		var leaves GroupLeaves

		if g.DownloadRate != "" || g.DownloadPriority != nil {
			ceil := orDefault(g.DownloadRate, downloadRate)
			floor := orDefault(g.DownloadMinimum, defaultGroupDownloadMinimum)
			prio := orDefaultInt(g.DownloadPriority, rawDefaultPriority)
			classID, err := d.AddHTBLeaf(ctx, ingress, ceil, floor, prio)
			if err != nil {
				return nil, fmt.Errorf("creating ingress leaf for group %q: %w", g.Name, err)
			}
			leaves.Ingress = &classID
		}

		if g.UploadRate != "" || g.UploadPriority != nil {
			ceil := orDefault(g.UploadRate, uploadRate)
			floor := orDefault(g.UploadMinimum, defaultGroupUploadMinimum)
			prio := orDefaultInt(g.UploadPriority, rawDefaultPriority)
			classID, err := d.AddHTBLeaf(ctx, egress, ceil, floor, prio)
			if err != nil {
				return nil, fmt.Errorf("creating egress leaf for group %q: %w", g.Name, err)
			}
			leaves.Egress = &classID
		}

		groups[g.Name] = leaves
	}

	return &Topology{
		Device:    device,
		IFBDevice: ifbDevice,
		Ingress:   ingress,
		Egress:    egress,
		Groups:    groups,
	}, nil
}

// buildSide adds a root HTB qdisc and root class to device, creates its
// default leaf, and installs the catch-all filter pointing at it.
func buildSide(ctx context.Context, d driver, coordinator *teardown.Coordinator, device, rate, minimum string, priority int) (tc.QDiscHandle, int, error) {
	existingQdiscs, err := d.ListQdiscIDs(ctx, device)
	if err != nil {
		return tc.QDiscHandle{}, 0, err
	}
	qdiscID := tc.FreeID(existingQdiscs)
	if err := d.AddHTBQdisc(ctx, device, qdiscID); err != nil {
		return tc.QDiscHandle{}, 0, err
	}
	coordinator.Register(func() error {
		return d.RemoveQdisc(context.Background(), device, "root")
	})

	existingClasses, err := d.ListClassIDs(ctx, device, qdiscID)
	if err != nil {
		return tc.QDiscHandle{}, 0, err
	}
	rootClassID := tc.FreeID(existingClasses)
	if err := d.AddRootClass(ctx, device, qdiscID, rootClassID, rate); err != nil {
		return tc.QDiscHandle{}, 0, err
	}

	qh := tc.QDiscHandle{Device: device, QdiscID: qdiscID, RootClassID: rootClassID}
	leafClassID, err := d.AddHTBLeaf(ctx, qh, rate, minimum, priority)
	if err != nil {
		return tc.QDiscHandle{}, 0, err
	}
	if err := d.InstallDefaultCatchall(ctx, qh, leafClassID); err != nil {
		return tc.QDiscHandle{}, 0, err
	}
	return qh, leafClassID, nil
}

// defaultPriorities computes the default-priority rule: the highest
// priority named by any group across either direction, plus one: an
// all-absent configuration yields 0. Explicit top-level priorities
// override the computed default for the two global leaves only.
func defaultPriorities(cfg config.Config) (rawDefault, download, upload int) {
	max := -1
	for _, g := range cfg.Groups {
		if g.DownloadPriority != nil && *g.DownloadPriority > max {
			max = *g.DownloadPriority
		}
		if g.UploadPriority != nil && *g.UploadPriority > max {
			max = *g.UploadPriority
		}
	}
	rawDefault = max + 1

	download = rawDefault
	if cfg.DownloadPriority != nil {
		download = *cfg.DownloadPriority
	}
	upload = rawDefault
	if cfg.UploadPriority != nil {
		upload = *cfg.UploadPriority
	}
	return rawDefault, download, upload
}

func orDefault(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}

func orDefaultInt(value *int, fallback int) int {
	if value == nil {
		return fallback
	}
	return *value
}
