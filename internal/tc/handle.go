// Package tc is a stateless façade over the kernel traffic-control
// command surface. It never calls into a netlink socket API: every
// mutation goes through the Command Runner as a literal `tc`/`ip`
// invocation, and every read comes from parsing that command's textual
// output, the way traffictoll/tc.py does. This keeps the wire-compatible
// command forms and the required-binary failure mode (MissingDependency
// when tc/ip is absent) exactly as specified, at the cost of the
// convenience a netlink library would otherwise offer.
package tc

import "fmt"

// MaxRate is the ceiling tc stores a rate as: a 32-bit unsigned integer
// of bits per second. Used as a stand-in "unlimited" ceiling when a
// global rate is left unspecified in configuration.
const MaxRate = 4294967295

// IngressParent is the fixed parent handle of the ingress qdisc tc
// always assigns it, regardless of which device it is attached to.
const IngressParent = "ffff:fff1"

// QDiscHandle identifies one side (ingress or egress) of the shaping
// topology: the device it lives on, the numeric id of its root HTB
// qdisc, and the class id of that qdisc's root class.
type QDiscHandle struct {
	Device      string
	QdiscID     int
	RootClassID int
}

func (h QDiscHandle) qdisc() string { return fmt.Sprintf("%d:", h.QdiscID) }

func (h QDiscHandle) rootClassID() string {
	return fmt.Sprintf("%d:%d", h.QdiscID, h.RootClassID)
}

func (h QDiscHandle) classID(id int) string {
	return fmt.Sprintf("%d:%d", h.QdiscID, id)
}

// FilterHandle is the opaque `<major>::<minor>` token the kernel returns
// for an installed u32 filter. It is stored verbatim: construction is
// not prescribed, only round-tripping through the kernel's own output.
type FilterHandle string
