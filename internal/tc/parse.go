package tc

import (
	"regexp"
	"strconv"
)

// qdiscLineRegex matches a `tc qdisc show` header line and captures the
// id token. The token is normally decimal; the fixed ingress qdisc
// shows up as the hex literal "ffff", so the caller tries decimal first
// and falls back to base 16 (spec'd explicitly rather than guessing a
// single base, since "ffff" alone is ambiguous under neither base).
var qdiscLineRegex = regexp.MustCompile(`^qdisc .+? ([0-9a-fA-F]+):`)

// classLineRegex matches a `tc class show` line, capturing the owning
// qdisc id and the class's own minor id, both decimal.
var classLineRegex = regexp.MustCompile(`^class .+? ([0-9a-fA-F]+):([0-9a-fA-F]+)`)

// filterHandleRegex matches a `tc filter show` line, capturing the
// opaque `maj::min` filter handle token.
var filterHandleRegex = regexp.MustCompile(`filter .*? fh ([a-zA-Z0-9]+::[a-zA-Z0-9]+)`)

// parseQdiscID converts a captured qdisc id token, trying decimal first
// and base-16 second, per the ambiguity noted above.
func parseQdiscID(token string) (int, bool) {
	if v, err := strconv.ParseInt(token, 10, 64); err == nil {
		return int(v), true
	}
	if v, err := strconv.ParseInt(token, 16, 64); err == nil {
		return int(v), true
	}
	return 0, false
}

func parseDecimal(token string) (int, bool) {
	v, err := strconv.ParseInt(token, 10, 64)
	if err != nil {
		return 0, false
	}
	return int(v), true
}

// parseQdiscIDs walks output line by line. A line that fails to parse
// is a warning, not a fatal error: the caller still gets a best-effort
// set built from everything that did parse.
func parseQdiscIDs(output string, warn func(line string)) map[int]struct{} {
	ids := make(map[int]struct{})
	for _, line := range splitLines(output) {
		m := qdiscLineRegex.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		id, ok := parseQdiscID(m[1])
		if !ok {
			warn(line)
			continue
		}
		ids[id] = struct{}{}
	}
	return ids
}

// parseClassIDs keeps only class lines whose owning qdisc id equals
// qdiscID.
func parseClassIDs(output string, qdiscID int, warn func(line string)) map[int]struct{} {
	ids := make(map[int]struct{})
	for _, line := range splitLines(output) {
		m := classLineRegex.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		owner, ok := parseDecimal(m[1])
		if !ok {
			warn(line)
			continue
		}
		if owner != qdiscID {
			continue
		}
		classID, ok := parseDecimal(m[2])
		if !ok {
			warn(line)
			continue
		}
		ids[classID] = struct{}{}
	}
	return ids
}

// parseFilterHandles extracts every `fh <handle>` token in output.
func parseFilterHandles(output string) map[FilterHandle]struct{} {
	handles := make(map[FilterHandle]struct{})
	for _, line := range splitLines(output) {
		m := filterHandleRegex.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		handles[FilterHandle(m[1])] = struct{}{}
	}
	return handles
}

func splitLines(s string) []string {
	var lines []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			lines = append(lines, s[start:i])
			start = i + 1
		}
	}
	if start < len(s) {
		lines = append(lines, s[start:])
	}
	return lines
}

// FreeID returns the smallest positive integer not present in used.
func FreeID(used map[int]struct{}) int {
	current := 1
	for {
		if _, ok := used[current]; !ok {
			return current
		}
		current++
	}
}
