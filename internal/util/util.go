package util

import "strconv"

// FormatPort renders a local port number for inclusion in a tc match
// expression or a log line.
func FormatPort(port int) string {
	return strconv.Itoa(port)
}
