package prep

import (
	"sort"
	"strings"
)

// Notification holds the fields of a message/rfc822 notification body.
// Optional fields render only when set.
type Notification struct {
	Method   string
	Date     string
	ETag     string
	EventID  string
	Location string
	Delta    string
}

// RFC822 renders a notification as a message/rfc822 document: header lines,
// a blank line, then the delta body. The delta is included only when the
// method is a write verb (PUT, PATCH, POST).
func RFC822(n Notification) string {
	var b strings.Builder
	b.WriteString("Method: ")
	b.WriteString(n.Method)
	b.WriteString("\r\nDate: ")
	b.WriteString(n.Date)
	b.WriteString("\r\n")
	if n.EventID != "" {
		b.WriteString("Event-ID: ")
		b.WriteString(n.EventID)
		b.WriteString("\r\n")
	}
	if n.ETag != "" {
		b.WriteString("ETag: ")
		b.WriteString(n.ETag)
		b.WriteString("\r\n")
	}
	if n.Location != "" {
		b.WriteString("Location: ")
		b.WriteString(n.Location)
		b.WriteString("\r\n")
	}
	b.WriteString("\r\n")
	if n.Delta != "" && strings.HasPrefix(n.Method, "P") {
		b.WriteString(n.Delta)
	}
	return b.String()
}

// ProfileHeader renders the digest part headers for a negotiated profile:
// one `Train-Case-Name: value` line per content-* entry, except
// `content-type: message/rfc822` which is implicit for the digest.
func ProfileHeader(p Profile) string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		lk := strings.ToLower(k)
		if !strings.HasPrefix(lk, "content-") {
			continue
		}
		value := strings.ToLower(p[k].BareString())
		if lk == "content-type" && value == "message/rfc822" {
			continue
		}
		b.WriteString(trainCase(lk))
		b.WriteString(": ")
		b.WriteString(value)
		b.WriteString("\r\n")
	}
	return b.String()
}

// trainCase capitalizes each dash-separated segment of a lowercased header
// name ("content-type" -> "Content-Type").
func trainCase(name string) string {
	segments := strings.Split(name, "-")
	for i, seg := range segments {
		if seg == "" {
			continue
		}
		segments[i] = strings.ToUpper(seg[:1]) + seg[1:]
	}
	return strings.Join(segments, "-")
}
