package spop

import "strings"

// Capability is a recognized SPOP capability token. Fragmentation and
// async are deprecated in SPOP and silently ignored on receipt, so the
// only capability this library acts on is Pipelining.
type Capability int

const (
	CapPipelining Capability = iota
)

func (c Capability) String() string {
	if c == CapPipelining {
		return "pipelining"
	}
	return "unknown"
}

// ParseCapabilities parses a comma-separated capabilities token list
// per distilled spec §6.1: whitespace around tokens is ignored, and
// unknown tokens are silently dropped (Open Question in distilled spec
// §9 — HAProxy's own documentation calls for this, so no error is ever
// returned here). unknown collects the dropped tokens for the caller
// to log at a low level.
func ParseCapabilities(s string) (caps []Capability, unknown []string) {
	for _, tok := range strings.Split(s, ",") {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		switch tok {
		case "pipelining":
			caps = append(caps, CapPipelining)
		default:
			unknown = append(unknown, tok)
		}
	}
	return caps, unknown
}

// FormatCapabilities renders a capability set back to its wire form.
func FormatCapabilities(caps []Capability) string {
	toks := make([]string, len(caps))
	for i, c := range caps {
		toks[i] = c.String()
	}
	return strings.Join(toks, ",")
}

// HasCapability reports whether caps contains c.
func HasCapability(caps []Capability, c Capability) bool {
	for _, got := range caps {
		if got == c {
			return true
		}
	}
	return false
}

// IntersectCapabilities returns the capabilities present in both a and
// b, used during HELLO negotiation.
func IntersectCapabilities(a, b []Capability) []Capability {
	var out []Capability
	for _, c := range a {
		if HasCapability(b, c) {
			out = append(out, c)
		}
	}
	return out
}
