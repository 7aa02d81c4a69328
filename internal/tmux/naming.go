package tmux

import (
	"fmt"
	"regexp"
	"strings"
)

// Slot is one of the fixed terminal pane roles a login can hold at once.
type Slot string

const (
	SlotMain   Slot = "main"
	SlotTop    Slot = "top"
	SlotBottom Slot = "bottom"
)

// Slots lists every slot in display order.
var Slots = []Slot{SlotMain, SlotTop, SlotBottom}

func (s Slot) Valid() bool {
	switch s {
	case SlotMain, SlotTop, SlotBottom:
		return true
	}
	return false
}

// Scope selects the remote sessions that belong to a user.
//
// With an empty Tag the scope is the shared per-user namespace
// (prefix-user-slot). A non-empty Tag narrows it to one login
// (prefix-user+tag-slot). AnyTag widens a scope to every session of the
// user, tagged or not, and is only meaningful for listing and destroying.
type Scope struct {
	Username string
	Tag      string
	AnyTag   bool
}

// escape keeps [A-Za-z0-9_-] and percent-encodes every other byte, so
// distinct inputs always produce distinct outputs and the result never
// contains shell or regex metacharacters other than '-'.
func escape(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '_', c == '-':
			b.WriteByte(c)
		default:
			fmt.Fprintf(&b, "%%%02X", c)
		}
	}
	return b.String()
}

// userPart is the scope component placed between prefix and slot.
func (sc Scope) userPart() string {
	if sc.Tag == "" {
		return escape(sc.Username)
	}
	return escape(sc.Username) + "+" + escape(sc.Tag)
}

// SessionName returns the remote session name for scope and slot.
// The result is a pure function of (prefix, username, tag, slot).
func (m *Multiplexer) SessionName(sc Scope, slot Slot) string {
	return m.prefix + "-" + sc.userPart() + "-" + string(slot)
}

// scopePattern returns an anchored extended regular expression matching
// exactly the session names of the scope. It is valid both for grep -E
// and for Go's regexp package, and contains no single quotes.
func (m *Multiplexer) scopePattern(sc Scope) string {
	slots := make([]string, len(Slots))
	for i, s := range Slots {
		slots[i] = string(s)
	}
	user := escape(sc.Username)
	var tag string
	switch {
	case sc.AnyTag:
		tag = `(\+[A-Za-z0-9_%-]+)?`
	case sc.Tag != "":
		tag = `\+` + escape(sc.Tag)
	}
	return "^" + m.prefix + "-" + user + tag + "-(" + strings.Join(slots, "|") + ")$"
}

func (m *Multiplexer) scopeRegexp(sc Scope) *regexp.Regexp {
	return regexp.MustCompile(m.scopePattern(sc))
}
