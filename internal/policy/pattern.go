package policy

import "github.com/usbshare/usbshare/internal/wire"

// Pattern is one entry of usb.filters or client.servers[*].auto_attach
// (§6): either a VID:PID-style HWIDPattern, or else a glob matched
// against the device's product string.
type Pattern struct {
	raw  string
	hwid *HWIDPattern
}

// ParsePattern builds a Pattern from its configured string form.
func ParsePattern(s string) Pattern {
	return Pattern{raw: s, hwid: ParseHWIDPattern(s)}
}

// Match reports the matching weight of info against p, using the same
// convention as HWIDPattern.Match: -1 for no match, increasing weight
// for more specific matches.
func (p Pattern) Match(info wire.DeviceInfo) int {
	if p.hwid != nil {
		return p.hwid.Match(info.VendorId, info.ProductId)
	}
	return GlobMatch(info.Product, p.raw)
}

// String returns the pattern's original configured form.
func (p Pattern) String() string { return p.raw }

// PatternSet is an ordered list of Pattern, empty meaning "match
// everything" per the usb.filters convention ("empty = all").
type PatternSet []Pattern

// ParsePatternSet parses each string in ss as a Pattern.
func ParsePatternSet(ss []string) PatternSet {
	set := make(PatternSet, len(ss))
	for i, s := range ss {
		set[i] = ParsePattern(s)
	}
	return set
}

// Matches reports whether info matches any pattern in the set, or
// whether the set is empty (matches everything).
func (set PatternSet) Matches(info wire.DeviceInfo) bool {
	if len(set) == 0 {
		return true
	}
	for _, p := range set {
		if p.Match(info) >= 0 {
			return true
		}
	}
	return false
}

// BestMatch returns the highest-weight matching pattern's index and
// weight, or (-1, -1) if none match. Used to pick the most specific of
// several overlapping auto-attach rules.
func (set PatternSet) BestMatch(info wire.DeviceInfo) (index, weight int) {
	index, weight = -1, -1
	for i, p := range set {
		if w := p.Match(info); w > weight {
			index, weight = i, w
		}
	}
	return index, weight
}
