// Package policy implements §4.9: endpoint approval, VID:PID / product
// string filters governing which devices are shareable and to whom,
// friendly-name resolution, and client-side auto-attach rules.
package policy

import "strconv"

// HWIDPattern matches USB devices by vendor/product id, adapted from
// the reverse proxy's printer-quirk matching to the same VVVV:DDDD
// syntax used for usb.filters and client.servers[*].auto_attach.
type HWIDPattern struct {
	vid, pid uint16
	anypid   bool
}

// ParseHWIDPattern parses "VVVV:DDDD" or "VVVV:*"; returns nil if
// pattern does not match that syntax.
func ParseHWIDPattern(pattern string) *HWIDPattern {
	if len(pattern) != 6 && len(pattern) != 9 {
		return nil
	}
	if pattern[4] != ':' {
		return nil
	}

	strVID := pattern[:4]
	strPID := pattern[5:]

	vid, err := strconv.ParseUint(strVID, 16, 16)
	if err != nil {
		return nil
	}

	var pid uint64
	var anypid bool
	if strPID == "*" {
		anypid = true
	} else {
		pid, err = strconv.ParseUint(strPID, 16, 16)
		if err != nil {
			return nil
		}
	}

	return &HWIDPattern{vid: uint16(vid), pid: uint16(pid), anypid: anypid}
}

// Match reports the matching weight of vid/pid against the pattern: -1
// for no match, 1 for a VID-only wildcard match, 1000 for an exact
// VID+PID match. Weight lets a caller prefer the more specific of
// several matching filters.
func (p *HWIDPattern) Match(vid, pid uint16) int {
	ok := vid == p.vid && (p.anypid || pid == p.pid)

	switch {
	case !ok:
		return -1
	case p.anypid:
		return 1
	default:
		return 1000
	}
}
