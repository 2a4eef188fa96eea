package usbworker

import (
	"fmt"
	"sort"
)

// Addr identifies a physical USB device by its bus/address pair, as
// reported by the host controller. It is not stable across replug —
// DeviceId (package wire) is what callers outside this package use.
type Addr struct {
	Bus     int
	Address int
}

func (a Addr) String() string {
	return fmt.Sprintf("Bus %.3d Device %.3d", a.Bus, a.Address)
}

func (a Addr) less(b Addr) bool {
	return a.Bus < b.Bus || (a.Bus == b.Bus && a.Address < b.Address)
}

// AddrList is a bus/address inventory, always kept sorted so Diff can
// run without allocating a lookup set. Build a fresh one on every poll
// tick and Diff it against the previous tick's list — this is how
// hot-plug is detected against a library (gousb) that exposes no
// native hotplug callback.
type AddrList []Addr

func (l *AddrList) add(a Addr) {
	i := sort.Search(len(*l), func(n int) bool { return !(*l)[n].less(a) })

	if i < len(*l) && (*l)[i] == a {
		return
	}
	if i == len(*l) {
		*l = append(*l, a)
		return
	}

	*l = append(*l, Addr{})
	copy((*l)[i+1:], (*l)[i:])
	(*l)[i] = a
}

func (l AddrList) find(a Addr) int {
	i := sort.Search(len(l), func(n int) bool { return !l[n].less(a) })
	if i < len(l) && l[i] == a {
		return i
	}
	return -1
}

// Diff reports the addresses present in other but not in l (added)
// and present in l but not in other (removed).
func (l AddrList) Diff(other AddrList) (added, removed AddrList) {
	for _, a := range other {
		if l.find(a) < 0 {
			added.add(a)
		}
	}
	for _, a := range l {
		if other.find(a) < 0 {
			removed.add(a)
		}
	}
	return
}
