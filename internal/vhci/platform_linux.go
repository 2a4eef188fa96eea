//go:build linux

package vhci

import (
	"fmt"
	"io"
	"os"
	"syscall"
)

// attachPath and detachPath are the sysfs nodes the vhci-hcd kernel
// module exposes for its default controller.
const (
	attachPath = "/sys/devices/platform/vhci_hcd.0/attach"
	detachPath = "/sys/devices/platform/vhci_hcd.0/detach"
)

// LinuxPlatform implements Platform against the real vhci-hcd sysfs
// contract and AF_UNIX socket pairs.
type LinuxPlatform struct{}

// NewDefaultPlatform returns the real vhci-hcd-backed Platform.
func NewDefaultPlatform() Platform { return LinuxPlatform{} }

// NewSocketPair creates a connected pair of stream sockets; one end's
// fd number is handed to the kernel via the sysfs attach record, the
// other is kept locally as the bridge the emulator reads/writes.
func (LinuxPlatform) NewSocketPair() (int, io.ReadWriteCloser, error) {
	fds, err := syscall.Socketpair(syscall.AF_UNIX, syscall.SOCK_STREAM, 0)
	if err != nil {
		return 0, nil, fmt.Errorf("vhci: socketpair: %w", err)
	}
	bridge := os.NewFile(uintptr(fds[0]), "vhci-bridge")
	return fds[1], bridge, nil
}

// WriteAttach writes record to the vhci-hcd attach sysfs node.
func (LinuxPlatform) WriteAttach(record string) error {
	return writeSysfs(attachPath, record)
}

// WriteDetach writes record to the vhci-hcd detach sysfs node.
func (LinuxPlatform) WriteDetach(record string) error {
	return writeSysfs(detachPath, record)
}

func writeSysfs(path, record string) error {
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return fmt.Errorf("vhci: open %s: %w", path, err)
	}
	defer f.Close()
	if _, err := f.WriteString(record + "\n"); err != nil {
		return fmt.Errorf("vhci: write %s: %w", path, err)
	}
	return nil
}
