//go:build !linux

package vhci

import (
	"errors"
	"io"
)

// ErrUnsupportedPlatform is returned by every StubPlatform method: the
// USB/IP VHCI contract is Linux-specific, per the Non-goal that full
// macOS/Windows/iOS client-side virtualisation is out of scope.
var ErrUnsupportedPlatform = errors.New("vhci: USB/IP VHCI is only available on Linux")

// StubPlatform implements Platform on non-Linux hosts by reporting
// ErrUnsupportedPlatform for every operation.
type StubPlatform struct{}

// NewDefaultPlatform returns the stub Platform.
func NewDefaultPlatform() Platform { return StubPlatform{} }

func (StubPlatform) NewSocketPair() (int, io.ReadWriteCloser, error) {
	return 0, nil, ErrUnsupportedPlatform
}

func (StubPlatform) WriteAttach(record string) error { return ErrUnsupportedPlatform }
func (StubPlatform) WriteDetach(record string) error { return ErrUnsupportedPlatform }
