package usbip

import "github.com/usbshare/usbshare/internal/wire"

// EndpointClassifier decides which TransferKind a CMD_SUBMIT targeting
// a given endpoint address should become. The USB/IP wire carries no
// endpoint-descriptor table of its own, so the default classifier only
// knows that endpoint 0 is always Control; anything more precise (bulk
// vs interrupt) requires a classifier built from the device's actual
// descriptors, supplied by the caller.
type EndpointClassifier interface {
	Classify(endpoint uint8) wire.TransferKind
}

// DefaultClassifier treats endpoint 0 as Control and every other
// endpoint as Bulk. It is a reasonable fallback when no descriptor
// table is available, but misclassifies interrupt endpoints.
type DefaultClassifier struct{}

func (DefaultClassifier) Classify(endpoint uint8) wire.TransferKind {
	if endpoint&0x0f == 0 {
		return wire.TransferControl
	}
	return wire.TransferBulk
}

// TableClassifier classifies by an explicit endpoint-address -> kind
// map, built from a device's cached descriptors.
type TableClassifier map[uint8]wire.TransferKind

func (t TableClassifier) Classify(endpoint uint8) wire.TransferKind {
	if endpoint&0x0f == 0 {
		return wire.TransferControl
	}
	if kind, ok := t[endpoint]; ok {
		return kind
	}
	return wire.TransferBulk
}
