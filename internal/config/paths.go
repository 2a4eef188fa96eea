package config

// Default filesystem locations (§6), modeled on the teacher's
// paths.go layout (PathConfDir/PathProgState/PathProgStateDev) with
// ipp-usb's names swapped for usbshare's own.
const (
	DefaultConfDir     = "/etc/usbshare"
	DefaultServerConf   = DefaultConfDir + "/server.conf"
	DefaultClientConf   = DefaultConfDir + "/client.conf"

	DefaultStateDir    = "/var/lib/usbshare"
	DefaultDeviceStateDir = DefaultStateDir + "/dev"

	DefaultServerCtrlSocket = "/run/usbshare/server.sock"
	DefaultClientCtrlSocket = "/run/usbshare/client.sock"
)
