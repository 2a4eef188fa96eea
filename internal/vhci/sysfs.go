package vhci

import "fmt"

// AttachRecord formats the sysfs attach line §6 pins: "<port>
// <speed-code> <devid> <sockfd>". Manager passes the kernel end of
// the socket pair from Platform.NewSocketPair as sockfd.
func AttachRecord(port int, speedCode uint32, devid uint32, sockfd int) string {
	return fmt.Sprintf("%d %d %d %d", port, speedCode, devid, sockfd)
}

// DetachRecord formats the sysfs detach line: "<port>".
func DetachRecord(port int) string {
	return fmt.Sprintf("%d", port)
}
