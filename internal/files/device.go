package files

import (
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"strings"
)

// Device identifies a caller on the local network by the last byte of its
// address, e.g. 192.168.1.23 is device 23.
type Device int

// UnknownDevice is used when the address cannot be parsed.
const UnknownDevice Device = -1

// DeviceFromAddr derives the device id from a remote address in host:port
// or bare host form.
func DeviceFromAddr(remoteAddr string) Device {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return UnknownDevice
	}
	b := addr.Unmap().AsSlice()
	return Device(b[len(b)-1])
}

// ParseDevices parses a comma-separated list of device ids.
func ParseDevices(s string) ([]Device, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	var devices []Device
	for _, part := range strings.Split(s, ",") {
		n, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil || n < 0 || n > 255 {
			return nil, fmt.Errorf("%w: device %q", ErrInvalidInput, part)
		}
		devices = append(devices, Device(n))
	}
	return devices, nil
}
