package netdetect

import (
	"fmt"
	"net"

	"github.com/google/gopacket/pcap"
)

// InterfaceInfo describes a network interface usable as the attack NIC.
type InterfaceInfo struct {
	Name        string
	Description string
	Addresses   []string
	IsUp        bool
	IsLoopback  bool
}

// ListInterfaces returns all capture-capable network interfaces.
func ListInterfaces() ([]InterfaceInfo, error) {
	devices, err := pcap.FindAllDevs()
	if err != nil {
		return nil, fmt.Errorf("find network devices: %w", err)
	}

	var interfaces []InterfaceInfo
	for _, device := range devices {
		info := InterfaceInfo{
			Name:        device.Name,
			Description: device.Description,
		}

		for _, addr := range device.Addresses {
			if addr.IP != nil {
				info.Addresses = append(info.Addresses, addr.IP.String())
				if addr.IP.IsLoopback() {
					info.IsLoopback = true
				}
			}
		}

		if iface, err := net.InterfaceByName(device.Name); err == nil {
			info.IsUp = iface.Flags&net.FlagUp != 0
		}

		interfaces = append(interfaces, info)
	}

	return interfaces, nil
}

// Exists reports whether the named interface is present on this host.
// The lifecycle manager calls this before creating sub-interfaces so a
// missing attack NIC fails fast instead of erroring inside `ip link`.
func Exists(name string) bool {
	_, err := net.InterfaceByName(name)
	return err == nil
}
