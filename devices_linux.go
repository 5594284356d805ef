//go:build linux

package sniff

import (
	"fmt"
	"net"

	log "github.com/sirupsen/logrus"
	"github.com/vishvananda/netlink"
)

func findAllDevs() ([]Device, error) {
	links, err := netlink.LinkList()
	if err != nil {
		return nil, fmt.Errorf("netlink list: %w", err)
	}
	devs := make([]Device, 0, len(links))
	for _, link := range links {
		attrs := link.Attrs()
		d := deviceFromInterface(net.Interface{
			Index:        attrs.Index,
			MTU:          attrs.MTU,
			Name:         attrs.Name,
			HardwareAddr: attrs.HardwareAddr,
			Flags:        attrs.Flags,
		})
		// a link can be administratively up with no carrier
		d.Up = d.Up && attrs.OperState != netlink.OperDown && attrs.OperState != netlink.OperNotPresent
		addrs, err := netlink.AddrList(link, netlink.FAMILY_ALL)
		if err != nil {
			log.WithError(err).WithField("iface", attrs.Name).Debug("unable to list addresses")
		}
		for _, a := range addrs {
			if a.IPNet != nil {
				d.Addresses = append(d.Addresses, *a.IPNet)
			}
		}
		devs = append(devs, d)
	}
	return devs, nil
}
