//go:build !linux

package sniff

import (
	"fmt"
	"net"
)

func findAllDevs() ([]Device, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("list interfaces: %w", err)
	}
	devs := make([]Device, 0, len(ifaces))
	for _, in := range ifaces {
		d := deviceFromInterface(in)
		addrs, err := in.Addrs()
		if err == nil {
			for _, a := range addrs {
				if ipnet, ok := a.(*net.IPNet); ok {
					d.Addresses = append(d.Addresses, *ipnet)
				}
			}
		}
		devs = append(devs, d)
	}
	return devs, nil
}
