package sniff

import (
	"fmt"
	"net"
	"sort"
)

// Device a network interface that can be opened for capture.
type Device struct {
	Name         string
	Index        int
	MTU          int
	HardwareAddr net.HardwareAddr
	Flags        net.Flags
	Addresses    []net.IPNet
	Up           bool
	Loopback     bool
}

func (d Device) String() string {
	return fmt.Sprintf("%d.%s", d.Index, d.Name)
}

// FindAllDevs list the network devices on this host, ordered by index.
func FindAllDevs() ([]Device, error) {
	devs, err := findAllDevs()
	if err != nil {
		return nil, err
	}
	sort.Slice(devs, func(i, j int) bool { return devs[i].Index < devs[j].Index })
	return devs, nil
}

// LookupDev the device to use when none was asked for.
func LookupDev() (Device, error) {
	devs, err := FindAllDevs()
	if err != nil {
		return Device{}, err
	}
	return pickDefault(devs)
}

// pickDefault prefer an up, non-loopback device with an address, then any
// up non-loopback device, then anything that is up.
func pickDefault(devs []Device) (Device, error) {
	for _, d := range devs {
		if d.Up && !d.Loopback && len(d.Addresses) > 0 {
			return d, nil
		}
	}
	for _, d := range devs {
		if d.Up && !d.Loopback {
			return d, nil
		}
	}
	for _, d := range devs {
		if d.Up {
			return d, nil
		}
	}
	return Device{}, ErrNoDevice
}

func deviceFromInterface(in net.Interface) Device {
	return Device{
		Name:         in.Name,
		Index:        in.Index,
		MTU:          in.MTU,
		HardwareAddr: in.HardwareAddr,
		Flags:        in.Flags,
		Up:           in.Flags&net.FlagUp != 0,
		Loopback:     in.Flags&net.FlagLoopback != 0,
	}
}
