package transport

import (
	"sort"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

// PortInfo describes a serial port found on the host.
type PortInfo struct {
	Name         string
	IsUSB        bool
	VID          string
	PID          string
	SerialNumber string
	Product      string
}

// ListPorts enumerates serial ports, with USB details where the OS
// provides them.
func ListPorts() ([]PortInfo, error) {
	var ports []PortInfo

	details, err := enumerator.GetDetailedPortsList()
	if err == nil {
		for _, d := range details {
			ports = append(ports, PortInfo{
				Name:         d.Name,
				IsUSB:        d.IsUSB,
				VID:          d.VID,
				PID:          d.PID,
				SerialNumber: d.SerialNumber,
				Product:      d.Product,
			})
		}
	} else {
		names, err := serial.GetPortsList()
		if err != nil {
			return nil, err
		}
		for _, name := range names {
			ports = append(ports, PortInfo{Name: name})
		}
	}

	sort.Slice(ports, func(i, j int) bool { return ports[i].Name < ports[j].Name })
	return ports, nil
}
