//go:build !wasm

package serial

import (
	"errors"
	"fmt"
	"strings"

	"go.bug.st/serial/enumerator"
)

var ErrNoPort = errors.New("no matching serial port found")

// PortInfo describes one serial port present on the system
type PortInfo struct {
	Name         string
	IsUSB        bool
	VID          string
	PID          string
	SerialNumber string
	Product      string
}

// KnownVIDs are USB vendor ids of common controller boards and USB-serial bridges
var KnownVIDs = map[string]string{
	"2341": "Arduino",
	"1a86": "CH340",
	"0403": "FTDI",
	"10c4": "CP210x",
	"2e8a": "Raspberry Pi RP2040",
	"1d50": "OpenMoko (Marlin/Klipper boards)",
	"0483": "STMicroelectronics",
}

// ListPorts returns every serial port the OS reports
func ListPorts() ([]PortInfo, error) {
	details, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, fmt.Errorf("failed to list serial ports: %w", err)
	}
	ports := make([]PortInfo, 0, len(details))
	for _, d := range details {
		ports = append(ports, PortInfo{
			Name:         d.Name,
			IsUSB:        d.IsUSB,
			VID:          strings.ToLower(d.VID),
			PID:          strings.ToLower(d.PID),
			SerialNumber: d.SerialNumber,
			Product:      d.Product,
		})
	}
	return ports, nil
}

// Detect picks the first USB port whose vendor id is known
func Detect() (PortInfo, error) {
	ports, err := ListPorts()
	if err != nil {
		return PortInfo{}, err
	}
	return pickPort(ports)
}

func pickPort(ports []PortInfo) (PortInfo, error) {
	for _, p := range ports {
		if !p.IsUSB {
			continue
		}
		if _, ok := KnownVIDs[p.VID]; ok {
			return p, nil
		}
	}
	return PortInfo{}, ErrNoPort
}
