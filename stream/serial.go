package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime"
	"strings"

	"github.com/evgauge/canlink"
	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
	"go.uber.org/zap"
)

// NewSerial returns a Transport to a wired adapter. A port of "*" selects the
// first USB serial port found.
func NewSerial(port string, baudrate int, log *zap.Logger) Transport {
	return newRWTransport("serial", log, func(context.Context) (io.ReadWriteCloser, error) {
		name, err := portInfo(port)
		if err != nil {
			return nil, err
		}
		mode := &serial.Mode{
			BaudRate: baudrate,
			Parity:   serial.NoParity,
			DataBits: 8,
			StopBits: serial.OneStopBit,
		}
		p, err := serial.Open(name, mode)
		if err != nil {
			var perr *serial.PortError
			if errors.As(err, &perr) && perr.Code() == serial.PortNotFound {
				return nil, canlink.Unrecoverable(fmt.Errorf("failed to open com port %q : %w", name, err))
			}
			return nil, fmt.Errorf("failed to open com port %q : %w", name, err)
		}
		p.ResetOutputBuffer()
		p.ResetInputBuffer()
		return p, nil
	})
}

func portInfo(portName string) (string, error) {
	if runtime.GOOS == "windows" {
		portName = strings.ToUpper(portName)
	}
	if portName == "" {
		return "", canlink.Unrecoverable(errors.New("no serial port configured"))
	}
	if portName != "*" {
		return portName, nil
	}
	ports, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return "", err
	}
	for _, p := range ports {
		if p.IsUSB {
			return p.Name, nil
		}
	}
	return "", errors.New("no usb serial ports found")
}

type PortInfo struct {
	Name        string
	Description string
	USB         bool
}

func (p PortInfo) String() string {
	if p.Description == "" {
		return p.Name
	}
	return p.Name + " (" + p.Description + ")"
}

// ListPorts returns the serial ports present on the system.
func ListPorts() ([]PortInfo, error) {
	ports, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, err
	}
	out := make([]PortInfo, 0, len(ports))
	for _, p := range ports {
		info := PortInfo{Name: p.Name, USB: p.IsUSB}
		if p.IsUSB {
			info.Description = strings.TrimSpace(p.Product + " " + p.SerialNumber)
		}
		out = append(out, info)
	}
	return out, nil
}
