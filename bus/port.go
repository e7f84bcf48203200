// SPDX-License-Identifier: MIT
// Copyright (c) 2021 Brian Starkey <stark3y@gmail.com>
package bus

import (
	"fmt"
	"io"
	"net"
	"strings"

	tty "github.com/jacobsa/go-serial/serial"
)

const DefaultBaudRate uint = 115200

// Open connects to the target. A port of the form "tcp:host:port" dials a
// TCP bridge, anything else is opened as a serial device.
func Open(port string, baud uint) (io.ReadWriteCloser, error) {
	if port == "" {
		return nil, fmt.Errorf("no port given")
	}

	if strings.HasPrefix(port, "tcp:") {
		addr := port[len("tcp:"):]
		conn, err := net.Dial("tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("net.Dial %s: %w", addr, err)
		}

		return conn, nil
	}

	options := tty.OpenOptions{
		PortName:              port,
		BaudRate:              baud,
		DataBits:              8,
		StopBits:              1,
		MinimumReadSize:       1,
		InterCharacterTimeout: 100,
	}

	ser, err := tty.Open(options)
	if err != nil {
		return nil, fmt.Errorf("tty.Open %s: %w", port, err)
	}

	return ser, nil
}
