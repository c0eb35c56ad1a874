package types

import (
	"fmt"
	"net"
	"strconv"
	"time"
)

type Protocol string

const (
	ProtocolTCP Protocol = "TCP"
	ProtocolRTU Protocol = "RTU"
)

const (
	DefaultTCPPort  = 502
	DefaultTimeout  = time.Second
	DefaultBaudRate = 9600
	DefaultDataBits = 8
	DefaultParity   = "N"
	DefaultStopBits = 1
)

// ConnectionSettings describes how to reach one slave. Exactly one of TCP
// and RTU is set, matching Protocol.
type ConnectionSettings struct {
	Protocol Protocol      `json:"protocol"`
	SlaveID  uint8         `json:"slave_id"`
	Timeout  time.Duration `json:"timeout"`
	TCP      *TCPSettings  `json:"tcp,omitempty"`
	RTU      *RTUSettings  `json:"rtu,omitempty"`
}

type TCPSettings struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

type RTUSettings struct {
	Port     string `json:"port"`
	BaudRate int    `json:"baud_rate"`
	DataBits int    `json:"data_bits"`
	Parity   string `json:"parity"`
	StopBits int    `json:"stop_bits"`
}

// Address returns host:port for TCP and the serial device path for RTU.
func (c ConnectionSettings) Address() string {
	switch c.Protocol {
	case ProtocolTCP:
		if c.TCP == nil {
			return ""
		}
		port := c.TCP.Port
		if port == 0 {
			port = DefaultTCPPort
		}
		return net.JoinHostPort(c.TCP.Host, strconv.Itoa(port))
	case ProtocolRTU:
		if c.RTU == nil {
			return ""
		}
		return c.RTU.Port
	default:
		return ""
	}
}

// Validate checks that the settings are complete and not mixed.
func (c ConnectionSettings) Validate() error {
	switch c.Protocol {
	case ProtocolTCP:
		if c.TCP == nil || c.TCP.Host == "" {
			return fmt.Errorf("%w: tcp connection requires a host", ErrConfiguration)
		}
		if c.RTU != nil {
			return fmt.Errorf("%w: tcp connection must not carry serial settings", ErrConfiguration)
		}
		if c.TCP.Port < 0 || c.TCP.Port > 65535 {
			return fmt.Errorf("%w: tcp port %d out of range", ErrConfiguration, c.TCP.Port)
		}
	case ProtocolRTU:
		if c.RTU == nil || c.RTU.Port == "" {
			return fmt.Errorf("%w: rtu connection requires a serial port", ErrConfiguration)
		}
		if c.TCP != nil {
			return fmt.Errorf("%w: rtu connection must not carry tcp settings", ErrConfiguration)
		}
		switch c.RTU.Parity {
		case "N", "E", "O":
		default:
			return fmt.Errorf("%w: invalid parity %q", ErrConfiguration, c.RTU.Parity)
		}
		if c.RTU.BaudRate <= 0 {
			return fmt.Errorf("%w: invalid baud rate %d", ErrConfiguration, c.RTU.BaudRate)
		}
		if c.RTU.DataBits < 5 || c.RTU.DataBits > 8 {
			return fmt.Errorf("%w: invalid data bits %d", ErrConfiguration, c.RTU.DataBits)
		}
		if c.RTU.StopBits != 1 && c.RTU.StopBits != 2 {
			return fmt.Errorf("%w: invalid stop bits %d", ErrConfiguration, c.RTU.StopBits)
		}
	default:
		return fmt.Errorf("%w: unknown protocol %q", ErrConfiguration, c.Protocol)
	}
	return nil
}
