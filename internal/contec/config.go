package contec

import (
	"fmt"
	"net"
	"strconv"
)

// MaxControllers is the number of unit IDs a single gateway can address.
const MaxControllers = 255

// ConnectivityConfiguration describes how to reach a controller installation.
type ConnectivityConfiguration struct {
	NumberOfControllers int
	ControllersIP       string
	ControllersPort     int
}

// NewConnectivityConfiguration builds a configuration from the three entry values.
func NewConnectivityConfiguration(numberOfControllers int, controllersIP string, controllersPort int) ConnectivityConfiguration {
	return ConnectivityConfiguration{
		NumberOfControllers: numberOfControllers,
		ControllersIP:       controllersIP,
		ControllersPort:     controllersPort,
	}
}

// Address returns the gateway address in host:port form.
func (c ConnectivityConfiguration) Address() string {
	return net.JoinHostPort(c.ControllersIP, strconv.Itoa(c.ControllersPort))
}

// Validate checks the configuration values.
func (c ConnectivityConfiguration) Validate() error {
	if c.NumberOfControllers < 1 || c.NumberOfControllers > MaxControllers {
		return fmt.Errorf("%w: number of controllers %d out of range 1..%d",
			ErrInvalidConfiguration, c.NumberOfControllers, MaxControllers)
	}
	if c.ControllersIP == "" {
		return fmt.Errorf("%w: controllers IP is empty", ErrInvalidConfiguration)
	}
	if c.ControllersPort < 1 || c.ControllersPort > 65535 {
		return fmt.Errorf("%w: controllers port %d out of range", ErrInvalidConfiguration, c.ControllersPort)
	}
	return nil
}
