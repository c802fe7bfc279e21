package scope

import (
	"fmt"
	"strings"
)

// Driver names an instrument implementation.
type Driver string

const (
	DriverLeCroy    Driver = "lecroy"
	DriverSimulator Driver = "simulator"
	DriverAuto      Driver = "auto"
)

// ParseDriver converts a configuration value into a Driver. The empty string
// selects DriverAuto.
func ParseDriver(s string) (Driver, error) {
	switch Driver(strings.ToLower(strings.TrimSpace(s))) {
	case "", DriverAuto:
		return DriverAuto, nil
	case DriverLeCroy, "vicp":
		return DriverLeCroy, nil
	case DriverSimulator, "sim", "simulate":
		return DriverSimulator, nil
	}
	return "", fmt.Errorf("unknown instrument driver %q (available: %v)", s, AvailableDrivers())
}

// NewDialer returns the dialer for d.
func NewDialer(d Driver) Dialer {
	switch d {
	case DriverSimulator:
		return NewSimulator().Dial
	default:
		// VICP is the only hardware transport
		return DialLeCroy
	}
}

// AvailableDrivers lists the drivers built into this binary.
func AvailableDrivers() []Driver {
	return []Driver{DriverLeCroy, DriverSimulator}
}
