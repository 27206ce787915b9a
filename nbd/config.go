package nbd

import "fmt"

// ServerConfig holds the configuration for one listener.
type ServerConfig struct {
	Protocol      string         `yaml:"protocol"`      // protocol to listen on, in net.Listen form ("tcp", "unix")
	Address       string         `yaml:"address"`       // address to listen on
	DefaultExport string         `yaml:"defaultExport"` // under Oldstyle, the export offered (first export if empty); newstyle negotiation does not consult it, so an empty export name matches no export
	Oldstyle      bool           `yaml:"oldstyle"`       // speak the oldstyle (pre-option-negotiation) handshake instead of fixed-newstyle
	Exports       []ExportConfig `yaml:"exports"`        // exports served by this listener
}

// ExportConfig holds the configuration for one exported item.
type ExportConfig struct {
	Name               string                 `yaml:"name"`               // name of the export
	Description        string                `yaml:"description"`
	Driver             string                 `yaml:"driver"`             // name of the backend driver
	ReadOnly           bool                   `yaml:"readonly"`
	MinimumBlockSize   uint64                 `yaml:"minimumBlockSize"`
	PreferredBlockSize uint64                 `yaml:"preferredBlockSize"`
	MaximumBlockSize   uint64                 `yaml:"maximumBlockSize"`
	Workers            int                    `yaml:"workers"` // 0 means use DefaultWorkers
	MaxInFlight        int                    `yaml:"maxInFlight"` // 0 means use MaxInFlight default
	MaxBufferSize      int                    `yaml:"maxBufferSize"`
	DriverParameters   DriverParametersConfig `yaml:",inline"` // driver-specific parameters
}

// DriverParametersConfig is an arbitrary map of driver-specific parameters
// in string form.
type DriverParametersConfig map[string]string

// IsTrue determines whether a driver parameter string is "true".
func IsTrue(v string) (bool, error) {
	switch v {
	case "true":
		return true, nil
	case "false", "":
		return false, nil
	default:
		return false, fmt.Errorf("nbd: unknown boolean value: %s", v)
	}
}
