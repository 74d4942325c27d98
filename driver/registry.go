package driver

import (
	"fmt"

	"motolink/config"
)

// Create creates a Driver for the given robot configuration. No traffic
// is sent until Connect() is called on the returned driver.
func Create(cfg *config.RobotConfig) (Driver, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	return NewHSESAdapter(cfg)
}
