package sensor

import (
	"fmt"

	"dht-bridge/internal/config"
)

// Open returns the driver selected by SENSOR_DRIVER.
func Open(cfg config.Config) (Reader, error) {
	switch cfg.SensorDriver {
	case "dht22":
		return OpenDHT22(cfg.SensorGPIO, cfg.SensorReadTimeout)
	case "bme280":
		return OpenBME280(cfg.BME280Address, cfg.SensorReadTimeout)
	case "sim":
		return NewSim(), nil
	default:
		return nil, fmt.Errorf("unknown sensor driver %q", cfg.SensorDriver)
	}
}
