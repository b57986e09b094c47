package sensor

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/devices/v3/bmxx80"
	"periph.io/x/host/v3"
)

// BME280MinInterval matches the forced-mode conversion time with
// oversampling enabled, rounded up.
const BME280MinInterval = time.Second

// BME280 reads temperature and humidity from a Bosch BME280 over I2C.
// Pressure is ignored.
type BME280 struct {
	bus     i2c.BusCloser
	dev     *bmxx80.Dev
	timeout time.Duration
	busy    atomic.Bool
}

func OpenBME280(addr uint16, timeout time.Duration) (*BME280, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("host init: %w", err)
	}

	bus, err := i2creg.Open("") // default bus, usually /dev/i2c-1
	if err != nil {
		return nil, fmt.Errorf("i2c open: %w", err)
	}

	dev, err := bmxx80.NewI2C(bus, addr, &bmxx80.DefaultOpts)
	if err != nil {
		_ = bus.Close()
		return nil, fmt.Errorf("bme280 at %#x: %w", addr, err)
	}

	return &BME280{bus: bus, dev: dev, timeout: timeout}, nil
}

func (b *BME280) MinInterval() time.Duration {
	return BME280MinInterval
}

// Read runs Sense on a helper goroutine so a wedged bus cannot hold the
// caller past the timeout. Until that goroutine returns, further reads
// report StatusNotReady.
func (b *BME280) Read(ctx context.Context) Reading {
	if !b.busy.CompareAndSwap(false, true) {
		return fault(StatusNotReady)
	}

	type result struct {
		env physic.Env
		err error
	}
	done := make(chan result, 1)
	go func() {
		defer b.busy.Store(false)
		var env physic.Env
		err := b.dev.Sense(&env)
		done <- result{env: env, err: err}
	}()

	timer := time.NewTimer(b.timeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return fault(StatusNotReady)
	case <-timer.C:
		return fault(StatusTimeout)
	case res := <-done:
		if res.err != nil {
			return fault(StatusNotReady)
		}
		return Reading{
			Temperature: res.env.Temperature.Celsius(),
			// env.Humidity is fixed point at 0.00001 %RH.
			Humidity: float64(res.env.Humidity) / float64(physic.PercentRH),
			Status:   StatusOK,
			TakenAt:  time.Now(),
		}
	}
}

func (b *BME280) Close() error {
	haltErr := b.dev.Halt()
	closeErr := b.bus.Close()
	if haltErr != nil {
		return fmt.Errorf("bme280 halt: %w", haltErr)
	}
	return closeErr
}
