package sensor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/host/v3"
)

// DHT22MinInterval is the datasheet minimum between two start signals.
const DHT22MinInterval = 2 * time.Second

const (
	dhtStartLow  = 3 * time.Millisecond
	dhtStartHigh = 25 * time.Microsecond
	// A high pulse longer than this is a 1 bit (26-28µs is 0, 70µs is 1).
	dhtOneThreshold = 48 * time.Microsecond
	dhtFrameBits    = 40
	// response low, response high, first bit low, then rise/fall per bit
	dhtEdges = 3 + 2*dhtFrameBits
)

var (
	ErrChecksum = errors.New("dht22: checksum mismatch")
	errNoEdge   = errors.New("dht22: no edge before deadline")
)

// DHT22 bit-bangs an AM2302/DHT22 on a single GPIO line.
type DHT22 struct {
	pin     gpio.PinIO
	timeout time.Duration

	mu   sync.Mutex
	last time.Time
}

func OpenDHT22(pinName string, timeout time.Duration) (*DHT22, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("host init: %w", err)
	}
	pin := gpioreg.ByName(pinName)
	if pin == nil {
		return nil, fmt.Errorf("gpio %q not found", pinName)
	}
	if err := pin.In(gpio.PullUp, gpio.NoEdge); err != nil {
		return nil, fmt.Errorf("gpio %s idle: %w", pinName, err)
	}
	return &DHT22{pin: pin, timeout: timeout}, nil
}

func (d *DHT22) MinInterval() time.Duration {
	return DHT22MinInterval
}

func (d *DHT22) Read(ctx context.Context) Reading {
	d.mu.Lock()
	defer d.mu.Unlock()

	if ctx.Err() != nil {
		return fault(StatusNotReady)
	}
	if !d.last.IsZero() && time.Since(d.last) < DHT22MinInterval {
		return fault(StatusNotReady)
	}
	d.last = time.Now()

	highs, err := d.capture()
	if err != nil {
		if errors.Is(err, errNoEdge) {
			return fault(StatusTimeout)
		}
		return fault(StatusNotReady)
	}

	frame := decodeBits(highs)
	temperature, humidity, err := decodeFrame(frame)
	if err != nil {
		return fault(StatusChecksumError)
	}
	return Reading{
		Temperature: temperature,
		Humidity:    humidity,
		Status:      StatusOK,
		TakenAt:     time.Now(),
	}
}

func (d *DHT22) Close() error {
	return d.pin.In(gpio.PullUp, gpio.NoEdge)
}

// capture sends the start signal and returns the width of the 40 data
// high pulses.
func (d *DHT22) capture() ([]time.Duration, error) {
	if err := d.pin.Out(gpio.Low); err != nil {
		return nil, fmt.Errorf("start low: %w", err)
	}
	time.Sleep(dhtStartLow)
	if err := d.pin.Out(gpio.High); err != nil {
		return nil, fmt.Errorf("start high: %w", err)
	}
	time.Sleep(dhtStartHigh)
	if err := d.pin.In(gpio.PullUp, gpio.BothEdges); err != nil {
		return nil, fmt.Errorf("release line: %w", err)
	}
	defer func() { _ = d.pin.In(gpio.PullUp, gpio.NoEdge) }()

	deadline := time.Now().Add(d.timeout)
	edges := make([]time.Time, 0, dhtEdges)
	for len(edges) < dhtEdges {
		remaining := time.Until(deadline)
		if remaining <= 0 || !d.pin.WaitForEdge(remaining) {
			return nil, errNoEdge
		}
		edges = append(edges, time.Now())
	}

	highs := make([]time.Duration, dhtFrameBits)
	for i := range highs {
		highs[i] = edges[4+2*i].Sub(edges[3+2*i])
	}
	return highs, nil
}

func decodeBits(highs []time.Duration) [5]byte {
	var frame [5]byte
	for i := 0; i < dhtFrameBits && i < len(highs); i++ {
		frame[i/8] <<= 1
		if highs[i] > dhtOneThreshold {
			frame[i/8] |= 1
		}
	}
	return frame
}

// decodeFrame converts a 5-byte DHT22 frame into °C and %RH.
func decodeFrame(frame [5]byte) (temperature, humidity float64, err error) {
	sum := frame[0] + frame[1] + frame[2] + frame[3]
	if sum != frame[4] {
		return 0, 0, fmt.Errorf("%w: got %#02x want %#02x", ErrChecksum, frame[4], sum)
	}

	humidity = float64(uint16(frame[0])<<8|uint16(frame[1])) / 10
	raw := uint16(frame[2]&0x7F)<<8 | uint16(frame[3])
	temperature = float64(raw) / 10
	if frame[2]&0x80 != 0 {
		temperature = -temperature
	}
	return temperature, humidity, nil
}
