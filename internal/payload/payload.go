// Package payload encodes readings for the publish topic.
//
// FormatCompact is the legacy wire format, {temp:23.4, humidity:55.2}, with
// unquoted keys. It is not JSON. FormatJSON emits {"temp":23.4,"humidity":55.2}
// for consumers that parse strictly.
package payload

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
)

// MaxSize bounds an encoded payload.
const MaxSize = 100

type Format int

const (
	FormatCompact Format = iota
	FormatJSON
)

var (
	ErrTooLarge  = errors.New("payload exceeds maximum size")
	ErrNotFinite = errors.New("reading is not a finite number")
)

func ParseFormat(s string) (Format, error) {
	switch s {
	case "", "compact":
		return FormatCompact, nil
	case "json":
		return FormatJSON, nil
	default:
		return FormatCompact, fmt.Errorf("unknown payload format %q", s)
	}
}

func (f Format) String() string {
	if f == FormatJSON {
		return "json"
	}
	return "compact"
}

type jsonReading struct {
	Temp     json.Number `json:"temp"`
	Humidity json.Number `json:"humidity"`
}

// Encode renders temperature and humidity with one decimal.
func Encode(f Format, temperature, humidity float64) ([]byte, error) {
	if !finite(temperature) || !finite(humidity) {
		return nil, ErrNotFinite
	}

	var (
		out []byte
		err error
	)
	switch f {
	case FormatJSON:
		out, err = json.Marshal(jsonReading{
			Temp:     json.Number(oneDecimal(temperature)),
			Humidity: json.Number(oneDecimal(humidity)),
		})
		if err != nil {
			return nil, fmt.Errorf("marshal reading: %w", err)
		}
	default:
		buf := make([]byte, 0, MaxSize)
		buf = append(buf, "{temp:"...)
		buf = strconv.AppendFloat(buf, temperature, 'f', 1, 64)
		buf = append(buf, ", humidity:"...)
		buf = strconv.AppendFloat(buf, humidity, 'f', 1, 64)
		buf = append(buf, '}')
		out = buf
	}

	if len(out) > MaxSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooLarge, len(out))
	}
	return out, nil
}

func oneDecimal(v float64) string {
	return strconv.FormatFloat(v, 'f', 1, 64)
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
