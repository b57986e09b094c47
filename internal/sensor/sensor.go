// Package sensor provides temperature/humidity readers behind a single
// blocking Read call that always returns within the driver's timeout.
package sensor

import (
	"context"
	"fmt"
	"time"
)

type Status int

const (
	StatusOK Status = iota
	StatusTimeout
	StatusChecksumError
	StatusNotReady
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusTimeout:
		return "timeout"
	case StatusChecksumError:
		return "checksum_error"
	case StatusNotReady:
		return "not_ready"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Reading is one sample. Temperature is in °C, Humidity in %RH; both are
// only meaningful when Status is StatusOK.
type Reading struct {
	Temperature float64
	Humidity    float64
	Status      Status
	TakenAt     time.Time
}

func (r Reading) OK() bool {
	return r.Status == StatusOK
}

// Reader is implemented by every driver.
type Reader interface {
	// Read takes one reading. It must return within the driver's timeout,
	// reporting hardware silence as StatusTimeout.
	Read(ctx context.Context) Reading
	// MinInterval is the hardware re-trigger floor between two reads.
	MinInterval() time.Duration
	Close() error
}

func fault(status Status) Reading {
	return Reading{Status: status, TakenAt: time.Now()}
}
