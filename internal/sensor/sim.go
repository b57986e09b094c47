package sensor

import (
	"context"
	"math"
	"sync"
	"time"
)

// Sim produces a slow sine wave around a base point. With FailEvery > 0
// every FailEvery-th read reports FailStatus instead.
type Sim struct {
	BaseTemperature float64
	BaseHumidity    float64
	FailEvery       int
	FailStatus      Status
	Floor           time.Duration

	mu sync.Mutex
	n  int
}

func NewSim() *Sim {
	return &Sim{
		BaseTemperature: 22.5,
		BaseHumidity:    50,
		FailStatus:      StatusTimeout,
		Floor:           DHT22MinInterval,
	}
}

func (s *Sim) MinInterval() time.Duration {
	return s.Floor
}

func (s *Sim) Read(ctx context.Context) Reading {
	if ctx.Err() != nil {
		return fault(StatusNotReady)
	}

	s.mu.Lock()
	s.n++
	n := s.n
	s.mu.Unlock()

	if s.FailEvery > 0 && n%s.FailEvery == 0 {
		return fault(s.FailStatus)
	}

	phase := float64(n) / 30
	return Reading{
		Temperature: math.Round((s.BaseTemperature+2*math.Sin(phase))*10) / 10,
		Humidity:    math.Round((s.BaseHumidity+5*math.Cos(phase))*10) / 10,
		Status:      StatusOK,
		TakenAt:     time.Now(),
	}
}

func (s *Sim) Close() error {
	return nil
}
