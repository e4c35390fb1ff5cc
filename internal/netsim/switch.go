// Package netsim wraps the real network with fault injection, so the
// offline paths can be driven on demand.
package netsim

import (
	"errors"
	"math/rand"
	"net/http"
	"sync"
	"sync/atomic"
)

var (
	ErrOffline = errors.New("netsim: network is offline")
	ErrDropped = errors.New("netsim: request dropped")
)

// Switch is an http.RoundTripper that can be forced offline or made to drop
// a fraction of requests before they reach the wrapped transport.
type Switch struct {
	next    http.RoundTripper
	offline atomic.Bool

	dropMu   sync.RWMutex
	dropRate float64
}

// NewSwitch wraps next (http.DefaultTransport when nil).
func NewSwitch(next http.RoundTripper) *Switch {
	if next == nil {
		next = http.DefaultTransport
	}
	return &Switch{next: next}
}

func (s *Switch) SetOffline(offline bool) { s.offline.Store(offline) }

func (s *Switch) Offline() bool { return s.offline.Load() }

// SetDropRate sets the probability in [0,1] that a request fails.
func (s *Switch) SetDropRate(rate float64) {
	s.dropMu.Lock()
	defer s.dropMu.Unlock()
	s.dropRate = rate
}

func (s *Switch) DropRate() float64 {
	s.dropMu.RLock()
	defer s.dropMu.RUnlock()
	return s.dropRate
}

func (s *Switch) shouldDrop() bool {
	rate := s.DropRate()
	if rate <= 0 {
		return false
	}
	return rand.Float64() < rate
}

func (s *Switch) RoundTrip(req *http.Request) (*http.Response, error) {
	if s.offline.Load() {
		closeBody(req)
		return nil, ErrOffline
	}
	if s.shouldDrop() {
		closeBody(req)
		return nil, ErrDropped
	}
	return s.next.RoundTrip(req)
}

// closeBody honours the RoundTripper contract of always closing the body.
func closeBody(req *http.Request) {
	if req.Body != nil {
		req.Body.Close()
	}
}
