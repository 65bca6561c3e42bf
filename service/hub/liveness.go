package hub

import (
	"time"

	"tradelive/logger"
)

// LivenessSupervisor reclaims connections whose peer vanished without a clean
// close. Each sweep terminates every connection that failed to answer the
// previous probe, then clears the flag and probes again; a pong (or an
// application ping frame) restores the flag.
type LivenessSupervisor struct {
	registry *ConnManager
	period   time.Duration
	onDead   func(*Client)
	onProbe  func(*Client) // optional, e.g. presence TTL refresh
	stopCh   chan struct{}
}

func NewLivenessSupervisor(registry *ConnManager, period time.Duration, onDead func(*Client), onProbe func(*Client)) *LivenessSupervisor {
	if period <= 0 {
		period = 30 * time.Second
	}
	return &LivenessSupervisor{
		registry: registry,
		period:   period,
		onDead:   onDead,
		onProbe:  onProbe,
		stopCh:   make(chan struct{}),
	}
}

func (s *LivenessSupervisor) Run() {
	t := time.NewTicker(s.period)
	defer t.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
			s.SweepOnce()
		}
	}
}

// SweepOnce walks a snapshot of the registry outside any lock. Terminations
// go through the server's teardown so every resource is released once.
func (s *LivenessSupervisor) SweepOnce() {
	for _, c := range s.registry.AllClients() {
		if !c.SwapAlive() {
			logger.Infof("[liveness] unresponsive conn=%s user=%s", c.ConnID, c.UserID())
			s.onDead(c)
			continue
		}
		if err := c.Ping(); err != nil {
			logger.Debugf("[liveness] ping err conn=%s: %v", c.ConnID, err)
			s.onDead(c)
			continue
		}
		if s.onProbe != nil {
			s.onProbe(c)
		}
	}
}

func (s *LivenessSupervisor) Stop() {
	select {
	case <-s.stopCh:
	default:
		close(s.stopCh)
	}
}
