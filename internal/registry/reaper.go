package registry

import (
	"log"
	"time"
)

// Reaper evicts sessions whose process died or whose idle time exceeded
// the TTL. It runs on a slower cadence than the poll scheduler; TTL
// eviction is silent cleanup, no notice owed to anyone.
type Reaper struct {
	reg      *Registry
	interval time.Duration
	ttl      time.Duration
	stop     chan struct{}
	done     chan struct{}
}

// NewReaper creates a reaper sweeping every interval, evicting sessions
// idle longer than ttl.
func NewReaper(reg *Registry, interval, ttl time.Duration) *Reaper {
	return &Reaper{
		reg:      reg,
		interval: interval,
		ttl:      ttl,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Run sweeps until Stop is called.
func (rp *Reaper) Run() {
	defer close(rp.done)
	ticker := time.NewTicker(rp.interval)
	defer ticker.Stop()

	for {
		select {
		case <-rp.stop:
			return
		case <-ticker.C:
			rp.Sweep()
		}
	}
}

// Stop ends the sweep loop and waits for it to finish.
func (rp *Reaper) Stop() {
	close(rp.stop)
	<-rp.done
}

// Sweep evicts dead and expired sessions once.
func (rp *Reaper) Sweep() {
	now := time.Now()
	for _, s := range rp.reg.Sessions() {
		if !s.Proc.Exists() {
			log.Printf("session %s: process died, reaping", s.ID)
			rp.reg.Delete(s.ID)
			continue
		}
		if idle := now.Sub(s.LastActivity()); idle > rp.ttl {
			log.Printf("session %s: idle %s exceeds ttl, reaping", s.ID, idle.Round(time.Second))
			rp.reg.Delete(s.ID)
		}
	}
}
