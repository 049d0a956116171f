package primary

import (
	"log"
	"time"
)

// Run drives periodic batch proposing at core.PrimaryPingInterval until done
// is closed. Most ticks are no-ops — ProposeBatch returns immediately
// whenever there is nothing new to propose.
func (p *Primary) Run(interval time.Duration, done <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := p.ProposeBatch(); err != nil {
				log.Printf("[primary] propose batch error: %v", err)
			}
		}
	}
}
