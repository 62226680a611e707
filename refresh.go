package nbns

import (
	"context"
	"time"
)

// refresh is the name refresh worker. Every RefreshInterval it queues a
// refresh for each local name that would otherwise expire before the next
// wakeup. It never touches the local table itself.
func (s *Server) refresh(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Stopping name refresh worker")
			return nil
		case now := <-ticker.C:
			if n := s.queueRefreshes(now); n > 0 {
				s.logger.Debug("Queued name refreshes", "count", n)
			}
		}
	}
}

func (s *Server) queueRefreshes(now time.Time) int {
	deadline := now.Add(s.cfg.RefreshInterval)

	var queued int
	for _, n := range s.local.all() {
		// Names still being registered have no expiry yet.
		if !n.Registered() || !n.Expiry.Before(deadline) {
			continue
		}
		if s.queue.pending(refreshRequest, n.Key()) {
			continue
		}
		s.queue.push(newRequest(refreshRequest, n, s.nextTransactionID(), s.cfg.RefreshRetries, s.cfg.RefreshRetryInterval))
		queued++
	}
	return queued
}
