package storage

import (
	"context"
	"sync"
	"time"

	"github.com/dgellow/login-handshake/internal/log"
)

// maxPassTimeout caps how long a single sweep may run.
const maxPassTimeout = 30 * time.Second

// CleanupManager sweeps expired nonces out of a Cleaner on a fixed interval.
// Each sweep gets its own deadline, so a slow backend can't hold up Stop
// for longer than one pass.
type CleanupManager struct {
	cleaner  Cleaner
	interval time.Duration

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

func NewCleanupManager(cleaner Cleaner, interval time.Duration) *CleanupManager {
	return &CleanupManager{
		cleaner:  cleaner,
		interval: interval,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start sweeps once right away, then every interval until ctx is done or
// Stop is called.
func (cm *CleanupManager) Start(ctx context.Context) {
	log.LogInfoWithFields("cleanup", "Starting nonce cleanup", map[string]any{
		"interval": cm.interval.String(),
	})
	go cm.loop(ctx)
}

// Stop ends the loop and waits for the sweep in flight. It is safe to call
// more than once.
func (cm *CleanupManager) Stop() {
	cm.stopOnce.Do(func() { close(cm.stop) })
	<-cm.done
}

func (cm *CleanupManager) loop(ctx context.Context) {
	defer close(cm.done)

	ticker := time.NewTicker(cm.interval)
	defer ticker.Stop()

	for {
		cm.sweep(ctx)
		select {
		case <-ticker.C:
		case <-cm.stop:
			log.LogDebugWithFields("cleanup", "Nonce cleanup stopped", nil)
			return
		case <-ctx.Done():
			log.LogDebugWithFields("cleanup", "Nonce cleanup cancelled", nil)
			return
		}
	}
}

func (cm *CleanupManager) passTimeout() time.Duration {
	if cm.interval < maxPassTimeout {
		return cm.interval
	}
	return maxPassTimeout
}

func (cm *CleanupManager) sweep(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	passCtx, cancel := context.WithTimeout(ctx, cm.passTimeout())
	defer cancel()

	start := time.Now()
	removed, err := cm.cleaner.CleanupExpired(passCtx)
	if err != nil {
		log.LogErrorWithFields("cleanup", "Nonce sweep failed", map[string]any{
			"error": err.Error(),
		})
		return
	}
	if removed > 0 {
		log.LogInfoWithFields("cleanup", "Removed expired nonces", map[string]any{
			"count":    removed,
			"duration": time.Since(start).String(),
		})
	}
}
