package simulator

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/okian/aegis/pkg/logger"
)

const statsPollInterval = 100 * time.Millisecond

// Run executes one simulation: offline capture, then reconnection and sync.
func Run(ctx context.Context, cfg *Config) (*Report, error) {
	log := logger.Get().Named("simulator")
	start := time.Now()
	rep := &Report{}
	c := newClient(cfg)

	seed := cfg.Seed
	if seed == 0 {
		seed = start.UnixNano()
	}
	log.Info(ctx, "starting simulation",
		logger.String("baseURL", cfg.BaseURL),
		logger.Int("frames", cfg.Frames),
		logger.Int("workers", cfg.Workers),
		logger.Int64("seed", seed),
	)

	if err := c.health(ctx); err != nil {
		return rep, err
	}
	if _, err := c.connectivity(ctx, false); err != nil {
		return rep, fmt.Errorf("go offline: %w", err)
	}
	before, err := c.stats(ctx)
	if err != nil {
		return rep, fmt.Errorf("initial stats: %w", err)
	}
	rep.LogsBefore = before.TotalLogs

	gen := NewGenerator(seed, cfg.Unmapped, start, 250*time.Millisecond)
	frames := make([]Frame, cfg.Frames)
	for i := range frames {
		frames[i] = gen.Next()
	}
	submitAll(ctx, c, cfg.Workers, frames, rep)
	log.Info(ctx, "frames submitted",
		logger.Int("accepted", rep.FramesAccepted),
		logger.Int("backpressured", rep.FramesBackpressed),
		logger.Int("failed", rep.FramesFailed),
	)

	select {
	case <-time.After(cfg.Settle):
	case <-ctx.Done():
		return rep, ctx.Err()
	}

	rep.SyncTriggered, err = c.connectivity(ctx, true)
	if err != nil {
		return rep, fmt.Errorf("go online: %w", err)
	}

	after, err := waitDrained(ctx, c, cfg.SyncDeadline)
	rep.LogsAfter = after.TotalLogs
	rep.PendingAfterSync = after.PendingLogs
	rep.IntelSummaries = after.IntelSummaries
	rep.Duration = time.Since(start)
	if err != nil {
		return rep, err
	}

	if err := verify(rep); err != nil {
		return rep, err
	}
	log.Info(ctx, "simulation complete",
		logger.Int("logsCreated", rep.LogsAfter-rep.LogsBefore),
		logger.Int("intelSummaries", rep.IntelSummaries),
		logger.Duration("duration", rep.Duration),
	)
	return rep, nil
}

func submitAll(ctx context.Context, c *client, workers int, frames []Frame, rep *Report) {
	if workers < 1 {
		workers = 1
	}
	jobs := make(chan Frame)
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for f := range jobs {
				status, err := c.submit(ctx, f)
				mu.Lock()
				rep.FramesSubmitted++
				switch {
				case err != nil:
					rep.FramesFailed++
				case status == http.StatusAccepted:
					rep.FramesAccepted++
				case status == http.StatusTooManyRequests:
					rep.FramesBackpressed++
				default:
					rep.FramesFailed++
				}
				mu.Unlock()
			}
		}()
	}
	for _, f := range frames {
		select {
		case jobs <- f:
		case <-ctx.Done():
		}
		if ctx.Err() != nil {
			break
		}
	}
	close(jobs)
	wg.Wait()
}

// waitDrained polls until no log is pending and no pass is running.
func waitDrained(ctx context.Context, c *client, deadline time.Duration) (nodeStats, error) {
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()
	ticker := time.NewTicker(statsPollInterval)
	defer ticker.Stop()

	var last nodeStats
	for {
		st, err := c.stats(ctx)
		if err == nil {
			last = st
			if st.PendingLogs == 0 && !st.SyncRunning {
				return st, nil
			}
		}
		select {
		case <-ctx.Done():
			return last, fmt.Errorf("%w: %d still pending", ErrSyncTimeout, last.PendingLogs)
		case <-ticker.C:
		}
	}
}

func verify(rep *Report) error {
	created := rep.LogsAfter - rep.LogsBefore
	if created < 0 {
		return fmt.Errorf("%w: log count shrank from %d to %d", ErrVerification, rep.LogsBefore, rep.LogsAfter)
	}
	if rep.PendingAfterSync != 0 {
		return fmt.Errorf("%w: %d logs still pending", ErrVerification, rep.PendingAfterSync)
	}
	if created > 0 && rep.IntelSummaries == 0 {
		return fmt.Errorf("%w: %d logs synced without an intel summary", ErrVerification, created)
	}
	return nil
}
