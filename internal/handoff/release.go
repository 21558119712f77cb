package handoff

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"opengrid.ai/internal/grid"
	"opengrid.ai/internal/scene"
)

// releaser runs the best-effort release and close calls. Each call gets its
// own goroutine and timeout; failures are logged and counted only.
type releaser struct {
	remote  Remote
	timeout time.Duration
	metrics *Metrics
	logger  *zap.Logger
	wg      sync.WaitGroup
}

func newReleaser(remote Remote, timeout time.Duration, metrics *Metrics, logger *zap.Logger) *releaser {
	return &releaser{
		remote:  remote,
		timeout: timeout,
		metrics: metrics,
		logger:  logger.With(zap.String("component", "release")),
	}
}

func (r *releaser) goBestEffort(op string, fields []zap.Field, fn func(ctx context.Context) error) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			r.metrics.releaseFailed()
			r.logger.Warn(op+" failed", append(fields, zap.Error(err))...)
			return
		}
		r.logger.Debug(op+" done", fields...)
	}()
}

// callback tells an origin simulator that its agent is now root here.
func (r *releaser) callback(url string) {
	r.goBestEffort("release callback", []zap.Field{zap.String("url", url)}, func(ctx context.Context) error {
		return r.remote.ReleaseAgent(ctx, url)
	})
}

// closeAgent drops a half-created agent at a destination.
func (r *releaser) closeAgent(region grid.Region, agentID, sessionID uuid.UUID) {
	fields := []zap.Field{zap.Stringer("agent_id", agentID), zap.String("region", region.Name)}
	r.goBestEffort("close agent", fields, func(ctx context.Context) error {
		return r.remote.CloseAgent(ctx, region, agentID, sessionID)
	})
}

// closeChildren closes the agent's children in every listed region.
func (r *releaser) closeChildren(regions []grid.Region, agentID, sessionID uuid.UUID) {
	if len(regions) == 0 {
		return
	}
	fields := []zap.Field{zap.Stringer("agent_id", agentID), zap.Int("regions", len(regions))}
	r.goBestEffort("close children", fields, func(ctx context.Context) error {
		var g errgroup.Group
		for _, reg := range regions {
			reg := reg
			g.Go(func() error {
				if err := r.remote.CloseAgent(ctx, reg, agentID, sessionID); err != nil {
					r.logger.Info("close child failed", zap.String("region", reg.Name), zap.Error(err))
					return err
				}
				return nil
			})
		}
		return g.Wait()
	})
}

func (r *releaser) wait() {
	r.wg.Wait()
}

// releaseLocal drops or demotes the agent in a scene this process hosts.
// A neighbour of the agent's new region keeps a child.
func releaseLocal(s *scene.Scene, agentID uuid.UUID, keepChild bool) error {
	if keepChild {
		return s.Demote(agentID)
	}
	if !s.Remove(agentID) {
		return scene.ErrNoAgent
	}
	return nil
}
