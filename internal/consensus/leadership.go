package consensus

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// barrierTimeout bounds how long a new leader waits for its store to
// catch up with the log.
const barrierTimeout = 10 * time.Second

type leaderState interface {
	IsLeader() bool
	Barrier(timeout time.Duration) error
}

// LeaderGate runs work only while the local node leads the cluster.
type LeaderGate struct {
	node     leaderState
	interval time.Duration
	log      zerolog.Logger

	// OnChange, when set, is called on every leadership transition.
	OnChange func(leader bool)
}

func NewLeaderGate(node leaderState, interval time.Duration, log zerolog.Logger) *LeaderGate {
	return &LeaderGate{
		node:     node,
		interval: interval,
		log:      log.With().Str("component", "leader_gate").Logger(),
	}
}

// Run waits for leadership and then calls fn. The context passed to fn is
// cancelled when leadership is lost, and fn is called again once it is
// regained. Run returns what fn returns when fn finishes while this node is
// still the leader, or ctx.Err() once ctx is done.
func (g *LeaderGate) Run(ctx context.Context, fn func(ctx context.Context) error) error {
	if g.interval <= 0 {
		return fmt.Errorf("invalid interval: %v", g.interval)
	}

	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()

	g.log.Info().Dur("interval", g.interval).Msg("waiting for leadership")

	for {
		if g.node.IsLeader() {
			finished, err := g.lead(ctx, ticker.C, fn)
			if finished {
				return err
			}
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// lead runs fn until it returns or leadership is lost. finished is false
// when fn was stopped because of lost leadership or when the local store
// could not catch up with the log. fn only starts once every entry
// committed by earlier leaders is applied locally.
func (g *LeaderGate) lead(ctx context.Context, tick <-chan time.Time, fn func(ctx context.Context) error) (finished bool, err error) {
	if err := g.node.Barrier(barrierTimeout); err != nil {
		g.log.Warn().Err(err).Msg("store has not caught up with the log, retrying")
		return false, nil
	}

	g.log.Info().Msg("acquired leadership")
	g.notify(true)

	leadCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- fn(leadCtx)
	}()

	for {
		select {
		case err := <-done:
			return true, err

		case <-ctx.Done():
			cancel()
			<-done
			return true, ctx.Err()

		case <-tick:
			if g.node.IsLeader() {
				continue
			}
			g.log.Warn().Msg("lost leadership, stopping work")
			cancel()
			<-done
			g.notify(false)
			return false, nil
		}
	}
}

func (g *LeaderGate) notify(leader bool) {
	if g.OnChange != nil {
		g.OnChange(leader)
	}
}
