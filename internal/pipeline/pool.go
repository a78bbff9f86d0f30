package pipeline

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Message is one path's outcome as reported by the pool. A failed or
// panicking computation arrives with a nil Result and a non-nil Err.
type Message struct {
	PathID int64
	Result *PathResult
	Err    error
}

// PathFunc computes one path.
type PathFunc func(ctx context.Context, pathID int64) (*PathResult, error)

// Pool runs path computations in a sliding window of fixed width.
type Pool struct {
	workers int
	logger  *zap.Logger
}

// NewPool returns a pool running at most workers paths at once.
func NewPool(workers int, logger *zap.Logger) *Pool {
	if workers < 1 {
		workers = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{workers: workers, logger: logger}
}

// Run dispatches every path and returns a channel delivering one Message per
// path in completion order. The channel is closed after the last message.
// Once ctx is cancelled, paths not yet started report ctx.Err().
func (p *Pool) Run(ctx context.Context, ids []int64, fn PathFunc) <-chan Message {
	out := make(chan Message, p.workers)
	go func() {
		defer close(out)
		var g errgroup.Group
		g.SetLimit(p.workers)
		for _, id := range ids {
			if err := ctx.Err(); err != nil {
				out <- Message{PathID: id, Err: err}
				continue
			}
			g.Go(func() error {
				out <- p.runOne(ctx, id, fn)
				return nil
			})
		}
		_ = g.Wait()
	}()
	return out
}

func (p *Pool) runOne(ctx context.Context, id int64, fn PathFunc) (msg Message) {
	msg.PathID = id
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("path computation panicked",
				zap.Int64("path_id", id), zap.Any("panic", r), zap.Stack("stack"))
			msg.Result = nil
			msg.Err = fmt.Errorf("path %d: panic: %v", id, r)
		}
	}()
	msg.Result, msg.Err = fn(ctx, id)
	if msg.Err != nil {
		msg.Result = nil
	}
	return msg
}
