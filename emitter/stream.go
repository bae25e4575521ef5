package emitter

import (
	"context"

	"github.com/gordian-engine/dragon/dpubsub"
	"github.com/pkg/errors"

	"peerbeacon/models"
)

// Observe calls fn for every result published on s, in order, until ctx is done.
func Observe(ctx context.Context, s *dpubsub.Stream[models.Result], fn func(models.Result)) error {
	for {
		select {
		case <-ctx.Done():
			return errors.WithStack(ctx.Err())
		case <-s.Ready:
			fn(s.Val)
			s = s.Next
		}
	}
}

// Results delivers results published after the call on a channel that is
// closed once ctx is done. A slow reader delays only itself.
func (e *Emitter) Results(ctx context.Context) <-chan models.Result {
	s := e.PartnerEmitter()
	ch := make(chan models.Result)
	go func() {
		defer close(ch)
		_ = Observe(ctx, s, func(r models.Result) {
			select {
			case ch <- r:
			case <-ctx.Done():
			}
		})
	}()
	return ch
}
