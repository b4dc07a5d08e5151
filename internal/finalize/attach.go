package finalize

import (
	"context"
	"sync"
	"time"

	"github.com/seantiz/switchyard/internal/engine"
	"github.com/seantiz/switchyard/internal/model"
)

// attachTimeout bounds one background finalization.
const attachTimeout = 30 * time.Second

// Attach persists the final message of every execution that completes or
// fails on eng. It hooks the engine's terminal transition directly, so no
// execution is missed under load, and it races safely with PersistFinal
// calls made by pollers. The returned function stops listening and waits for
// in-flight writes.
func (b *Bridge) Attach(eng *engine.Engine) (stop func()) {
	var wg sync.WaitGroup
	remove := eng.OnFinished(func(exec *model.Execution) {
		if exec.Status != model.StatusCompleted && exec.Status != model.StatusFailed {
			return
		}
		wg.Go(func() {
			ctx, cancel := context.WithTimeout(context.Background(), attachTimeout)
			defer cancel()
			if _, err := b.PersistFinal(ctx, exec); err != nil {
				b.logger.Error("finalize execution", "execution_id", exec.ID, "error", err)
			}
		})
	})
	return func() {
		remove()
		wg.Wait()
	}
}
