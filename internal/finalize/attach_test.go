package finalize

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seantiz/switchyard/internal/engine"
	"github.com/seantiz/switchyard/internal/llm"
	"github.com/seantiz/switchyard/internal/model"
	"github.com/seantiz/switchyard/internal/workers"
)

func TestAttachPersistsFinalMessage(t *testing.T) {
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	threads := newFakeThreads()
	reg, err := workers.NewRegistry(workers.DefaultCatalog().Workers, nil)
	require.NoError(t, err)

	eng := engine.NewEngine(engine.DefaultConfig(), engine.Deps{
		Workers: reg,
		Model:   llm.Answer("4"),
		Threads: threads,
		Logger:  logger,
	})
	b := New(threads, WithLogger(logger), WithRetryDelay(time.Millisecond))
	stop := b.Attach(eng)

	id, err := eng.Submit(context.Background(), engine.Request{Text: "What's 2+2?", ThreadID: "t-attach"})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return b.Posted(context.Background(), id) }, 5*time.Second, 10*time.Millisecond)
	eng.Wait()
	stop()

	// A poller finalizing afterwards must not write a second answer.
	exec, err := eng.GetStatus(context.Background(), id)
	require.NoError(t, err)
	out, err := b.PersistFinal(context.Background(), exec)
	require.NoError(t, err)
	assert.Equal(t, OutcomeAlreadyPosted, out)

	msgs, err := threads.ReadRecentMessages(context.Background(), "t-attach", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, model.RoleHuman, msgs[0].Role())
	assert.Equal(t, model.RoleAI, msgs[1].Role())
	assert.Equal(t, "4", msgs[1].Text())
}

func TestAttachFinalizesEveryExecutionUnderLoad(t *testing.T) {
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	threads := newFakeThreads()
	reg, err := workers.NewRegistry(workers.DefaultCatalog().Workers, nil)
	require.NoError(t, err)

	eng := engine.NewEngine(engine.DefaultConfig(), engine.Deps{
		Workers: reg,
		Model:   llm.Echo(),
		Threads: threads,
		Logger:  logger,
	})
	b := New(threads, WithLogger(logger), WithRetryDelay(time.Millisecond))
	stop := b.Attach(eng)

	const n = 2000
	ids := make([]string, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Go(func() {
			id, err := eng.Submit(context.Background(), engine.Request{
				Text:     fmt.Sprintf("request %d", i),
				ThreadID: fmt.Sprintf("t-load-%d", i),
			})
			assert.NoError(t, err)
			ids[i] = id
		})
	}
	wg.Wait()
	eng.Wait()
	stop()

	for i, id := range ids {
		require.NotEmpty(t, id)
		assert.True(t, b.Posted(context.Background(), id), "execution %d not finalized", i)
		msgs, err := threads.ReadRecentMessages(context.Background(), fmt.Sprintf("t-load-%d", i), 0)
		require.NoError(t, err)
		assert.Len(t, msgs, 2, "thread %d", i)
	}
}
