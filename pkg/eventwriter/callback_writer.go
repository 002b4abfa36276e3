package eventwriter

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/inngest/dbcursor/pkg/stream"
)

// NewCallbackWriter is a simple writer which calls a callback for each batch of
// results.  Batches are sent once full, or once batchTimeout passes without a new
// result arriving.  The last position of a batch is committed only if the callback
// succeeds.  A failed batch is retried until it succeeds or ctx is cancelled, and no
// further results are read while it is retried.
func NewCallbackWriter(
	batchSize int,
	batchTimeout time.Duration,
	onBatch func(batch []stream.ResultEvent) error,
	log *slog.Logger,
) EventWriter {
	if batchSize < 1 {
		batchSize = 1
	}
	if batchTimeout <= 0 {
		batchTimeout = DefaultBatchTimeout
	}
	if log == nil {
		log = slog.Default()
	}
	return &cbWriter{
		onBatch:      onBatch,
		cs:           make(chan stream.ResultEvent, batchSize),
		batchSize:    batchSize,
		batchTimeout: batchTimeout,
		log:          log,
	}
}

type cbWriter struct {
	onBatch func([]stream.ResultEvent) error

	cs           chan stream.ResultEvent
	batchSize    int
	batchTimeout time.Duration
	log          *slog.Logger

	wg sync.WaitGroup
}

func (a *cbWriter) Listen(ctx context.Context, committer Committer) chan stream.ResultEvent {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()

		buf := make([]stream.ResultEvent, 0, a.batchSize)
		// flush returns false if the batch could not be sent before ctx was
		// cancelled, after which nothing more may be committed.
		flush := func() bool {
			if len(buf) == 0 {
				return true
			}
			wait := RetryInterval
			for {
				err := a.onBatch(buf)
				if err == nil {
					break
				}
				a.log.Error("error sending batch", "error", err, "size", len(buf), "retry_in", wait)
				select {
				case <-ctx.Done():
					return false
				case <-time.After(wait):
				}
				wait = min(wait*2, MaxRetryInterval)
			}
			committer.Commit(buf[len(buf)-1].Position)
			buf = make([]stream.ResultEvent, 0, a.batchSize)
			return true
		}

		timer := time.NewTimer(a.batchTimeout)
		defer timer.Stop()

		for {
			select {
			case <-ctx.Done():
				// Shutting down.  Drain anything already published, then send the
				// existing batch.
			drain:
				for {
					select {
					case msg := <-a.cs:
						buf = append(buf, msg)
						if len(buf) == a.batchSize && !flush() {
							return
						}
					default:
						break drain
					}
				}
				flush()
				return
			case <-timer.C:
				// Force sending current batch
				if !flush() {
					return
				}
				timer.Reset(a.batchTimeout)
			case msg := <-a.cs:
				buf = append(buf, msg)
				if len(buf) == a.batchSize {
					// send this batch, as we're full.
					if !flush() {
						return
					}
				}
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(a.batchTimeout)
			}
		}
	}()
	return a.cs
}

func (a *cbWriter) Wait() {
	a.wg.Wait()
}
