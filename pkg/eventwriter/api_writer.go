package eventwriter

import (
	"context"
	"log/slog"
	"time"

	"github.com/inngest/dbcursor/pkg/stream"
	"github.com/inngest/inngestgo"
)

const sendTimeout = 10 * time.Second

func NewAPIClientWriter(
	batchSize int,
	client inngestgo.Client,
	log *slog.Logger,
) EventWriter {
	return NewCallbackWriter(batchSize, DefaultBatchTimeout, func(batch []stream.ResultEvent) error {
		return send(client, batch)
	}, log)
}

func send(client inngestgo.Client, batch []stream.ResultEvent) error {
	// Always use a new cancel here so that when we quit polling
	// the HTTP request continues.
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()

	if len(batch) == 0 {
		return nil
	}

	evts := make([]any, len(batch))
	for i, r := range batch {
		evts[i] = ResultToEvent(r)
	}

	_, err := client.SendMany(ctx, evts)
	return err
}
