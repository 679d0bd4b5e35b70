package metrics

import (
	"context"

	"github.com/kinshell/kinshell/internal/transport"
	"github.com/kinshell/kinshell/pkg/types"
)

type wrappedTransport struct {
	inner transport.Transport
	c     *Collector
}

// WrapTransport counts sends through inner.
func WrapTransport(inner transport.Transport, c *Collector) transport.Transport {
	if inner == nil {
		return nil
	}
	if c == nil {
		c = New()
	}
	return &wrappedTransport{inner: inner, c: c}
}

func (w *wrappedTransport) Send(ctx context.Context, channelID, text string) error {
	err := w.inner.Send(ctx, channelID, text)
	if err != nil {
		w.c.messagesSendErr.Add(1)
		return err
	}
	w.c.messagesSent.Add(1)
	return nil
}

func (w *wrappedTransport) Participants(ctx context.Context, channelID string) ([]types.Participant, error) {
	return w.inner.Participants(ctx, channelID)
}

func (w *wrappedTransport) Channels(ctx context.Context) ([]types.Chat, error) {
	return w.inner.Channels(ctx)
}
