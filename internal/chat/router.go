package chat

import (
	"context"
	"log/slog"
)

// Router classifies inbound frames and dispatches them to the matching
// handler. A returned error never means the session should die; the session
// decides how to surface it.
type Router struct {
	service *Service
	metrics *Metrics
	log     *slog.Logger
}

func NewRouter(service *Service, metrics *Metrics, log *slog.Logger) *Router {
	return &Router{
		service: service,
		metrics: metrics,
		log:     log,
	}
}

func (r *Router) Dispatch(ctx context.Context, from Sender, raw []byte) error {
	in, err := DecodeFrame(raw)
	if err != nil {
		r.metrics.IncDropped()
		r.log.Warn("dropping malformed frame", "sessionId", from.SessionID, "error", err)
		return err
	}

	switch f := in.(type) {
	case ChatFrame:
		_, err := r.service.SendMessage(ctx, from, f.Body)
		return err
	case TypingFrame:
		r.service.SendTyping(ctx, from, f.IsTyping)
		return nil
	case ReadReceiptFrame:
		return r.service.MarkRead(ctx, from, f.MessageID)
	case UnknownFrame:
		// Forward-compatible: newer clients may speak frame types we
		// don't know yet.
		r.metrics.IncDropped()
		r.log.Debug("dropping unknown frame", "sessionId", from.SessionID, "frameType", f.Type)
		return nil
	}
	return nil
}
