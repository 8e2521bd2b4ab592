package messaging

import (
	"context"
	"log/slog"
	"sync"

	"github.com/BTreeMap/ShoraBot/internal/metrics"
	"github.com/BTreeMap/ShoraBot/internal/models"
	"github.com/BTreeMap/ShoraBot/internal/store"
)

// InboundHandler consumes one inbound message, e.g. the conversation engine.
type InboundHandler interface {
	HandleInbound(ctx context.Context, msg models.InboundMessage) error
}

// InboundHandlerFunc adapts a function to InboundHandler.
type InboundHandlerFunc func(ctx context.Context, msg models.InboundMessage) error

func (f InboundHandlerFunc) HandleInbound(ctx context.Context, msg models.InboundMessage) error {
	return f(ctx, msg)
}

// Router drains a Service's inbound stream into a handler. Messages from the
// same sender are handled one at a time in arrival order; different senders
// proceed in parallel. Redelivered channel message IDs are dropped.
type Router struct {
	svc     Service
	dedup   store.DedupRepo
	handler InboundHandler

	mu    sync.Mutex
	lanes map[string][]models.InboundMessage
	wg    sync.WaitGroup
}

// NewRouter creates a Router. dedup may be nil to disable de-duplication.
func NewRouter(svc Service, dedup store.DedupRepo, handler InboundHandler) *Router {
	return &Router{
		svc:     svc,
		dedup:   dedup,
		handler: handler,
		lanes:   make(map[string][]models.InboundMessage),
	}
}

// Run consumes messages and receipts until ctx is cancelled or the service
// closes its channels, then waits for in-flight messages.
func (r *Router) Run(ctx context.Context) {
	defer r.wg.Wait()
	messages := r.svc.Messages()
	receipts := r.svc.Receipts()
	for messages != nil || receipts != nil {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-messages:
			if !ok {
				messages = nil
				continue
			}
			r.enqueue(ctx, msg)
		case rc, ok := <-receipts:
			if !ok {
				receipts = nil
				continue
			}
			slog.Debug("Router.Run: receipt", "to", rc.To, "status", rc.Status)
		}
	}
}

func (r *Router) enqueue(ctx context.Context, msg models.InboundMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if queue, busy := r.lanes[msg.From]; busy {
		r.lanes[msg.From] = append(queue, msg)
		return
	}
	r.lanes[msg.From] = []models.InboundMessage{msg}
	r.wg.Add(1)
	go r.drain(ctx, msg.From)
}

func (r *Router) drain(ctx context.Context, from string) {
	defer r.wg.Done()
	for {
		r.mu.Lock()
		queue := r.lanes[from]
		if len(queue) == 0 {
			delete(r.lanes, from)
			r.mu.Unlock()
			return
		}
		msg := queue[0]
		r.lanes[from] = queue[1:]
		r.mu.Unlock()

		r.Route(ctx, msg)
	}
}

// Route handles a single message synchronously: de-duplicate, invoke the
// handler, mark processed. Handler errors are logged, never propagated.
func (r *Router) Route(ctx context.Context, msg models.InboundMessage) {
	if msg.ID != "" && r.dedup != nil {
		fresh, err := r.dedup.RecordInbound(msg.ID, msg.From)
		if err != nil {
			slog.Warn("Router.Route: dedup record failed, processing anyway", "id", msg.ID, "error", err)
		} else if !fresh {
			slog.Info("Router.Route: dropping redelivered message", "id", msg.ID, "from", msg.From)
			metrics.RecordDuplicate()
			return
		}
	}
	metrics.RecordInbound(string(msg.ContentType))

	if err := r.handler.HandleInbound(ctx, msg); err != nil {
		slog.Error("Router.Route: handler failed", "from", msg.From, "error", err)
		return
	}
	if msg.ID != "" && r.dedup != nil {
		if err := r.dedup.MarkProcessed(msg.ID); err != nil {
			slog.Warn("Router.Route: mark processed failed", "id", msg.ID, "error", err)
		}
	}
}
