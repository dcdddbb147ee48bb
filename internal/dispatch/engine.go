package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chatwire/chatwire/internal/metrics"
	"github.com/chatwire/chatwire/internal/presence"
	"github.com/chatwire/chatwire/internal/store"
	"github.com/chatwire/chatwire/pkg/wire"
)

var ErrValidation = errors.New("message validation failed")

const (
	ReasonPersistFailed = "persist_failed"
	ReasonServerBusy    = "server_busy"
)

type persistJob struct {
	msg    *store.Message
	tempID string
}

// Engine owns the message send protocol. The text path delivers to a live
// receiver before persistence confirms; the attachment path persists first
// and fans out only on success. Persistence runs on a bounded queue drained
// by a single worker, so confirmations reach a sender in submit order and a
// stalled store stalls only the pending acknowledgments, never the registry.
type Engine struct {
	registry *presence.Registry
	store    store.MessageStore
	logger   *slog.Logger

	jobs           chan persistJob
	persistTimeout time.Duration
	workerWG       sync.WaitGroup
}

type Options struct {
	QueueSize      int
	PersistTimeout time.Duration
}

func NewEngine(logger *slog.Logger, registry *presence.Registry, st store.MessageStore, opts Options) *Engine {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1024
	}
	if opts.PersistTimeout <= 0 {
		opts.PersistTimeout = 5 * time.Second
	}
	e := &Engine{
		registry:       registry,
		store:          st,
		logger:         logger.With(slog.String("component", "dispatch_engine")),
		jobs:           make(chan persistJob, opts.QueueSize),
		persistTimeout: opts.PersistTimeout,
	}
	e.workerWG.Add(1)
	go e.persistWorker()
	return e
}

// SendText runs the optimistic text path. Invalid input is dropped without
// a client-visible signal; that is the real-time policy, the HTTP boundary
// rejects the equivalent explicitly.
func (e *Engine) SendText(senderID, receiverID, body, tempID string) {
	body = strings.TrimSpace(body)
	if body == "" || receiverID == "" {
		metrics.SendsDropped.WithLabelValues("validation").Inc()
		e.logger.Debug("dropping invalid send", slog.String("senderID", senderID))
		return
	}

	// The durable id and timestamp exist before any transmission so the
	// delivered copy and the persisted record are the same message.
	msg := &store.Message{
		ID:         uuid.NewString(),
		SenderID:   senderID,
		ReceiverID: receiverID,
		Body:       body,
		CreatedAt:  time.Now().UTC(),
	}

	select {
	case e.jobs <- persistJob{msg: msg, tempID: tempID}:
	default:
		metrics.SendsDropped.WithLabelValues("queue_full").Inc()
		e.logger.Warn("persist queue full, rejecting send", slog.String("senderID", senderID))
		e.notifySender(senderID, wire.EventSendFailed, wire.SendFailed{TempID: tempID, Reason: ReasonServerBusy})
		return
	}
	metrics.MessagesSent.WithLabelValues("text").Inc()

	// Deliver ahead of persistence when the receiver is online. Calls
	// arrive on the sender's read pump and land on the receiver's ordered
	// send channel, so per-pair delivery order matches call order.
	e.deliver(receiverID, msg)
}

// SendAttachment runs the persist-first path. The caller awaits the result;
// fan-out to both parties happens only after the record is durable.
func (e *Engine) SendAttachment(ctx context.Context, senderID, receiverID, attachmentRef, body string) (*store.Message, error) {
	if receiverID == "" || attachmentRef == "" {
		return nil, ErrValidation
	}

	msg := &store.Message{
		ID:            uuid.NewString(),
		SenderID:      senderID,
		ReceiverID:    receiverID,
		Body:          strings.TrimSpace(body),
		AttachmentRef: attachmentRef,
		CreatedAt:     time.Now().UTC(),
	}

	persistCtx, cancel := context.WithTimeout(ctx, e.persistTimeout)
	defer cancel()
	if err := e.store.CreateMessage(persistCtx, msg); err != nil {
		metrics.PersistFailures.Inc()
		return nil, err
	}
	metrics.MessagesSent.WithLabelValues("attachment").Inc()

	e.deliver(receiverID, msg)
	// The sender's other clients render the attachment from the same event.
	e.deliver(senderID, msg)
	return msg, nil
}

// Close drains the persist queue and stops the worker.
func (e *Engine) Close() {
	close(e.jobs)
	e.workerWG.Wait()
}

func (e *Engine) persistWorker() {
	defer e.workerWG.Done()
	for job := range e.jobs {
		ctx, cancel := context.WithTimeout(context.Background(), e.persistTimeout)
		err := e.store.CreateMessage(ctx, job.msg)
		cancel()

		if err != nil {
			metrics.PersistFailures.Inc()
			e.logger.Error("failed to persist message",
				slog.String("messageID", job.msg.ID), slog.Any("error", err))
			// The receiver's already-delivered copy is not retracted; only
			// the sender learns about the failure.
			e.notifySender(job.msg.SenderID, wire.EventSendFailed,
				wire.SendFailed{TempID: job.tempID, Reason: ReasonPersistFailed})
			continue
		}

		e.notifySender(job.msg.SenderID, wire.EventSendConfirmed,
			wire.SendConfirmed{MessageRecord: job.msg.Record(), TempID: job.tempID})
	}
}

func (e *Engine) deliver(userID string, msg *store.Message) {
	peer, ok := e.registry.Lookup(userID)
	if !ok {
		return
	}
	frame, err := wire.Encode(wire.EventMessageDelivered, msg.Record())
	if err != nil {
		e.logger.Error("failed to encode delivery", slog.Any("error", err))
		return
	}
	peer.Send(frame)
	metrics.MessagesDelivered.Inc()
}

func (e *Engine) notifySender(senderID, event string, payload any) {
	peer, ok := e.registry.Lookup(senderID)
	if !ok {
		return
	}
	frame, err := wire.Encode(event, payload)
	if err != nil {
		e.logger.Error("failed to encode sender notification", slog.Any("error", err))
		return
	}
	peer.Send(frame)
}
