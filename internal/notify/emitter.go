package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/peacepay/peacelink/internal/idgen"
)

var (
	notifyEmitTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "peacepay",
		Subsystem: "notify",
		Name:      "emit_total",
		Help:      "Total notification emit attempts by event type.",
	}, []string{"event_type"})

	notifyEmitErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "peacepay",
		Subsystem: "notify",
		Name:      "emit_errors_total",
		Help:      "Total notification emit failures by event type.",
	}, []string{"event_type"})
)

func init() {
	prometheus.MustRegister(notifyEmitTotal, notifyEmitErrors)
}

// Sink receives a copy of every emitted event. The realtime hub uses it
// to push events to connected WebSocket clients alongside webhook
// delivery.
type Sink interface {
	BroadcastLinkEvent(eventType string, data map[string]any)
}

// Emitter wraps a Dispatcher to emit lifecycle events across subsystems.
// All methods are fire-and-forget: errors are logged but never returned,
// so notification trouble cannot leak into a settlement's error path.
type Emitter struct {
	d      *Dispatcher
	sink   Sink
	logger *slog.Logger
}

// NewEmitter creates a notification emitter.
func NewEmitter(d *Dispatcher, logger *slog.Logger) *Emitter {
	return &Emitter{d: d, logger: logger}
}

// WithSink attaches a broadcast sink for realtime streaming.
func (e *Emitter) WithSink(s Sink) *Emitter {
	e.sink = s
	return e
}

func (e *Emitter) emit(userID string, eventType EventType, data map[string]any) {
	if e == nil || e.d == nil {
		return
	}
	if e.sink != nil {
		e.sink.BroadcastLinkEvent(string(eventType), data)
	}
	notifyEmitTotal.WithLabelValues(string(eventType)).Inc()
	event := &Event{
		ID:        idgen.WithPrefix("evt_"),
		Type:      eventType,
		Timestamp: time.Now(),
		Data:      data,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := e.d.DispatchToUser(ctx, userID, event); err != nil {
		notifyEmitErrors.WithLabelValues(string(eventType)).Inc()
		e.logger.Warn("notification emit failed", "event", eventType, "user", userID, "error", err)
	}
}

// EmitLinkCreated emits a peacelink.created event to the merchant.
func (e *Emitter) EmitLinkCreated(merchantID, linkID, reference, totalAmount string) {
	e.emit(merchantID, EventLinkCreated, map[string]any{
		"linkId":      linkID,
		"reference":   reference,
		"totalAmount": totalAmount,
	})
}

// EmitLinkApproved emits a peacelink.approved event to the merchant.
func (e *Emitter) EmitLinkApproved(merchantID, linkID, buyerID, heldAmount string) {
	e.emit(merchantID, EventLinkApproved, map[string]any{
		"linkId":     linkID,
		"buyerId":    buyerID,
		"heldAmount": heldAmount,
	})
}

// EmitLinkExpired emits a peacelink.expired event to the merchant.
func (e *Emitter) EmitLinkExpired(merchantID, linkID string) {
	e.emit(merchantID, EventLinkExpired, map[string]any{
		"linkId": linkID,
	})
}

// EmitLinkCanceled emits a peacelink.canceled event to both trading
// parties.
func (e *Emitter) EmitLinkCanceled(merchantID, buyerID, linkID, canceledBy, buyerRefund string) {
	data := map[string]any{
		"linkId":      linkID,
		"canceledBy":  canceledBy,
		"buyerRefund": buyerRefund,
	}
	e.emit(merchantID, EventLinkCanceled, data)
	if buyerID != "" {
		e.emit(buyerID, EventLinkCanceled, data)
	}
}

// EmitDspAssigned emits a peacelink.dsp_assigned event to the DSP.
func (e *Emitter) EmitDspAssigned(dspID, linkID, merchantID string) {
	e.emit(dspID, EventDspAssigned, map[string]any{
		"linkId":     linkID,
		"merchantId": merchantID,
	})
}

// EmitDspReassigned emits a peacelink.dsp_reassigned event to the
// replaced DSP.
func (e *Emitter) EmitDspReassigned(previousDspID, linkID, reason string) {
	e.emit(previousDspID, EventDspReassigned, map[string]any{
		"linkId": linkID,
		"reason": reason,
	})
}

// EmitOtpGenerated emits a peacelink.otp_generated event to the buyer.
// The payload never carries the code itself.
func (e *Emitter) EmitOtpGenerated(buyerID, linkID string, expiresAt time.Time) {
	e.emit(buyerID, EventOtpGenerated, map[string]any{
		"linkId":    linkID,
		"expiresAt": expiresAt,
	})
}

// EmitDeliveryConfirmed emits a peacelink.delivered event to the
// merchant.
func (e *Emitter) EmitDeliveryConfirmed(merchantID, linkID, merchantNet, dspNet string) {
	e.emit(merchantID, EventDeliveryConfirmed, map[string]any{
		"linkId":      linkID,
		"merchantNet": merchantNet,
		"dspNet":      dspNet,
	})
}

// EmitDisputeOpened emits a dispute.opened event to the merchant.
func (e *Emitter) EmitDisputeOpened(merchantID, linkID, disputeID, reason string) {
	e.emit(merchantID, EventDisputeOpened, map[string]any{
		"linkId":    linkID,
		"disputeId": disputeID,
		"reason":    reason,
	})
}

// EmitDisputeResolved emits a dispute.resolved event to both trading
// parties.
func (e *Emitter) EmitDisputeResolved(merchantID, buyerID, linkID, disputeID, resolution, buyerAmount, merchantAmount string) {
	data := map[string]any{
		"linkId":         linkID,
		"disputeId":      disputeID,
		"resolution":     resolution,
		"buyerAmount":    buyerAmount,
		"merchantAmount": merchantAmount,
	}
	e.emit(merchantID, EventDisputeResolved, data)
	if buyerID != "" {
		e.emit(buyerID, EventDisputeResolved, data)
	}
}

// EmitCashoutRequested emits a cashout.requested event to the user.
func (e *Emitter) EmitCashoutRequested(userID, requestID, amount, fee string) {
	e.emit(userID, EventCashoutRequested, map[string]any{
		"requestId": requestID,
		"amount":    amount,
		"fee":       fee,
	})
}

// EmitCashoutApproved emits a cashout.approved event to the user.
func (e *Emitter) EmitCashoutApproved(userID, requestID string) {
	e.emit(userID, EventCashoutApproved, map[string]any{
		"requestId": requestID,
	})
}

// EmitCashoutRejected emits a cashout.rejected event to the user.
func (e *Emitter) EmitCashoutRejected(userID, requestID, refunded, reason string) {
	e.emit(userID, EventCashoutRejected, map[string]any{
		"requestId": requestID,
		"refunded":  refunded,
		"reason":    reason,
	})
}

// EmitCashoutCompleted emits a cashout.completed event to the user.
func (e *Emitter) EmitCashoutCompleted(userID, requestID string) {
	e.emit(userID, EventCashoutCompleted, map[string]any{
		"requestId": requestID,
	})
}
