package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"med-dispatch/internal/dispatch"
	"med-dispatch/internal/domain/trip"
	"med-dispatch/internal/general/contracts"
	"med-dispatch/internal/general/logger"
	"med-dispatch/internal/ports"
)

// Handlers owns the background task implementations executed by the
// dispatcher: invoice generation, notification fan-out, availability reset and
// timeout flagging. Unknown trips are permanent failures; broker hiccups are
// retried by the dispatcher.
type Handlers struct {
	logger    *logger.Logger
	store     ports.TripStore
	publisher ports.EventPublisher
}

func New(log *logger.Logger, store ports.TripStore, publisher ports.EventPublisher) *Handlers {
	if log == nil {
		log = logger.Nop()
	}
	return &Handlers{logger: log, store: store, publisher: publisher}
}

// Register wires every task kind into the dispatcher.
func (h *Handlers) Register(d *dispatch.Dispatcher) {
	d.Handle(contracts.TaskGenerateInvoice, h.GenerateInvoice)
	d.Handle(contracts.TaskSendNotification, h.SendNotification)
	d.Handle(contracts.TaskResetAvailability, h.ResetAvailability)
	d.Handle(contracts.TaskFlagTimeout, h.FlagTimeout)
}

func tripIDOf(task dispatch.Task) (string, error) {
	id, _ := task.Payload["trip_id"].(string)
	if id == "" {
		return "", dispatch.Permanent(errors.New("task payload is missing trip_id"))
	}
	return id, nil
}

// GenerateInvoice publishes a billing request for a completed trip.
func (h *Handlers) GenerateInvoice(ctx context.Context, task dispatch.Task) error {
	tripID, err := tripIDOf(task)
	if err != nil {
		return err
	}

	t, err := h.store.GetTrip(ctx, tripID)
	if err != nil {
		if errors.Is(err, trip.ErrNotFound) {
			return dispatch.Permanent(err)
		}
		return err
	}

	msg := map[string]any{
		"trip_id":      t.ID,
		"patient_id":   t.PatientID,
		"status":       t.Status,
		"start_time":   t.StartTime,
		"end_time":     t.EndTime,
		"requested_at": time.Now().UTC(),
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return dispatch.Permanent(fmt.Errorf("encode billing request: %w", err))
	}

	if err := h.publisher.Publish(ctx, contracts.ExchangeDispatchTopic, contracts.RouteBillingInvoice, body); err != nil {
		return fmt.Errorf("publish billing request: %w", err)
	}

	h.logger.Info(ctx, "invoice_requested", "Billing request published", map[string]any{"trip_id": tripID})
	return nil
}

// SendNotification publishes a notification event routed by its kind.
func (h *Handlers) SendNotification(ctx context.Context, task dispatch.Task) error {
	tripID, err := tripIDOf(task)
	if err != nil {
		return err
	}
	kind, _ := task.Payload["kind"].(string)
	if kind == "" {
		return dispatch.Permanent(errors.New("notification payload is missing kind"))
	}

	body, err := json.Marshal(map[string]any{
		"trip_id": tripID,
		"kind":    kind,
		"sent_at": time.Now().UTC(),
	})
	if err != nil {
		return dispatch.Permanent(fmt.Errorf("encode notification: %w", err))
	}

	if err := h.publisher.Publish(ctx, contracts.ExchangeDispatchTopic, contracts.RouteNotifyPrefix+kind, body); err != nil {
		return fmt.Errorf("publish notification %s: %w", kind, err)
	}
	return nil
}

// ResetAvailability frees the trip's vehicle and driver and tells the fleet
// service about it.
func (h *Handlers) ResetAvailability(ctx context.Context, task dispatch.Task) error {
	tripID, err := tripIDOf(task)
	if err != nil {
		return err
	}

	if err := h.store.ResetAvailability(ctx, tripID); err != nil {
		if errors.Is(err, trip.ErrNotFound) {
			return dispatch.Permanent(err)
		}
		return err
	}

	body, err := json.Marshal(map[string]any{
		"trip_id":  tripID,
		"reset_at": time.Now().UTC(),
	})
	if err != nil {
		return dispatch.Permanent(fmt.Errorf("encode availability reset: %w", err))
	}

	if err := h.publisher.Publish(ctx, contracts.ExchangeDispatchTopic, contracts.RouteAvailability, body); err != nil {
		return fmt.Errorf("publish availability reset: %w", err)
	}
	return nil
}

// FlagTimeout appends the timeout alert note to the trip so dispatch staff see
// it on the record. A trip already flagged for the same deadline is left
// alone, so repeated sweeps over a long-stuck trip write one note, not one
// per sweep.
func (h *Handlers) FlagTimeout(ctx context.Context, task dispatch.Task) error {
	tripID, err := tripIDOf(task)
	if err != nil {
		return err
	}

	hours, _ := task.Payload["threshold_hours"].(float64)
	deadline, _ := task.Payload["deadline"].(string)

	if deadline != "" {
		t, err := h.store.GetTrip(ctx, tripID)
		if err != nil {
			if errors.Is(err, trip.ErrNotFound) {
				return dispatch.Permanent(err)
			}
			return err
		}
		if strings.Contains(t.Notes, "deadline "+deadline) {
			return nil
		}
	}

	flagged := time.Now().UTC().Format(time.RFC3339)
	note := fmt.Sprintf("[TIMEOUT ALERT] trip exceeded %.0fh in progress (flagged %s)", hours, flagged)
	if deadline != "" {
		note = fmt.Sprintf("[TIMEOUT ALERT] trip exceeded %.0fh in progress (deadline %s, flagged %s)",
			hours, deadline, flagged)
	}

	if err := h.store.FlagTimeout(ctx, tripID, note); err != nil {
		if errors.Is(err, trip.ErrNotFound) {
			return dispatch.Permanent(err)
		}
		return err
	}

	h.logger.Warn(ctx, "trip_timeout_flagged", "Trip flagged as timed out", map[string]any{"trip_id": tripID})
	return nil
}
