package travel

import (
	"encoding/json"
	"fmt"

	"github.com/voyagekit/sagaflow"
)

// Orchestrator names.
const (
	OrchestratorTravelBooking = "travel-booking"
	OrchestratorFlightBooking = "flight-booking"
	OrchestratorHotelBooking  = "hotel-booking"
	OrchestratorCarBooking    = "car-hire-booking"
)

// Stage names reported by the composite saga.
const (
	StageFlight = "flight"
	StageHotel  = "hotel"
	StageCar    = "car"
)

// Result statuses.
const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// TripRequest is the composite saga's input.
type TripRequest struct {
	Destination string `json:"destination"`
	Nights      int    `json:"nights"`
	TravelDate  string `json:"travel_date,omitempty"`
}

// SagaResult is a per-service saga's output. Status is always "success" or
// "failed"; a failed result says whether the booking was compensated and,
// when it was, carries the cancellation record.
type SagaResult struct {
	Status       string        `json:"status"`
	Service      string        `json:"service"`
	Booking      *Booking      `json:"booking,omitempty"`
	Payment      *Payment      `json:"payment,omitempty"`
	Error        string        `json:"error,omitempty"`
	Compensated  bool          `json:"compensated"`
	Compensation *Cancellation `json:"compensation,omitempty"`
}

// TripResult is the composite saga's output. On failure it names the stage
// that failed and lists every compensation performed, in the order they ran
// (reverse of the original bookings).
type TripResult struct {
	Status        string                `json:"status"`
	Destination   string                `json:"destination,omitempty"`
	Stage         string                `json:"stage,omitempty"`
	Error         string                `json:"error,omitempty"`
	Bookings      map[string]SagaResult `json:"bookings,omitempty"`
	Compensations []Cancellation        `json:"compensations"`
}

// bookingSaga builds a per-service saga: book, then pay, and cancel the
// booking if the payment fails. A failed booking needs no compensation
// because no reservation exists yet.
func bookingSaga(service, bookActivity, payActivity, cancelActivity string) sagaflow.Orchestrator {
	return func(octx *sagaflow.OrchestrationContext) (json.RawMessage, error) {
		var input json.RawMessage
		if err := octx.GetInput(&input); err != nil {
			return nil, fmt.Errorf("read %s saga input: %w", service, err)
		}

		var booking Booking
		if err := octx.ScheduleActivity(bookActivity, input).Await(&booking); err != nil {
			return marshalResult(SagaResult{
				Status:  StatusFailed,
				Service: service,
				Error:   taskReason(err),
			})
		}

		var payment Payment
		if err := octx.ScheduleActivity(payActivity, booking).Await(&payment); err != nil {
			octx.Logger().Info("payment failed, compensating booking",
				"service", service, "booking_ref", booking.Confirmation)

			result := SagaResult{
				Status:      StatusFailed,
				Service:     service,
				Error:       fmt.Sprintf("payment failed: %s", taskReason(err)),
				Compensated: true,
			}
			var comp Cancellation
			cancelReq := CancellationRequest{Confirmation: booking.Confirmation}
			if cErr := octx.ScheduleActivity(cancelActivity, cancelReq).Await(&comp); cErr != nil {
				// Best effort: a failed cancellation is recorded, never
				// retried or compensated further.
				octx.Logger().Warn("compensation failed",
					"service", service, "booking_ref", booking.Confirmation, "error", cErr)
			} else {
				result.Compensation = &comp
			}
			return marshalResult(result)
		}

		return marshalResult(SagaResult{
			Status:  StatusSuccess,
			Service: service,
			Booking: &booking,
			Payment: &payment,
		})
	}
}

// completedStep is one rollback-stack entry of the composite saga.
type completedStep struct {
	stage  Stage
	result SagaResult
}

// tripSaga builds the composite saga over a plan. Stages run as
// sub-orchestrations in plan order; when one fails, every previously
// completed stage is compensated in reverse completion order before the
// failure is reported.
func tripSaga(plan *Plan) sagaflow.Orchestrator {
	return func(octx *sagaflow.OrchestrationContext) (json.RawMessage, error) {
		var req TripRequest
		if err := octx.GetInput(&req); err != nil {
			return nil, fmt.Errorf("read trip request: %w", err)
		}

		var completed []completedStep
		bookings := make(map[string]SagaResult)

		for _, stage := range plan.Stages() {
			var result SagaResult
			err := octx.ScheduleSubOrchestration(stage.Orchestrator, stage.Input(req)).Await(&result)

			if err != nil || result.Status != StatusSuccess {
				reason := result.Error
				if err != nil {
					reason = taskReason(err)
				}
				octx.Logger().Info("trip stage failed, rolling back",
					"stage", stage.Name, "completed_stages", len(completed))
				compensations := rollback(octx, completed)
				return marshalResult(TripResult{
					Status:        StatusFailed,
					Stage:         stage.Name,
					Error:         reason,
					Compensations: compensations,
				})
			}

			bookings[stage.Name] = result
			completed = append(completed, completedStep{stage: stage, result: result})
		}

		return marshalResult(TripResult{
			Status:        StatusSuccess,
			Destination:   req.Destination,
			Bookings:      bookings,
			Compensations: []Cancellation{},
		})
	}
}

// rollback compensates completed steps in reverse insertion order. Later
// bookings may depend on earlier ones, so they unwind like a transaction log.
func rollback(octx *sagaflow.OrchestrationContext, completed []completedStep) []Cancellation {
	compensations := []Cancellation{}
	for i := len(completed) - 1; i >= 0; i-- {
		step := completed[i]
		req := CancellationRequest{
			Confirmation: step.result.Booking.Confirmation,
			PaymentRef:   step.result.Payment.PaymentRef,
		}

		var comp Cancellation
		if err := octx.ScheduleActivity(step.stage.CancelActivity, req).Await(&comp); err != nil {
			octx.Logger().Warn("compensation failed",
				"stage", step.stage.Name, "booking_ref", req.Confirmation, "error", err)
			continue
		}
		compensations = append(compensations, comp)
	}
	return compensations
}

// taskReason extracts the recorded failure reason from an awaited task
// error, falling back to the error text.
func taskReason(err error) string {
	if tf, ok := err.(*sagaflow.TaskFailedError); ok && tf.Reason != "" {
		return tf.Reason
	}
	return err.Error()
}

// marshalResult serializes a saga result. The result types only hold
// marshal-safe fields, so a failure here is an orchestrator bug and faults
// the instance.
func marshalResult(v any) (json.RawMessage, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("serialize saga result: %w", err)
	}
	return raw, nil
}
