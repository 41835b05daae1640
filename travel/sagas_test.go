package travel

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voyagekit/sagaflow"
)

// scriptedPayments declines exactly the listed services and approves the
// rest, so failure scenarios are deterministic.
type scriptedPayments struct {
	decline map[string]bool
}

func (p *scriptedPayments) Charge(_ context.Context, booking Booking) (*Payment, error) {
	if p.decline[booking.Service] {
		return nil, sagaflow.Businessf("payment declined for %s %s", booking.Service, booking.Confirmation)
	}
	return &Payment{
		PaymentRef: fmt.Sprintf("PAY-%s-%s", booking.Service, booking.Confirmation),
		Amount:     booking.Price,
		Currency:   "USD",
		Status:     "completed",
		BookingRef: booking.Confirmation,
	}, nil
}

// startTravelEngine runs an engine with the travel sagas registered against
// a reliable vendor (only the guaranteed failure rules apply).
func startTravelEngine(t *testing.T, payments PaymentProcessor) *sagaflow.Client {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	engine := sagaflow.NewEngine(sagaflow.NewMemoryHistoryStore(), sagaflow.Options{Logger: logger})
	vendor := NewSimulatedVendor(VendorConfig{Seed: 42})
	require.NoError(t, Register(engine, vendor, payments, logger))

	engine.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = engine.Shutdown(ctx)
	})
	return sagaflow.NewClient(engine)
}

func runTrip(t *testing.T, client *sagaflow.Client, req TripRequest) TripResult {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	id, err := client.ScheduleNewOrchestration(ctx, OrchestratorTravelBooking, req, sagaflow.ScheduleOptions{})
	require.NoError(t, err)

	state, err := client.WaitForCompletion(ctx, id)
	require.NoError(t, err)
	require.Equal(t, sagaflow.StatusCompleted, state.Status)

	var result TripResult
	require.NoError(t, json.Unmarshal(state.Output, &result))
	return result
}

func TestTripSagaAllStagesSucceed(t *testing.T) {
	client := startTravelEngine(t, &scriptedPayments{})

	result := runTrip(t, client, TripRequest{Destination: "Paris", Nights: 5, TravelDate: "2026-10-01"})

	assert.Equal(t, StatusSuccess, result.Status)
	assert.Equal(t, "Paris", result.Destination)
	assert.Empty(t, result.Compensations)

	require.Len(t, result.Bookings, 3)
	for _, stage := range []string{StageFlight, StageHotel, StageCar} {
		sub, ok := result.Bookings[stage]
		require.True(t, ok, "missing %s booking", stage)
		assert.Equal(t, StatusSuccess, sub.Status)
		require.NotNil(t, sub.Booking, "%s booking missing", stage)
		require.NotNil(t, sub.Payment, "%s payment missing", stage)
		assert.Equal(t, "completed", sub.Payment.Status)
		assert.Equal(t, sub.Booking.Confirmation, sub.Payment.BookingRef)
	}
}

func TestTripSagaFirstStageFailsWithoutCompensation(t *testing.T) {
	client := startTravelEngine(t, &scriptedPayments{})

	// Flights to Atlantis never book, so nothing exists to roll back.
	result := runTrip(t, client, TripRequest{Destination: "Atlantis", Nights: 3})

	assert.Equal(t, StatusFailed, result.Status)
	assert.Equal(t, StageFlight, result.Stage)
	assert.NotEmpty(t, result.Error)
	assert.Empty(t, result.Compensations)
	assert.Empty(t, result.Bookings)
}

func TestTripSagaLastStageFailureRollsBackInReverseOrder(t *testing.T) {
	client := startTravelEngine(t, &scriptedPayments{decline: map[string]bool{"car": true}})

	result := runTrip(t, client, TripRequest{Destination: "Paris", Nights: 4})

	assert.Equal(t, StatusFailed, result.Status)
	assert.Equal(t, StageCar, result.Stage)
	assert.Contains(t, result.Error, "payment")

	// Two completed stages, two compensations, hotel first then flight.
	require.Len(t, result.Compensations, 2)
	assert.Equal(t, "hotel", result.Compensations[0].Service)
	assert.Equal(t, "flight", result.Compensations[1].Service)
	for _, comp := range result.Compensations {
		assert.True(t, comp.Cancelled)
		assert.NotEmpty(t, comp.BookingRef)
		assert.NotEmpty(t, comp.RefundedPayment, "completed stages were paid, so rollback refunds them")
	}
}

func TestTripSagaMiddleStageFailureCompensatesEarlierStages(t *testing.T) {
	client := startTravelEngine(t, &scriptedPayments{})

	// 15 nights trips the hotel's hard rejection rule after the flight has
	// already booked: exactly one compensation, for the flight.
	result := runTrip(t, client, TripRequest{Destination: "Paris", Nights: 15})

	assert.Equal(t, StatusFailed, result.Status)
	assert.Equal(t, StageHotel, result.Stage)
	require.Len(t, result.Compensations, 1)
	assert.Equal(t, "flight", result.Compensations[0].Service)
	assert.True(t, result.Compensations[0].Cancelled)
}

func TestBookingSagaPaymentFailureCompensates(t *testing.T) {
	client := startTravelEngine(t, &scriptedPayments{decline: map[string]bool{"flight": true}})

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	id, err := client.ScheduleNewOrchestration(ctx, OrchestratorFlightBooking,
		FlightRequest{Destination: "Paris"}, sagaflow.ScheduleOptions{})
	require.NoError(t, err)

	state, err := client.WaitForCompletion(ctx, id)
	require.NoError(t, err)
	require.Equal(t, sagaflow.StatusCompleted, state.Status)

	var result SagaResult
	require.NoError(t, json.Unmarshal(state.Output, &result))
	assert.Equal(t, StatusFailed, result.Status)
	assert.Equal(t, "flight", result.Service)
	assert.True(t, result.Compensated)
	assert.Contains(t, result.Error, "payment failed")
	require.NotNil(t, result.Compensation)
	assert.True(t, result.Compensation.Cancelled)
	assert.NotEmpty(t, result.Compensation.BookingRef)
}

func TestBookingSagaBookingFailureNeedsNoCompensation(t *testing.T) {
	client := startTravelEngine(t, &scriptedPayments{})

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	id, err := client.ScheduleNewOrchestration(ctx, OrchestratorCarBooking,
		CarRequest{Destination: "Antarctica", Days: 2}, sagaflow.ScheduleOptions{})
	require.NoError(t, err)

	state, err := client.WaitForCompletion(ctx, id)
	require.NoError(t, err)

	var result SagaResult
	require.NoError(t, json.Unmarshal(state.Output, &result))
	assert.Equal(t, StatusFailed, result.Status)
	assert.Equal(t, "car", result.Service)
	assert.False(t, result.Compensated, "a booking that never happened has nothing to roll back")
	assert.Nil(t, result.Compensation)
}

func TestBookingSagaSuccess(t *testing.T) {
	client := startTravelEngine(t, &scriptedPayments{})

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	id, err := client.ScheduleNewOrchestration(ctx, OrchestratorHotelBooking,
		HotelRequest{Destination: "Lisbon", Nights: 2}, sagaflow.ScheduleOptions{})
	require.NoError(t, err)

	state, err := client.WaitForCompletion(ctx, id)
	require.NoError(t, err)

	var result SagaResult
	require.NoError(t, json.Unmarshal(state.Output, &result))
	assert.Equal(t, StatusSuccess, result.Status)
	assert.Equal(t, "hotel", result.Service)
	require.NotNil(t, result.Payment)
	assert.Equal(t, "completed", result.Payment.Status)
	assert.Equal(t, result.Booking.Confirmation, result.Payment.BookingRef)
}
