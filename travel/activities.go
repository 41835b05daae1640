package travel

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/voyagekit/sagaflow"
)

// Activity names. Payments take the booking they charge for; cancellations
// take a CancellationRequest naming the reservation and any captured payment.
const (
	ActivityBookFlight   = "book-flight"
	ActivityBookHotel    = "book-hotel"
	ActivityBookCar      = "book-car"
	ActivityPayFlight    = "process-flight-payment"
	ActivityPayHotel     = "process-hotel-payment"
	ActivityPayCar       = "process-car-payment"
	ActivityCancelFlight = "cancel-flight"
	ActivityCancelHotel  = "cancel-hotel"
	ActivityCancelCar    = "cancel-car"
)

// CancellationRequest identifies the reservation to undo.
type CancellationRequest struct {
	Confirmation string `json:"confirmation"`
	PaymentRef   string `json:"payment_ref,omitempty"`
}

// Activities holds the side-effecting travel operations with their injected
// collaborators. Nothing here keeps state between calls.
type Activities struct {
	vendor   BookingVendor
	payments PaymentProcessor
	logger   *slog.Logger
}

// NewActivities wires the travel activities to a vendor and a payment
// processor.
func NewActivities(vendor BookingVendor, payments PaymentProcessor, logger *slog.Logger) *Activities {
	if logger == nil {
		logger = slog.Default()
	}
	return &Activities{vendor: vendor, payments: payments, logger: logger}
}

// Register adds all nine travel activities to the registry.
func (a *Activities) Register(reg *sagaflow.ActivityRegistry) error {
	entries := map[string]sagaflow.Activity{
		ActivityBookFlight:   sagaflow.NewActivity(a.bookFlight),
		ActivityBookHotel:    sagaflow.NewActivity(a.bookHotel),
		ActivityBookCar:      sagaflow.NewActivity(a.bookCar),
		ActivityPayFlight:    sagaflow.NewActivity(a.payFor("flight")),
		ActivityPayHotel:     sagaflow.NewActivity(a.payFor("hotel")),
		ActivityPayCar:       sagaflow.NewActivity(a.payFor("car")),
		ActivityCancelFlight: sagaflow.NewActivity(a.cancelFor("flight")),
		ActivityCancelHotel:  sagaflow.NewActivity(a.cancelFor("hotel")),
		ActivityCancelCar:    sagaflow.NewActivity(a.cancelFor("car")),
	}
	for name, fn := range entries {
		if err := reg.Register(name, fn); err != nil {
			return err
		}
	}
	return nil
}

func (a *Activities) bookFlight(ctx context.Context, req FlightRequest) (*Booking, error) {
	a.logger.Info("booking flight", "destination", req.Destination)
	booking, err := a.vendor.BookFlight(ctx, req)
	if err != nil {
		a.logger.Warn("flight booking failed", "destination", req.Destination, "error", err)
		return nil, fmt.Errorf("flight booking failed: %w", err)
	}
	a.logger.Info("flight booked", "confirmation", booking.Confirmation)
	return booking, nil
}

func (a *Activities) bookHotel(ctx context.Context, req HotelRequest) (*Booking, error) {
	a.logger.Info("booking hotel", "destination", req.Destination, "nights", req.Nights)
	booking, err := a.vendor.BookHotel(ctx, req)
	if err != nil {
		a.logger.Warn("hotel booking failed", "destination", req.Destination, "error", err)
		return nil, fmt.Errorf("hotel booking failed: %w", err)
	}
	a.logger.Info("hotel booked", "confirmation", booking.Confirmation)
	return booking, nil
}

func (a *Activities) bookCar(ctx context.Context, req CarRequest) (*Booking, error) {
	a.logger.Info("booking car hire", "destination", req.Destination, "days", req.Days)
	booking, err := a.vendor.BookCar(ctx, req)
	if err != nil {
		a.logger.Warn("car hire failed", "destination", req.Destination, "error", err)
		return nil, fmt.Errorf("car hire booking failed: %w", err)
	}
	a.logger.Info("car hired", "confirmation", booking.Confirmation)
	return booking, nil
}

func (a *Activities) payFor(service string) func(context.Context, Booking) (*Payment, error) {
	return func(ctx context.Context, booking Booking) (*Payment, error) {
		a.logger.Info("processing payment",
			"service", service, "booking_ref", booking.Confirmation, "amount", booking.Price)
		payment, err := a.payments.Charge(ctx, booking)
		if err != nil {
			a.logger.Warn("payment declined",
				"service", service, "booking_ref", booking.Confirmation, "error", err)
			return nil, err
		}
		a.logger.Info("payment captured",
			"service", service, "payment_ref", payment.PaymentRef)
		return payment, nil
	}
}

func (a *Activities) cancelFor(service string) func(context.Context, CancellationRequest) (*Cancellation, error) {
	return func(ctx context.Context, req CancellationRequest) (*Cancellation, error) {
		a.logger.Info("cancelling booking",
			"service", service, "booking_ref", req.Confirmation)
		if err := a.vendor.Cancel(ctx, req.Confirmation); err != nil {
			return nil, fmt.Errorf("cancel %s %s: %w", service, req.Confirmation, err)
		}
		if req.PaymentRef != "" {
			a.logger.Info("refunding payment",
				"service", service, "payment_ref", req.PaymentRef)
		}
		return &Cancellation{
			Cancelled:       true,
			BookingRef:      req.Confirmation,
			RefundedPayment: req.PaymentRef,
			Service:         service,
		}, nil
	}
}
