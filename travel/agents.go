// Package travel implements the travel-booking sagas: three per-service
// booking orchestrations (flight, hotel, car hire) and one composite trip
// orchestration that runs them in sequence and rolls back completed bookings
// in reverse order when a later step fails.
//
// All external side effects (vendor reservations, payment capture) live in
// activities behind the BookingVendor and PaymentProcessor interfaces; the
// orchestrator functions themselves stay deterministic.
package travel

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/voyagekit/sagaflow"
)

// Booking is a vendor reservation. Payment activities take a Booking as
// input so the charge is always tied to a concrete confirmation.
type Booking struct {
	Confirmation string  `json:"confirmation"`
	Service      string  `json:"service"`
	Destination  string  `json:"destination"`
	Detail       string  `json:"detail,omitempty"`
	Price        float64 `json:"price"`
}

// Payment is a captured charge for a booking.
type Payment struct {
	PaymentRef string  `json:"payment_ref"`
	Amount     float64 `json:"amount"`
	Currency   string  `json:"currency"`
	Status     string  `json:"status"`
	BookingRef string  `json:"booking_ref"`
}

// Cancellation is the record of a compensating action. Refunds are implied
// when a payment reference is present.
type Cancellation struct {
	Cancelled       bool   `json:"cancelled"`
	BookingRef      string `json:"booking_ref"`
	RefundedPayment string `json:"refunded_payment,omitempty"`
	Service         string `json:"service"`
}

// FlightRequest asks for a flight to a destination.
type FlightRequest struct {
	Destination string `json:"destination"`
	TravelDate  string `json:"travel_date,omitempty"`
}

// HotelRequest asks for a hotel stay.
type HotelRequest struct {
	Destination string `json:"destination"`
	Nights      int    `json:"nights"`
	CheckIn     string `json:"check_in,omitempty"`
}

// CarRequest asks for a car hire.
type CarRequest struct {
	Destination string `json:"destination"`
	Days        int    `json:"days"`
}

// BookingVendor is the outward-facing reservation system. Implementations
// may be slow and may fail; a returned *sagaflow.BusinessError means the
// vendor rejected the request and retrying is pointless.
type BookingVendor interface {
	BookFlight(ctx context.Context, req FlightRequest) (*Booking, error)
	BookHotel(ctx context.Context, req HotelRequest) (*Booking, error)
	BookCar(ctx context.Context, req CarRequest) (*Booking, error)
	Cancel(ctx context.Context, confirmation string) error
}

// PaymentProcessor captures charges for bookings. A declined charge is
// reported as a *sagaflow.BusinessError so saga logic compensates instead
// of the worker pool retrying.
type PaymentProcessor interface {
	Charge(ctx context.Context, booking Booking) (*Payment, error)
}

// VendorConfig tunes the simulated vendor's failure behavior.
type VendorConfig struct {
	// FlightFailureRate is the probability a flight booking is rejected.
	FlightFailureRate float64
	// HotelFailureRate is the probability a hotel booking is rejected.
	HotelFailureRate float64
	// CarFailureRate is the probability a car hire is rejected.
	CarFailureRate float64
	// Seed seeds the vendor's random source.
	Seed int64
	// Clock supplies reservation timestamps. Defaults to time.Now.
	Clock func() time.Time
}

// DefaultVendorConfig returns the failure rates the demo runs with.
func DefaultVendorConfig() VendorConfig {
	return VendorConfig{
		FlightFailureRate: 0.20,
		HotelFailureRate:  0.15,
		CarFailureRate:    0.25,
		Seed:              time.Now().UnixNano(),
	}
}

// SimulatedVendor is an in-process BookingVendor with configurable random
// rejection. Two requests always fail regardless of the configured rates:
// flights to Atlantis and car hire in Antarctica; hotel stays over 14 nights
// are likewise always rejected.
type SimulatedVendor struct {
	cfg VendorConfig

	mu  sync.Mutex
	rng *rand.Rand
}

// NewSimulatedVendor creates a vendor with the given config.
func NewSimulatedVendor(cfg VendorConfig) *SimulatedVendor {
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &SimulatedVendor{
		cfg: cfg,
		rng: rand.New(rand.NewSource(cfg.Seed)),
	}
}

func (v *SimulatedVendor) BookFlight(_ context.Context, req FlightRequest) (*Booking, error) {
	ref := v.reference("FL")
	if strings.EqualFold(req.Destination, "Atlantis") || v.roll(v.cfg.FlightFailureRate) {
		return nil, sagaflow.Businessf("flight to %s unavailable, no carriers serve this route (ref %s)", req.Destination, ref)
	}
	return &Booking{
		Confirmation: ref,
		Service:      "flight",
		Destination:  req.Destination,
		Detail:       fmt.Sprintf("flight VK%d departing %s", v.intn(900)+100, orDefault(req.TravelDate, "next available")),
		Price:        float64(v.intn(751) + 150),
	}, nil
}

func (v *SimulatedVendor) BookHotel(_ context.Context, req HotelRequest) (*Booking, error) {
	ref := v.reference("HT")
	nights := req.Nights
	if nights <= 0 {
		nights = 3
	}
	if nights > 14 || v.roll(v.cfg.HotelFailureRate) {
		return nil, sagaflow.Businessf("no rooms available in %s for %d nights (ref %s)", req.Destination, nights, ref)
	}
	perNight := float64(v.intn(171) + 80)
	return &Booking{
		Confirmation: ref,
		Service:      "hotel",
		Destination:  req.Destination,
		Detail:       fmt.Sprintf("%d nights from %s", nights, orDefault(req.CheckIn, "tomorrow")),
		Price:        perNight * float64(nights),
	}, nil
}

func (v *SimulatedVendor) BookCar(_ context.Context, req CarRequest) (*Booking, error) {
	ref := v.reference("CR")
	days := req.Days
	if days <= 0 {
		days = 3
	}
	if strings.EqualFold(req.Destination, "Antarctica") || v.roll(v.cfg.CarFailureRate) {
		return nil, sagaflow.Businessf("no vehicles available in %s (ref %s)", req.Destination, ref)
	}
	perDay := float64(v.intn(91) + 30)
	return &Booking{
		Confirmation: ref,
		Service:      "car",
		Destination:  req.Destination,
		Detail:       fmt.Sprintf("car hire for %d days", days),
		Price:        perDay * float64(days),
	}, nil
}

// Cancel releases a reservation. The simulated vendor always accepts.
func (v *SimulatedVendor) Cancel(_ context.Context, _ string) error {
	return nil
}

func (v *SimulatedVendor) reference(prefix string) string {
	return fmt.Sprintf("%s-%s-%03d", prefix, v.cfg.Clock().Format("20060102150405"), v.intn(900)+100)
}

func (v *SimulatedVendor) roll(rate float64) bool {
	if rate <= 0 {
		return false
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.rng.Float64() < rate
}

func (v *SimulatedVendor) intn(n int) int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.rng.Intn(n)
}

// SimulatedPayments is a PaymentProcessor that declines a configurable
// fraction of charges, the way a real processor rejects a card now and then.
type SimulatedPayments struct {
	// DeclineRate is the probability a charge is declined.
	DeclineRate float64
	// Clock supplies payment timestamps. Defaults to time.Now.
	Clock func() time.Time

	mu  sync.Mutex
	rng *rand.Rand
}

// NewSimulatedPayments creates a processor with the given decline rate.
func NewSimulatedPayments(declineRate float64, seed int64) *SimulatedPayments {
	return &SimulatedPayments{
		DeclineRate: declineRate,
		Clock:       time.Now,
		rng:         rand.New(rand.NewSource(seed)),
	}
}

func (p *SimulatedPayments) Charge(_ context.Context, booking Booking) (*Payment, error) {
	p.mu.Lock()
	declined := p.DeclineRate > 0 && p.rng.Float64() < p.DeclineRate
	suffix := p.rng.Intn(900) + 100
	p.mu.Unlock()

	if declined {
		return nil, sagaflow.Businessf("payment declined for %s %s, card ending in **4242 was rejected by the processor",
			booking.Service, booking.Confirmation)
	}

	code := strings.ToUpper(booking.Service)
	if len(code) > 2 {
		code = code[:2]
	}
	return &Payment{
		PaymentRef: fmt.Sprintf("PAY-%s-%s-%03d", code, p.Clock().Format("20060102150405"), suffix),
		Amount:     booking.Price,
		Currency:   "USD",
		Status:     "completed",
		BookingRef: booking.Confirmation,
	}, nil
}

func orDefault(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
