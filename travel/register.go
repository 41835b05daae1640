package travel

import (
	"log/slog"

	"github.com/voyagekit/sagaflow"
)

// Register adds the four travel orchestrators and their nine activities to
// the engine. The composite trip saga runs the default flight, hotel, car
// sequence.
func Register(engine *sagaflow.Engine, vendor BookingVendor, payments PaymentProcessor, logger *slog.Logger) error {
	if err := NewActivities(vendor, payments, logger).Register(engine.Activities()); err != nil {
		return err
	}

	orchestrators := map[string]sagaflow.Orchestrator{
		OrchestratorFlightBooking: bookingSaga(StageFlight, ActivityBookFlight, ActivityPayFlight, ActivityCancelFlight),
		OrchestratorHotelBooking:  bookingSaga(StageHotel, ActivityBookHotel, ActivityPayHotel, ActivityCancelHotel),
		OrchestratorCarBooking:    bookingSaga(StageCar, ActivityBookCar, ActivityPayCar, ActivityCancelCar),
		OrchestratorTravelBooking: tripSaga(DefaultTripPlan()),
	}
	for name, fn := range orchestrators {
		if err := engine.Orchestrators().Register(name, fn); err != nil {
			return err
		}
	}
	return nil
}
