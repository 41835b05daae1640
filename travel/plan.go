package travel

import (
	"fmt"
	"sort"

	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"
)

// Stage is one step of a trip plan: the sub-orchestration that books it and
// the cancellation activity that undoes it during rollback.
type Stage struct {
	// Name identifies the stage in results and failure reports.
	Name string
	// Orchestrator is the name of the sub-orchestration that runs the stage.
	Orchestrator string
	// CancelActivity undoes the stage's booking when a later stage fails.
	CancelActivity string
	// After lists stage names that must complete before this one starts.
	After []string
	// Input derives this stage's sub-orchestration input from the trip
	// request. It must be deterministic.
	Input func(req TripRequest) any
}

// Plan is a validated, topologically ordered set of stages. Stages with no
// ordering constraint between them keep their declaration order, so the
// execution order of a plan is fully deterministic.
type Plan struct {
	stages []Stage
}

// NewPlan validates the stage dependencies and fixes the execution order.
// It fails on unknown dependency names, duplicate stage names, or cycles.
func NewPlan(stages ...Stage) (*Plan, error) {
	if len(stages) == 0 {
		return nil, fmt.Errorf("plan needs at least one stage")
	}

	byName := make(map[string]int64, len(stages))
	g := simple.NewDirectedGraph()
	for i, stage := range stages {
		if _, dup := byName[stage.Name]; dup {
			return nil, fmt.Errorf("duplicate stage %q", stage.Name)
		}
		byName[stage.Name] = int64(i)
		g.AddNode(simple.Node(int64(i)))
	}
	for i, stage := range stages {
		for _, dep := range stage.After {
			from, ok := byName[dep]
			if !ok {
				return nil, fmt.Errorf("stage %q depends on unknown stage %q", stage.Name, dep)
			}
			if from == int64(i) {
				return nil, fmt.Errorf("stage %q depends on itself", stage.Name)
			}
			g.SetEdge(simple.Edge{F: simple.Node(from), T: simple.Node(int64(i))})
		}
	}

	sorted, err := topo.SortStabilized(g, func(nodes []graph.Node) {
		// Tie-break by node id, which is declaration order.
		sort.Slice(nodes, func(i, j int) bool {
			return nodes[i].ID() < nodes[j].ID()
		})
	})
	if err != nil {
		return nil, fmt.Errorf("stage ordering failed (cycle detected?): %w", err)
	}

	ordered := make([]Stage, len(sorted))
	for i, node := range sorted {
		ordered[i] = stages[node.ID()]
	}
	return &Plan{stages: ordered}, nil
}

// Stages returns the stages in execution order.
func (p *Plan) Stages() []Stage {
	return p.stages
}

// DefaultTripPlan is the standard flight, hotel, car hire sequence.
func DefaultTripPlan() *Plan {
	plan, err := NewPlan(
		Stage{
			Name:           StageFlight,
			Orchestrator:   OrchestratorFlightBooking,
			CancelActivity: ActivityCancelFlight,
			Input: func(req TripRequest) any {
				return FlightRequest{Destination: req.Destination, TravelDate: req.TravelDate}
			},
		},
		Stage{
			Name:           StageHotel,
			Orchestrator:   OrchestratorHotelBooking,
			CancelActivity: ActivityCancelHotel,
			After:          []string{StageFlight},
			Input: func(req TripRequest) any {
				return HotelRequest{Destination: req.Destination, Nights: req.Nights, CheckIn: req.TravelDate}
			},
		},
		Stage{
			Name:           StageCar,
			Orchestrator:   OrchestratorCarBooking,
			CancelActivity: ActivityCancelCar,
			After:          []string{StageHotel},
			Input: func(req TripRequest) any {
				return CarRequest{Destination: req.Destination, Days: req.Nights}
			},
		},
	)
	if err != nil {
		panic(err)
	}
	return plan
}
