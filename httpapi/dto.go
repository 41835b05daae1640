package httpapi

import (
	"encoding/json"
	"time"

	"github.com/voyagekit/sagaflow"
)

// InstanceResponse is the wire form of an orchestration instance.
type InstanceResponse struct {
	ID            string          `json:"id"`
	Name          string          `json:"name"`
	Status        string          `json:"status"`
	Output        json.RawMessage `json:"output,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	LastUpdatedAt time.Time       `json:"last_updated_at"`
}

// ErrorResponse is the wire form of a failed request.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

func mapInstance(state *sagaflow.InstanceState) InstanceResponse {
	return InstanceResponse{
		ID:            state.ID,
		Name:          state.Name,
		Status:        state.Status.String(),
		Output:        state.Output,
		CreatedAt:     state.CreatedAt,
		LastUpdatedAt: state.LastUpdatedAt,
	}
}
