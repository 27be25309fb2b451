package messaging

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Envelope message types exchanged between ADMM workers over NATS subjects.
const (
	TypeVariableExchange = "admm.variable_exchange"
	TypeBarrierEnter     = "admm.barrier.enter"
	TypeBarrierRelease   = "admm.barrier.release"
	TypeAllReduceContrib = "admm.allreduce.contribution"
	TypeAllReduceResult  = "admm.allreduce.result"
	TypeSubproblemDone   = "admm.subproblem.done"
	TypeScreeningReport  = "admm.screening.report"
	TypeWorkerShutdown   = "admm.worker.shutdown"
)

// Envelope is the wire format for every message workers exchange: a
// self-describing header plus opaque payload bytes, so the transport layer
// never needs to know the shape of any particular collective's data.
type Envelope struct {
	ID        uuid.UUID        `json:"id"`
	Type      string           `json:"type"`
	Rank      int              `json:"rank"`
	Round     int              `json:"round"`
	Timestamp time.Time        `json:"timestamp"`
	Data      json.RawMessage  `json:"data"`
	Metadata  EnvelopeMetadata `json:"metadata"`
}

// EnvelopeMetadata carries routing and tracing context that isn't part of
// the payload itself.
type EnvelopeMetadata struct {
	CorrelationID string `json:"correlation_id"`
	Source        string `json:"source"`
}

// VariableExchangePayload carries one worker's shared boundary variables
// for a single ADMM round.
type VariableExchangePayload struct {
	ZoneIndex int       `json:"zone_index"`
	Iteration int       `json:"iteration"`
	Values    []float64 `json:"values"`
}

// AllReduceContribution carries one worker's local vector into a collective
// reduction; internal/comm sums these before broadcasting the result back.
type AllReduceContribution struct {
	Tag    string    `json:"tag"`
	Values []float64 `json:"values"`
}

// SubproblemDonePayload signals that a worker finished its local zonal
// subproblem solve for the current round, carrying enough of the result for
// the coordinator's convergence check without a second round trip.
type SubproblemDonePayload struct {
	ZoneIndex     int     `json:"zone_index"`
	Iteration     int     `json:"iteration"`
	ObjectiveCost string  `json:"objective_cost"` // decimal.Decimal string form
	PrimalNorm    float64 `json:"primal_norm"`
}

// ScreeningReportPayload carries the count of newly generated N-1 security
// constraints a screening pass found for one zone.
type ScreeningReportPayload struct {
	ZoneIndex       int `json:"zone_index"`
	ViolationsFound int `json:"violations_found"`
}

// NewEnvelope marshals data and wraps it in an Envelope ready to publish.
func NewEnvelope(msgType string, rank, round int, data interface{}, metadata EnvelopeMetadata) (*Envelope, error) {
	dataBytes, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}

	return &Envelope{
		ID:        uuid.New(),
		Type:      msgType,
		Rank:      rank,
		Round:     round,
		Timestamp: time.Now(),
		Data:      dataBytes,
		Metadata:  metadata,
	}, nil
}

// ParseEnvelopeData unmarshals an Envelope's payload into the given type.
func ParseEnvelopeData[T any](env *Envelope) (*T, error) {
	var data T
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return nil, err
	}
	return &data, nil
}
