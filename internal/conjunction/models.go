package conjunction

import (
	"time"

	"github.com/google/uuid"
)

// Record is the ingest contract as delivered by the orchestration layer.
// Distances are in km, covariance in km², Δv in km/s.
type Record struct {
	CDMID             string     `json:"cdm_id,omitempty"`
	ObjectAID         string     `json:"object_a_id"`
	ObjectBID         string     `json:"object_b_id"`
	TCA               time.Time  `json:"tca"`
	MissDistanceKm    [2]float64 `json:"miss_distance_km"`
	Covariance        Covariance `json:"covariance_km2"`
	HardBodyRadiusKm  float64    `json:"hard_body_radius_km"`
	FuelBudgetKmS     float64    `json:"fuel_budget_km_s"`
	PerigeeAltitudeKm float64    `json:"perigee_altitude_km"`
	// ManeuverLeadTimeS is the burn-to-TCA interval; zero means policy default.
	ManeuverLeadTimeS float64 `json:"maneuver_lead_time_s,omitempty"`
}

// Covariance is the combined encounter-plane position covariance.
type Covariance struct {
	VarX  float64 `json:"var_x"`
	VarY  float64 `json:"var_y"`
	CovXY float64 `json:"cov_xy"`
}

// EventID identifies a conjunction. It is derived from the record so that a
// replayed CDM maps onto the same ledger entry.
type EventID uuid.UUID

func (id EventID) String() string { return uuid.UUID(id).String() }

func (id EventID) IsNil() bool { return uuid.UUID(id) == uuid.Nil }

func (id EventID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

func (id *EventID) UnmarshalText(b []byte) error {
	u, err := uuid.ParseBytes(b)
	if err != nil {
		return err
	}
	*id = EventID(u)
	return nil
}

// ParseEventID parses the textual form of an EventID.
func ParseEventID(s string) (EventID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return EventID{}, err
	}
	return EventID(u), nil
}

// Vec2 is a vector in the encounter plane (x in-track, y radial).
type Vec2 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Event is a validated, normalized conjunction. Immutable once ingested.
type Event struct {
	ID                EventID       `json:"event_id"`
	CDMID             string        `json:"cdm_id,omitempty"`
	ObjectAID         string        `json:"object_a_id"`
	ObjectBID         string        `json:"object_b_id"`
	TCA               time.Time     `json:"tca"`
	Miss              Vec2          `json:"miss_distance_km"`
	Covariance        Covariance    `json:"covariance_km2"`
	HardBodyRadiusKm  float64       `json:"hard_body_radius_km"`
	FuelBudgetKmS     float64       `json:"fuel_budget_km_s"`
	PerigeeAltitudeKm float64       `json:"perigee_altitude_km"`
	LeadTime          time.Duration `json:"lead_time"`
}
