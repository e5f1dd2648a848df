// Package conjunction validates raw conjunction records and turns them into
// immutable events the rest of the pipeline can trust.
package conjunction

import (
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	dErrors "orbitguard/pkg/domain-errors"
)

// eventNamespace scopes derived event IDs.
var eventNamespace = uuid.MustParse("6c1f3a52-8f7e-4d8e-9b1d-2f0c3e7a9d41")

// psdTolerance is the relative slack on the covariance determinant before a
// matrix is considered non-positive-semi-definite.
const psdTolerance = 1e-12

// MaxLeadTime caps maneuver_lead_time_s. The linearised drift model is
// meaningless beyond a screening window and larger values overflow Duration.
const MaxLeadTime = 7 * 24 * time.Hour

// Ingest validates rec and returns the normalized event. Every invalid field is
// reported, not just the first. defaultLead is used when rec carries no lead time.
func Ingest(rec Record, defaultLead time.Duration) (Event, error) {
	var bad []string

	objA := strings.TrimSpace(rec.ObjectAID)
	objB := strings.TrimSpace(rec.ObjectBID)
	if objA == "" {
		bad = append(bad, "object_a_id")
	}
	if objB == "" {
		bad = append(bad, "object_b_id")
	}
	if rec.TCA.IsZero() {
		bad = append(bad, "tca")
	}

	finite := func(name string, v float64) bool {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			bad = append(bad, name)
			return false
		}
		return true
	}
	finite("miss_distance_km[0]", rec.MissDistanceKm[0])
	finite("miss_distance_km[1]", rec.MissDistanceKm[1])
	if finite("covariance_km2.var_x", rec.Covariance.VarX) && rec.Covariance.VarX < 0 {
		bad = append(bad, "covariance_km2.var_x")
	}
	if finite("covariance_km2.var_y", rec.Covariance.VarY) && rec.Covariance.VarY < 0 {
		bad = append(bad, "covariance_km2.var_y")
	}
	finite("covariance_km2.cov_xy", rec.Covariance.CovXY)
	if finite("hard_body_radius_km", rec.HardBodyRadiusKm) && rec.HardBodyRadiusKm < 0 {
		bad = append(bad, "hard_body_radius_km")
	}
	if finite("fuel_budget_km_s", rec.FuelBudgetKmS) && rec.FuelBudgetKmS < 0 {
		bad = append(bad, "fuel_budget_km_s")
	}
	finite("perigee_altitude_km", rec.PerigeeAltitudeKm)
	if finite("maneuver_lead_time_s", rec.ManeuverLeadTimeS) &&
		(rec.ManeuverLeadTimeS < 0 || rec.ManeuverLeadTimeS > MaxLeadTime.Seconds()) {
		bad = append(bad, "maneuver_lead_time_s")
	}
	if len(bad) == 0 && !IsPSD(rec.Covariance) {
		bad = append(bad, "covariance_km2")
	}

	if len(bad) > 0 {
		return Event{}, dErrors.New(dErrors.CodeInvalidConjunctionData, "invalid conjunction data").WithFields(bad...)
	}

	lead := defaultLead
	if rec.ManeuverLeadTimeS > 0 {
		lead = time.Duration(rec.ManeuverLeadTimeS * float64(time.Second))
	}
	tca := rec.TCA.UTC()

	return Event{
		ID:                DeriveEventID(objA, objB, tca, rec.CDMID),
		CDMID:             strings.TrimSpace(rec.CDMID),
		ObjectAID:         objA,
		ObjectBID:         objB,
		TCA:               tca,
		Miss:              Vec2{X: rec.MissDistanceKm[0], Y: rec.MissDistanceKm[1]},
		Covariance:        rec.Covariance,
		HardBodyRadiusKm:  rec.HardBodyRadiusKm,
		FuelBudgetKmS:     rec.FuelBudgetKmS,
		PerigeeAltitudeKm: rec.PerigeeAltitudeKm,
		LeadTime:          lead,
	}, nil
}

// IsPSD reports whether the 2×2 covariance is positive semi-definite within a
// tolerance relative to its scale.
func IsPSD(c Covariance) bool {
	if c.VarX < 0 || c.VarY < 0 {
		return false
	}
	det := c.VarX*c.VarY - c.CovXY*c.CovXY
	scale := math.Max(c.VarX*c.VarY, c.CovXY*c.CovXY)
	return det >= -psdTolerance*scale
}

// DeriveEventID maps the identifying fields of a conjunction onto a stable ID.
func DeriveEventID(objA, objB string, tca time.Time, cdmID string) EventID {
	key := strings.Join([]string{
		strings.TrimSpace(objA),
		strings.TrimSpace(objB),
		strconv.FormatInt(tca.UTC().UnixNano(), 10),
		strings.TrimSpace(cdmID),
	}, "|")
	return EventID(uuid.NewSHA1(eventNamespace, []byte(key)))
}
