package domain

import (
	"math"
	"slices"
	"strings"
)

// KPIStatus is the derived health band of a KPI.
type KPIStatus string

// KPIStatus values.
const (
	KPIStatusOnTrack  KPIStatus = "on-track"
	KPIStatusAtRisk   KPIStatus = "at-risk"
	KPIStatusOffTrack KPIStatus = "off-track"
)

// KPITrend is an informational direction marker.
type KPITrend string

// KPITrend values.
const (
	KPITrendUp     KPITrend = "up"
	KPITrendDown   KPITrend = "down"
	KPITrendStable KPITrend = "stable"
)

var validKPITrends = []KPITrend{KPITrendUp, KPITrendDown, KPITrendStable}

// KPI is a milestone-owned measurement with a derived status.
type KPI struct {
	ID      string
	Name    string
	Target  float64
	Current float64
	Unit    string
	Status  KPIStatus
	Trend   KPITrend
}

// KPIInput holds values used to create or replace a KPI. Status is always derived.
type KPIInput struct {
	ID      string
	Name    string
	Target  float64
	Current float64
	Unit    string
	Trend   KPITrend
}

// NewKPI validates input and derives status.
func NewKPI(in KPIInput) (KPI, error) {
	k := KPI{
		ID:      strings.TrimSpace(in.ID),
		Name:    strings.TrimSpace(in.Name),
		Target:  in.Target,
		Current: in.Current,
		Unit:    strings.TrimSpace(in.Unit),
		Trend:   in.Trend,
	}
	if k.Trend == "" {
		k.Trend = KPITrendStable
	}
	k.Status = KPIStatusFor(k.Current, k.Target)
	if err := k.Validate(); err != nil {
		return KPI{}, err
	}
	return k, nil
}

// Validate checks KPI invariants, including that status matches current/target.
func (k KPI) Validate() error {
	if k.ID == "" {
		return ErrInvalidID
	}
	if k.Name == "" {
		return ErrInvalidName
	}
	if math.IsNaN(k.Target) || math.IsInf(k.Target, 0) || k.Target <= 0 {
		return ErrInvalidKPITarget
	}
	if math.IsNaN(k.Current) || math.IsInf(k.Current, 0) || k.Current < 0 {
		return ErrInvalidKPICurrent
	}
	if !slices.Contains(validKPITrends, k.Trend) {
		return ErrInvalidTrend
	}
	if k.Status != KPIStatusFor(k.Current, k.Target) {
		return ErrInvalidStatus
	}
	return nil
}
