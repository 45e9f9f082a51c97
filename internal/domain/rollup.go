package domain

import "math"

const (
	// kpiOnTrackRatio is the inclusive lower bound of the on-track band.
	kpiOnTrackRatio = 0.90
	// kpiAtRiskRatio is the inclusive lower bound of the at-risk band.
	kpiAtRiskRatio = 0.70
)

// OverallProgress returns the rounded mean milestone progress, or 0 with no milestones.
func OverallProgress(milestones []Milestone) int {
	if len(milestones) == 0 {
		return 0
	}
	total := 0
	for _, m := range milestones {
		total += m.Progress
	}
	return int(math.Round(float64(total) / float64(len(milestones))))
}

// KPIStatusFor maps current/target onto a health band. A non-positive target is off-track.
func KPIStatusFor(current, target float64) KPIStatus {
	if target <= 0 || math.IsNaN(target) || math.IsNaN(current) {
		return KPIStatusOffTrack
	}
	ratio := current / target
	switch {
	case ratio >= kpiOnTrackRatio:
		return KPIStatusOnTrack
	case ratio >= kpiAtRiskRatio:
		return KPIStatusAtRisk
	default:
		return KPIStatusOffTrack
	}
}

// RecomputeStatus refreshes the derived status after current or target changed.
func (k *KPI) RecomputeStatus() {
	k.Status = KPIStatusFor(k.Current, k.Target)
}

// DeliverableCompletionRatio returns completed/total deliverables, or 0 when there are none.
// It is informational and never feeds milestone progress.
func DeliverableCompletionRatio(m Milestone) float64 {
	if len(m.Deliverables) == 0 {
		return 0
	}
	done := 0
	for _, d := range m.Deliverables {
		if d.Completed {
			done++
		}
	}
	return float64(done) / float64(len(m.Deliverables))
}

// Recompute refreshes every derived value of the project in place.
func Recompute(p *Project) {
	for i := range p.Milestones {
		for j := range p.Milestones[i].KPIs {
			p.Milestones[i].KPIs[j].RecomputeStatus()
		}
	}
	p.OverallProgress = OverallProgress(p.Milestones)
}
