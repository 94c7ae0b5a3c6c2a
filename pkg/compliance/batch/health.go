package batch

import (
	"fmt"
	"sort"

	"github.com/Mindburn-Labs/helm/certwatch/pkg/compliance/record"
)

// HealthStatus grades one source group of a batch output.
type HealthStatus string

const (
	Healthy  HealthStatus = "healthy"
	Warning  HealthStatus = "warning"
	Critical HealthStatus = "critical"
)

// Minimum expected records per group, from historical runs.
var expectedMinimums = map[string]int{
	"NIST":            100,
	"ACVP":            50,
	"Common Criteria": 200,
	"ANSSI":           20,
}

const defaultMinimum = 10

// HealthCheck is the verdict for one group.
type HealthCheck struct {
	Group    string       `json:"group"`
	Status   HealthStatus `json:"status"`
	Records  int          `json:"records"`
	Previous int          `json:"previous"`
	Message  string       `json:"message,omitempty"`
}

// healthGroup buckets records the way authorities publish them: module
// validations, algorithm validations, then one bucket per CC source label.
// The French scheme counts as ANSSI whichever way it was collected.
func healthGroup(r record.ComplianceRecord) string {
	switch {
	case r.Type == record.TypeACVP:
		return "ACVP"
	case r.Source == record.SourceNIST:
		return "NIST"
	case r.Source == record.SchemeSource("FR"):
		return string(record.SourceANSSI)
	default:
		return string(r.Source)
	}
}

func countGroups(recs []record.ComplianceRecord) map[string]int {
	out := make(map[string]int)
	for _, r := range recs {
		out[healthGroup(r)]++
	}
	return out
}

// CheckHealth compares a new output with the previous one. A group is
// critical when it kept less than half of its records or vanished, and a
// warning when below its expected minimum.
func CheckHealth(current, previous []record.ComplianceRecord) []HealthCheck {
	cur := countGroups(current)
	prev := countGroups(previous)

	groups := make([]string, 0, len(cur))
	for g := range cur {
		groups = append(groups, g)
	}
	sort.Strings(groups)

	out := make([]HealthCheck, 0, len(groups))
	for _, g := range groups {
		n, p := cur[g], prev[g]
		minimum := expectedMinimums[g]
		if minimum == 0 {
			minimum = defaultMinimum
		}
		hc := HealthCheck{Group: g, Status: Healthy, Records: n, Previous: p}
		switch {
		case p > 0 && 2*n < p:
			hc.Status = Critical
			hc.Message = fmt.Sprintf("record count dropped 50%%+: %d -> %d", p, n)
		case n < minimum:
			hc.Status = Warning
			hc.Message = fmt.Sprintf("below expected minimum (%d): got %d", minimum, n)
		}
		out = append(out, hc)
	}

	var vanished []string
	for g, p := range prev {
		if cur[g] == 0 && p > 0 {
			vanished = append(vanished, g)
		}
	}
	sort.Strings(vanished)
	for _, g := range vanished {
		out = append(out, HealthCheck{
			Group:    g,
			Status:   Critical,
			Previous: prev[g],
			Message:  "source returned 0 records (was present before)",
		})
	}
	return out
}

// HasCritical reports whether any check is critical.
func HasCritical(checks []HealthCheck) bool {
	for _, c := range checks {
		if c.Status == Critical {
			return true
		}
	}
	return false
}
