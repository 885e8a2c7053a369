package service

import (
	"cmp"
	"math"
	"slices"

	"github.com/berfenger/blackstartd/internal/core/domain"
)

type LoadAllocation struct {
	// Active load ids in energization order (most important first).
	Active []string
	// Shed load ids in the order they were shed.
	Shed           []string
	AvailablePower float64 // kW budget used for the allocation
	AllocatedPower float64 // kW of active loads, may exceed the budget when mandatory loads force it
}

// OverBudget reports whether mandatory loads pushed the allocation past the power budget.
func (a LoadAllocation) OverBudget() bool {
	return a.AllocatedPower > a.AvailablePower
}

// SortByPriority returns a copy of loads ordered by ascending priority value.
// Loads with equal priority keep their configured order.
func SortByPriority(loads []domain.CriticalLoad) []domain.CriticalLoad {
	sorted := slices.Clone(loads)
	slices.SortStableFunc(sorted, func(a, b domain.CriticalLoad) int {
		return cmp.Compare(a.Priority, b.Priority)
	})
	return sorted
}

// PowerBudget computes the power the battery can sustain for the most
// runtime-constrained load: min(max discharge power, available energy / min runtime hours).
func PowerBudget(loads []domain.CriticalLoad, soc float64, battery domain.BatterySpec) float64 {
	maxDischarge := battery.MaxDischargePowerKW()
	minRuntimeHours := 0.0
	for _, l := range loads {
		minRuntimeHours = math.Max(minRuntimeHours, l.MinRuntime/60)
	}
	if minRuntimeHours <= 0 {
		return maxDischarge
	}
	availableEnergy := battery.EnergyKWh(soc)
	return math.Min(maxDischarge, availableEnergy/minRuntimeHours)
}

// PlanLoadAllocation partitions the configured loads into active and shed sets.
//
// Loads are walked in priority order and kept while they fit in the power
// budget. A sheddable load that does not fit is shed. A load that cannot be
// shed is always kept; lower importance sheddable loads already accepted are
// then evicted until the total fits again or nothing evictable remains, in
// which case the allocation stays over budget.
func PlanLoadAllocation(loads []domain.CriticalLoad, soc float64, battery domain.BatterySpec) LoadAllocation {
	budget := PowerBudget(loads, soc, battery)

	var active []domain.CriticalLoad
	shed := []string{}
	current := 0.0

	for _, load := range SortByPriority(loads) {
		if current+load.Power <= budget {
			active = append(active, load)
			current += load.Power
			continue
		}
		if load.CanShed {
			shed = append(shed, load.Id)
			continue
		}
		// mandatory load: force include, then evict
		active = append(active, load)
		current += load.Power
		for current > budget {
			idx := leastImportantSheddable(active)
			if idx < 0 {
				break
			}
			evicted := active[idx]
			active = slices.Delete(active, idx, idx+1)
			shed = append(shed, evicted.Id)
			current -= evicted.Power
		}
	}

	ids := make([]string, 0, len(active))
	for _, l := range active {
		ids = append(ids, l.Id)
	}
	return LoadAllocation{
		Active:         ids,
		Shed:           shed,
		AvailablePower: budget,
		AllocatedPower: current,
	}
}

// AllActive keeps every configured load energized. Used when load shedding is disabled.
func AllActive(loads []domain.CriticalLoad, soc float64, battery domain.BatterySpec) LoadAllocation {
	sorted := SortByPriority(loads)
	ids := make([]string, 0, len(sorted))
	total := 0.0
	for _, l := range sorted {
		ids = append(ids, l.Id)
		total += l.Power
	}
	return LoadAllocation{
		Active:         ids,
		Shed:           []string{},
		AvailablePower: PowerBudget(loads, soc, battery),
		AllocatedPower: total,
	}
}

// SelectEmergencyShed picks the active sheddable load with the numerically
// highest priority value. Ties go to the load configured last.
func SelectEmergencyShed(loads []domain.CriticalLoad, active []string) (domain.CriticalLoad, bool) {
	var (
		selected domain.CriticalLoad
		found    bool
	)
	for _, l := range loads {
		if !l.CanShed || !slices.Contains(active, l.Id) {
			continue
		}
		if !found || l.Priority >= selected.Priority {
			selected = l
			found = true
		}
	}
	return selected, found
}

func leastImportantSheddable(active []domain.CriticalLoad) int {
	idx := -1
	for i, l := range active {
		if !l.CanShed {
			continue
		}
		if idx < 0 || l.Priority >= active[idx].Priority {
			idx = i
		}
	}
	return idx
}
