package service

import (
	"slices"
	"testing"

	"github.com/berfenger/blackstartd/internal/core/domain"
	"github.com/stretchr/testify/assert"
)

func TestPowerBudget(t *testing.T) {
	// 50 kWh available over 1h, capped by 50 kW discharge limit
	assert.InDelta(t, 50.0, PowerBudget(testLoads(), 50, testBattery()), 1e-9)

	// 20 kWh over 1h
	assert.InDelta(t, 20.0, PowerBudget(testLoads(), 20, testBattery()), 1e-9)

	// longest runtime requirement wins
	loads := testLoads()
	loads[2].MinRuntime = 240
	assert.InDelta(t, 12.5, PowerBudget(loads, 50, testBattery()), 1e-9)

	// no runtime constraint
	for i := range loads {
		loads[i].MinRuntime = 0
	}
	assert.InDelta(t, 50.0, PowerBudget(loads, 10, testBattery()), 1e-9)
}

func TestPlanLoadAllocationAllFit(t *testing.T) {
	alloc := PlanLoadAllocation(testLoads(), 50, testBattery())

	assert.Equal(t, []string{"P1", "P2", "P3"}, alloc.Active)
	assert.Empty(t, alloc.Shed)
	assert.InDelta(t, 50.0, alloc.AvailablePower, 1e-9)
	assert.InDelta(t, 18.0, alloc.AllocatedPower, 1e-9)
	assert.False(t, alloc.OverBudget())

	// reproducible
	assert.Equal(t, alloc, PlanLoadAllocation(testLoads(), 50, testBattery()))
}

func TestPlanLoadAllocationShedsLowestPriority(t *testing.T) {
	// budget 16 kW: P1 + P2 fit, P3 does not
	alloc := PlanLoadAllocation(testLoads(), 16, testBattery())

	assert.Equal(t, []string{"P1", "P2"}, alloc.Active)
	assert.Equal(t, []string{"P3"}, alloc.Shed)
	assert.False(t, alloc.OverBudget())
}

func TestPlanLoadAllocationEvictsForMandatoryLoad(t *testing.T) {
	loads := []domain.CriticalLoad{
		{Id: "A", Power: 6, Priority: 1, MinRuntime: 60, CanShed: true},
		{Id: "B", Power: 4, Priority: 2, MinRuntime: 60, CanShed: true},
		{Id: "C", Power: 8, Priority: 3, MinRuntime: 60, CanShed: false},
	}
	// budget 12 kW: A + B accepted, C forces eviction of B then A
	alloc := PlanLoadAllocation(loads, 12, testBattery())

	assert.Equal(t, []string{"C"}, alloc.Active)
	assert.Equal(t, []string{"B", "A"}, alloc.Shed)
	assert.InDelta(t, 8.0, alloc.AllocatedPower, 1e-9)
	assert.False(t, alloc.OverBudget())
}

func TestPlanLoadAllocationMandatoryOverBudget(t *testing.T) {
	loads := []domain.CriticalLoad{
		{Id: "M1", Power: 10, Priority: 1, MinRuntime: 60, CanShed: false},
		{Id: "S1", Power: 2, Priority: 2, MinRuntime: 60, CanShed: true},
		{Id: "M2", Power: 10, Priority: 3, MinRuntime: 60, CanShed: false},
	}
	alloc := PlanLoadAllocation(loads, 15, testBattery())

	assert.Equal(t, []string{"M1", "M2"}, alloc.Active)
	assert.Equal(t, []string{"S1"}, alloc.Shed)
	assert.True(t, alloc.OverBudget())
}

func TestPlanLoadAllocationPartitions(t *testing.T) {
	loads := testLoads()
	loads = append(loads,
		domain.CriticalLoad{Id: "P4", Power: 7, Priority: 2, MinRuntime: 30, CanShed: true},
		domain.CriticalLoad{Id: "P5", Power: 1, Priority: 5, MinRuntime: 120, CanShed: true},
	)
	for _, soc := range []float64{0, 5, 10, 18, 25, 50, 80, 100} {
		alloc := PlanLoadAllocation(loads, soc, testBattery())

		all := append(slices.Clone(alloc.Active), alloc.Shed...)
		slices.Sort(all)
		assert.Equal(t, []string{"P1", "P2", "P3", "P4", "P5"}, all, "soc %v", soc)
		for _, id := range alloc.Active {
			assert.NotContains(t, alloc.Shed, id, "soc %v", soc)
		}
		// mandatory loads are never shed
		assert.Contains(t, alloc.Active, "P1", "soc %v", soc)

		// active loads are in priority order
		prev := 0
		for _, id := range alloc.Active {
			idx := slices.IndexFunc(loads, func(l domain.CriticalLoad) bool { return l.Id == id })
			assert.GreaterOrEqual(t, loads[idx].Priority, prev, "soc %v", soc)
			prev = loads[idx].Priority
		}

		// P1 is walked first, so no eviction happens here. A more important
		// sheddable load is only dropped when it is larger than the headroom a
		// less important active one fitted into.
		for _, a := range loads {
			if !a.CanShed || !slices.Contains(alloc.Shed, a.Id) {
				continue
			}
			for _, b := range loads {
				if !b.CanShed || a.Priority >= b.Priority || !slices.Contains(alloc.Active, b.Id) {
					continue
				}
				assert.Greater(t, a.Power, b.Power, "soc %v: %s shed while %s active", soc, a.Id, b.Id)
			}
		}
	}
}

func TestPlanLoadAllocationRespectsPriority(t *testing.T) {
	// equal sized sheddable loads: whenever B is active every more important A is active
	loads := []domain.CriticalLoad{{Id: "M", Power: 4, Priority: 1, MinRuntime: 60, CanShed: false}}
	for i, id := range []string{"S1", "S2", "S3", "S4", "S5"} {
		loads = append(loads, domain.CriticalLoad{Id: id, Power: 4, Priority: i + 2, MinRuntime: 60, CanShed: true})
	}
	for soc := 0.0; soc <= 100; soc += 3 {
		alloc := PlanLoadAllocation(loads, soc, testBattery())
		for _, a := range loads[1:] {
			for _, b := range loads[1:] {
				if a.Priority < b.Priority && slices.Contains(alloc.Active, b.Id) {
					assert.Contains(t, alloc.Active, a.Id, "soc %v: %s active but %s not", soc, b.Id, a.Id)
				}
			}
		}
	}
}

func TestAllActive(t *testing.T) {
	alloc := AllActive(testLoads(), 5, testBattery())
	assert.Equal(t, []string{"P1", "P2", "P3"}, alloc.Active)
	assert.Empty(t, alloc.Shed)
	assert.True(t, alloc.OverBudget())
}

func TestSelectEmergencyShed(t *testing.T) {
	load, ok := SelectEmergencyShed(testLoads(), []string{"P1", "P2", "P3"})
	assert.True(t, ok)
	assert.Equal(t, "P3", load.Id)

	load, ok = SelectEmergencyShed(testLoads(), []string{"P1", "P2"})
	assert.True(t, ok)
	assert.Equal(t, "P2", load.Id)

	_, ok = SelectEmergencyShed(testLoads(), []string{"P1"})
	assert.False(t, ok)

	// ties go to the last configured load
	loads := []domain.CriticalLoad{
		{Id: "X", Priority: 4, CanShed: true},
		{Id: "Y", Priority: 4, CanShed: true},
	}
	load, ok = SelectEmergencyShed(loads, []string{"X", "Y"})
	assert.True(t, ok)
	assert.Equal(t, "Y", load.Id)
}
