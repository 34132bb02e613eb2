// Package driverabitest provides a shared contract-test suite that verifies
// any driverabi.Handle implementation -- a real dynamically-loaded driver or
// an in-process fake used by controller tests -- behaves correctly against
// the same behavioral contract.
package driverabitest

import (
	"context"
	"testing"

	"github.com/monisens/monisens/pkg/driverabi"
	"github.com/monisens/monisens/pkg/models"
)

// TestHandleContract runs the shared behavioral suite against a Handle
// produced by factory. Call this from both the fake driver's test file and
// (with a build tag gating on an actual .so under test) the loader's.
//
//	func TestContract(t *testing.T) {
//	    driverabitest.TestHandleContract(t, func() driverabi.Handle { return fakedriver.New() })
//	}
func TestHandleContract(t *testing.T, factory func() driverabi.Handle) {
	t.Helper()
	ctx := context.Background()

	t.Run("ObtainConnectParams_returns_unique_ids", func(t *testing.T) {
		h := factory()
		defer h.Close()

		params, err := h.ObtainConnectParams(ctx)
		if err != nil {
			t.Fatalf("ObtainConnectParams() error = %v", err)
		}
		seen := make(map[int32]bool)
		for _, p := range params {
			if seen[p.ID] {
				t.Errorf("duplicate conf entry id %d", p.ID)
			}
			seen[p.ID] = true
		}
	})

	t.Run("connect_then_configure_then_sensor_types", func(t *testing.T) {
		h := factory()
		defer h.Close()

		params, err := h.ObtainConnectParams(ctx)
		if err != nil {
			t.Fatalf("ObtainConnectParams() error = %v", err)
		}
		if err := h.Connect(ctx, zeroValueEntries(params)); err != nil {
			t.Fatalf("Connect() error = %v", err)
		}

		confInfo, err := h.ObtainConfInfo(ctx)
		if err != nil {
			t.Fatalf("ObtainConfInfo() error = %v", err)
		}
		if err := h.Configure(ctx, zeroValueEntries(confInfo)); err != nil {
			t.Fatalf("Configure() error = %v", err)
		}

		sensors, err := h.ObtainSensorTypes(ctx)
		if err != nil {
			t.Fatalf("ObtainSensorTypes() error = %v", err)
		}
		for _, s := range sensors {
			if s.Name == "" {
				t.Error("sensor with empty name")
			}
			if len(s.Fields) == 0 {
				t.Errorf("sensor %q declares no fields", s.Name)
			}
		}
	})

	t.Run("start_stop_close_lifecycle", func(t *testing.T) {
		h := factory()

		var received []models.SensorMsg
		sink := func(msg models.SensorMsg) { received = append(received, msg) }

		if err := h.Start(ctx, sink); err != nil {
			t.Fatalf("Start() error = %v", err)
		}
		if err := h.Stop(ctx); err != nil {
			t.Fatalf("Stop() error = %v", err)
		}
		if err := h.Close(); err != nil {
			t.Fatalf("Close() error = %v", err)
		}
	})

	t.Run("stop_without_start_does_not_panic", func(t *testing.T) {
		h := factory()
		defer h.Close()
		if err := h.Stop(ctx); err != nil {
			t.Fatalf("Stop() without Start error = %v", err)
		}
	})
}

// zeroValueEntries builds a minimal ConfEntry tree satisfying def, using
// each field's default where present and a zero value otherwise. It lets
// the contract suite drive Connect/Configure without knowing a specific
// driver's parameter semantics.
func zeroValueEntries(def []driverabi.ConfInfoEntry) []driverabi.ConfEntry {
	entries := make([]driverabi.ConfEntry, 0, len(def))
	for _, d := range def {
		e := driverabi.ConfEntry{ID: d.ID, Kind: d.Kind}
		switch d.Kind {
		case driverabi.ConfKindSection:
			e.Section = zeroValueEntries(d.Section)
		case driverabi.ConfKindString:
			if d.String.Default != nil {
				e.String = *d.String.Default
			}
		case driverabi.ConfKindInt:
			if d.Int.Default != nil {
				e.Int = *d.Int.Default
			}
		case driverabi.ConfKindIntRange:
			e.IntRangeFrom, e.IntRangeTo = d.IntRange.Min, d.IntRange.Max
			if d.IntRange.DefFrom != nil {
				e.IntRangeFrom = *d.IntRange.DefFrom
			}
			if d.IntRange.DefTo != nil {
				e.IntRangeTo = *d.IntRange.DefTo
			}
		case driverabi.ConfKindFloat:
			if d.Float.Default != nil {
				e.Float = *d.Float.Default
			}
		case driverabi.ConfKindFloatRange:
			e.FloatRangeFrom, e.FloatRangeTo = d.FloatRange.Min, d.FloatRange.Max
			if d.FloatRange.DefFrom != nil {
				e.FloatRangeFrom = *d.FloatRange.DefFrom
			}
			if d.FloatRange.DefTo != nil {
				e.FloatRangeTo = *d.FloatRange.DefTo
			}
		case driverabi.ConfKindJSON:
			if d.JSON.Default != nil {
				e.JSON = *d.JSON.Default
			}
		case driverabi.ConfKindChoiceList:
			if d.ChoiceList.Default != nil {
				e.ChoiceID = *d.ChoiceList.Default
			} else if len(d.ChoiceList.Choices) > 0 {
				e.ChoiceID = 1
			}
		}
		entries = append(entries, e)
	}
	return entries
}
