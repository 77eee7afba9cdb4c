package hardware_test

import (
	"testing"

	"lockbox/internal/config"
	"lockbox/internal/hardware"
)

func TestSequenceCopiesOutputSettings(t *testing.T) {
	offset := 0.25
	stages := hardware.Sequence([]config.Stage{{
		Name:     "approach",
		Input:    "reflection",
		Setpoint: -1,
		Duration: 0.5,
		Outputs: map[string]config.StageOutput{
			"piezo": {LockOn: true, GainFactor: 0.5, Offset: &offset},
		},
	}})
	if len(stages) != 1 {
		t.Fatalf("stages = %v", stages)
	}
	st := stages[0]
	if st.Name != "approach" || st.Input != "reflection" || st.Setpoint != -1 || st.Duration != 0.5 {
		t.Fatalf("stage = %+v", st)
	}
	piezo := st.Outputs["piezo"]
	if !piezo.LockOn || piezo.GainFactor != 0.5 || piezo.Offset == nil || *piezo.Offset != 0.25 {
		t.Fatalf("piezo = %+v", piezo)
	}
}
