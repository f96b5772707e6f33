package command

import (
	"testing"

	"github.com/devicemesh/topoctl/device"
)

func TestTargetStateTable(t *testing.T) {
	tests := []struct {
		name       string
		transition Transition
		want       device.State
	}{
		{"init device", InitDevice, device.InitializingDevice},
		{"run", Run, device.Running},
		{"stop returns to ready", Stop, device.Ready},
		{"reset device returns to idle", ResetDevice, device.Idle},
		{"end", End, device.Exiting},
		{"error found", ErrorFound, device.Error},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := TargetState(tt.transition)
			if !ok {
				t.Fatalf("transition %s not recognized", tt.transition)
			}
			if got != tt.want {
				t.Fatalf("TargetState(%s) = %s, want %s", tt.transition, got, tt.want)
			}
		})
	}
}

func TestEnvelopeRoundTrip(t *testing.T) {
	env := Envelope{
		Type:       TypeChangeState,
		Transition: Run,
		RequestID:  42,
	}

	data, err := env.Marshal()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	decoded, err := Unmarshal(data)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.Type != TypeChangeState || decoded.Transition != Run || decoded.RequestID != 42 {
		t.Fatalf("round trip mismatch: %+v", decoded)
	}
}

func TestUnmarshalRejectsMissingType(t *testing.T) {
	if _, err := Unmarshal([]byte(`{"request_id":1}`)); err == nil {
		t.Fatal("expected error for envelope missing type")
	}
}
