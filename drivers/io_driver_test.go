package drivers

import "testing"

func TestGetPinDriverByName(t *testing.T) {
	tests := []struct {
		driver PinDriver
		want   string
	}{
		{&GpIO{}, "gpio"},
		{&McpIO{}, "mcpio"},
		{&PeriphIO{}, "periph"},
		{&MockIoDriver{}, "mock_driver"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			got := tt.driver.String()
			if got != tt.want {
				t.Errorf("got %s want %s", got, tt.want)
			}
			if _, mapped := MapAllPinDrivers()[tt.want]; !mapped {
				t.Errorf("driver %s not mapped", tt.want)
			}
		})
	}

	if _, mapped := MapAllPinDrivers()["shelly"]; mapped {
		t.Error("unexpected driver shelly mapped")
	}
}

func TestDriversRejectCallsBeforeSetup(t *testing.T) {
	for _, driver := range []PinDriver{&GpIO{}, &McpIO{}, &PeriphIO{}} {
		t.Run(driver.String(), func(t *testing.T) {
			if driver.IsReady() {
				t.Error("driver ready before Setup")
			}
			if err := driver.SetMode(1, ModeOutput); err == nil {
				t.Error("got nil error from SetMode before Setup")
			}
			if err := driver.SetState(1, true); err == nil {
				t.Error("got nil error from SetState before Setup")
			}
		})
	}
}

func TestPinModeString(t *testing.T) {
	if ModeOutput.String() != "output" || ModeInput.String() != "input" {
		t.Errorf("unexpected mode names: %s %s", ModeOutput, ModeInput)
	}
}
