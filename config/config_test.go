package config

import "testing"

func TestDefaultCartesianConfigIsWellFormed(t *testing.T) {
	cfg := DefaultCartesianConfig()
	if cfg.Kinematics != "cartesian" {
		t.Errorf("Kinematics = %q, want cartesian", cfg.Kinematics)
	}
	if len(cfg.Axes) != 4 {
		t.Errorf("want 4 axes, got %d", len(cfg.Axes))
	}
	for name, a := range cfg.Axes {
		if a.StepsPerMM <= 0 {
			t.Errorf("axis %q has non-positive steps_per_mm", name)
		}
		if a.MaxAccel <= 0 {
			t.Errorf("axis %q has non-positive max_accel", name)
		}
	}
	if len(cfg.Sessions) != 1 {
		t.Errorf("want 1 session, got %d", len(cfg.Sessions))
	}
}

func TestApplyDefaultsFillsZeroValues(t *testing.T) {
	cfg := &Config{
		Axes: map[string]AxisConfig{
			"x": {},
		},
		Sessions: []SessionConfig{{Name: "mcu"}},
	}
	applyDefaults(cfg)

	if cfg.JunctionDeviation == 0 {
		t.Error("JunctionDeviation left at zero")
	}
	if cfg.Axes["x"].StepsPerMM == 0 {
		t.Error("axis StepsPerMM left at zero")
	}
	if cfg.Sessions[0].Baud == 0 {
		t.Error("session Baud left at zero")
	}
}

func TestMarshalRoundTrips(t *testing.T) {
	cfg := DefaultCartesianConfig()
	out, err := Marshal(cfg)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if len(out) == 0 {
		t.Fatal("Marshal produced empty output")
	}
}
