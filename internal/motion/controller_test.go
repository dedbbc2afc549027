package motion

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/rover-control/rover/internal/actuator"
	"github.com/rover-control/rover/internal/actuator/fake"
)

func newTestController(t *testing.T, mutate func(*Options)) (*Controller, *fake.FakeActuator) {
	t.Helper()
	act := fake.NewFakeActuator()
	opts := DefaultOptions()
	if mutate != nil {
		mutate(&opts)
	}
	c, err := NewController(act, opts)
	if err != nil {
		t.Fatalf("NewController failed: %v", err)
	}
	return c, act
}

func approx(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestInitialState(t *testing.T) {
	c, act := newTestController(t, nil)

	st := c.State()
	if st.Speed != 0.7 || st.Moving || st.Direction != None {
		t.Errorf("Expected {0.7 false none}, got %+v", st)
	}
	if len(act.Calls()) != 0 {
		t.Errorf("Expected no actuator writes on construction, got %d", len(act.Calls()))
	}
}

func TestNewControllerValidation(t *testing.T) {
	act := fake.NewFakeActuator()
	tests := []struct {
		name   string
		mutate func(*Options)
	}{
		{"default speed too high", func(o *Options) { o.DefaultSpeed = 1.2 }},
		{"ratio negative", func(o *Options) { o.PivotTurnRatio = -0.1 }},
		{"unknown turn mode", func(o *Options) { o.TurnMode = "crab" }},
		{"unknown speed policy", func(o *Options) { o.SpeedPolicy = "eventual" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := DefaultOptions()
			tt.mutate(&opts)
			if _, err := NewController(act, opts); err == nil {
				t.Error("Expected constructor error")
			}
		})
	}
	if _, err := NewController(nil, DefaultOptions()); err == nil {
		t.Error("Expected error for nil actuator")
	}
}

func TestWheelOutputs(t *testing.T) {
	type wheels struct {
		leftDir  actuator.Direction
		leftMag  float64
		rightDir actuator.Direction
		rightMag float64
	}
	tests := []struct {
		name string
		mode TurnMode
		dir  Direction
		want wheels
	}{
		{"forward", Pivot, Forward, wheels{actuator.Forward, 0.7, actuator.Forward, 0.7}},
		{"backward", Pivot, Backward, wheels{actuator.Backward, 0.7, actuator.Backward, 0.7}},
		{"pivot left", Pivot, Left, wheels{actuator.Backward, 0.49, actuator.Forward, 0.7}},
		{"pivot right", Pivot, Right, wheels{actuator.Forward, 0.7, actuator.Backward, 0.49}},
		{"spin left", Spin, Left, wheels{actuator.Backward, 0.7, actuator.Forward, 0.7}},
		{"spin right", Spin, Right, wheels{actuator.Forward, 0.7, actuator.Backward, 0.7}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, act := newTestController(t, func(o *Options) { o.TurnMode = tt.mode })
			if err := c.Drive(context.Background(), tt.dir); err != nil {
				t.Fatalf("Drive failed: %v", err)
			}

			l, r := act.Wheel(actuator.Left), act.Wheel(actuator.Right)
			if l.Direction != tt.want.leftDir || !approx(l.Magnitude, tt.want.leftMag) {
				t.Errorf("Expected left %v %.2f, got %v %.2f", tt.want.leftDir, tt.want.leftMag, l.Direction, l.Magnitude)
			}
			if r.Direction != tt.want.rightDir || !approx(r.Magnitude, tt.want.rightMag) {
				t.Errorf("Expected right %v %.2f, got %v %.2f", tt.want.rightDir, tt.want.rightMag, r.Direction, r.Magnitude)
			}

			st := c.State()
			if !st.Moving || st.Direction != tt.dir {
				t.Errorf("Expected moving %v, got %+v", tt.dir, st)
			}
		})
	}
}

func TestSetSpeedRange(t *testing.T) {
	tests := []struct {
		v      float64
		accept bool
	}{
		{0.1, true},
		{0.5, true},
		{1.0, true},
		{0.09, false},
		{1.01, false},
		{-1, false},
		{math.NaN(), false},
		{math.Inf(1), false},
	}

	for _, tt := range tests {
		c, act := newTestController(t, nil)
		before := c.State()

		err := c.SetSpeed(context.Background(), tt.v)
		if tt.accept {
			if err != nil {
				t.Errorf("SetSpeed(%v): expected success, got %v", tt.v, err)
			}
			if c.State().Speed != tt.v {
				t.Errorf("SetSpeed(%v): expected speed updated, got %v", tt.v, c.State().Speed)
			}
			continue
		}
		if !errors.Is(err, ErrSpeedOutOfRange) {
			t.Errorf("SetSpeed(%v): expected ErrSpeedOutOfRange, got %v", tt.v, err)
		}
		if c.State() != before {
			t.Errorf("SetSpeed(%v): expected state unchanged, got %+v", tt.v, c.State())
		}
		if len(act.Calls()) != 0 {
			t.Errorf("SetSpeed(%v): expected no actuator writes, got %d", tt.v, len(act.Calls()))
		}
	}
}

func TestSetSpeedPolicy(t *testing.T) {
	ctx := context.Background()

	t.Run("immediate re-drives", func(t *testing.T) {
		c, act := newTestController(t, nil)
		if err := c.Forward(ctx); err != nil {
			t.Fatalf("Forward failed: %v", err)
		}
		if err := c.SetSpeed(ctx, 0.4); err != nil {
			t.Fatalf("SetSpeed failed: %v", err)
		}
		if got := act.Wheel(actuator.Left).Magnitude; !approx(got, 0.4) {
			t.Errorf("Expected left wheel at 0.4, got %v", got)
		}
		if st := c.State(); !st.Moving || st.Direction != Forward {
			t.Errorf("Expected still moving forward, got %+v", st)
		}
	})

	t.Run("deferred waits for next motion", func(t *testing.T) {
		c, act := newTestController(t, func(o *Options) { o.SpeedPolicy = Deferred })
		if err := c.Forward(ctx); err != nil {
			t.Fatalf("Forward failed: %v", err)
		}
		if err := c.SetSpeed(ctx, 0.4); err != nil {
			t.Fatalf("SetSpeed failed: %v", err)
		}
		if got := act.Wheel(actuator.Left).Magnitude; !approx(got, 0.7) {
			t.Errorf("Expected left wheel to stay at 0.7, got %v", got)
		}
		if err := c.Forward(ctx); err != nil {
			t.Fatalf("Forward failed: %v", err)
		}
		if got := act.Wheel(actuator.Left).Magnitude; !approx(got, 0.4) {
			t.Errorf("Expected left wheel at 0.4 after re-issue, got %v", got)
		}
	})

	t.Run("stopped vehicle stays stopped", func(t *testing.T) {
		c, act := newTestController(t, nil)
		if err := c.SetSpeed(ctx, 0.9); err != nil {
			t.Fatalf("SetSpeed failed: %v", err)
		}
		if len(act.Calls()) != 0 {
			t.Errorf("Expected no writes while stopped, got %d", len(act.Calls()))
		}
		if c.State().Moving {
			t.Error("Expected vehicle to remain stopped")
		}
	})
}

func TestStopIdempotent(t *testing.T) {
	c, act := newTestController(t, nil)
	ctx := context.Background()

	if err := c.Forward(ctx); err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	if err := c.Stop(ctx); err != nil {
		t.Fatalf("first Stop failed: %v", err)
	}
	first := c.State()
	if err := c.Stop(ctx); err != nil {
		t.Fatalf("second Stop failed: %v", err)
	}
	if c.State() != first {
		t.Errorf("Expected identical state after repeated stop, got %+v vs %+v", c.State(), first)
	}
	if first.Moving || first.Direction != None {
		t.Errorf("Expected stopped state, got %+v", first)
	}
	for _, side := range []actuator.Side{actuator.Left, actuator.Right} {
		if act.Wheel(side).Magnitude != 0 {
			t.Errorf("Expected %v wheel released", side)
		}
	}
}

func TestActuatorFailureFallsBackToStop(t *testing.T) {
	c, act := newTestController(t, nil)
	ctx := context.Background()

	if err := c.Forward(ctx); err != nil {
		t.Fatalf("Forward failed: %v", err)
	}

	// Only non-zero writes fail so the fallback stop succeeds
	act.FailWhen(func(call fake.Call) bool { return call.Magnitude > 0 }, errors.New("bus fault"))
	err := c.Backward(ctx)

	var aerr *actuator.ActuatorError
	if !errors.As(err, &aerr) {
		t.Fatalf("Expected ActuatorError, got %v", err)
	}
	if st := c.State(); st.Moving || st.Direction != None {
		t.Errorf("Expected stopped after failure, got %+v", st)
	}
	for _, side := range []actuator.Side{actuator.Left, actuator.Right} {
		if act.Wheel(side).Magnitude != 0 {
			t.Errorf("Expected %v wheel released by fallback stop", side)
		}
	}

	// A speed change whose re-drive fails keeps the previous speed
	if err := c.SetSpeed(ctx, 0.4); err != nil {
		t.Fatalf("SetSpeed while stopped failed: %v", err)
	}
	act.Heal()
	if err := c.Forward(ctx); err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	act.FailWhen(func(call fake.Call) bool { return call.Magnitude > 0 }, errors.New("bus fault"))
	if err := c.SetSpeed(ctx, 0.9); !errors.As(err, &aerr) {
		t.Fatalf("Expected ActuatorError from re-drive, got %v", err)
	}
	if st := c.State(); st.Moving || st.Speed != 0.4 {
		t.Errorf("Expected stopped at previous speed 0.4, got %+v", st)
	}
}

func TestShutdownSwallowsErrors(t *testing.T) {
	c, act := newTestController(t, nil)
	ctx := context.Background()

	if err := c.Left(ctx); err != nil {
		t.Fatalf("Left failed: %v", err)
	}
	act.FailNext(-1, errors.New("dead driver"))

	c.Shutdown(ctx)

	if st := c.State(); st.Moving {
		t.Errorf("Expected stopped after shutdown, got %+v", st)
	}
}
