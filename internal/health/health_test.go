package health

import "testing"

func TestUpdateAndGet(t *testing.T) {
	m := NewMonitor()

	m.Update("capture", Healthy, "")
	check, ok := m.Get("capture")
	if !ok {
		t.Fatal("check not found")
	}
	if check.Status != Healthy {
		t.Errorf("status = %s, want healthy", check.Status)
	}
	if check.UpdatedAt.IsZero() {
		t.Error("UpdatedAt not set")
	}
}

func TestInvalidStatusCoerced(t *testing.T) {
	m := NewMonitor()
	m.Update("upload", Status("bogus"), "oops")

	check, _ := m.Get("upload")
	if check.Status != Unhealthy {
		t.Errorf("status = %s, want unhealthy", check.Status)
	}
}

func TestOverall(t *testing.T) {
	m := NewMonitor()
	if m.Overall() != Unknown {
		t.Errorf("empty monitor overall = %s, want unknown", m.Overall())
	}

	m.Update("capture", Healthy, "")
	m.Update("input", Healthy, "")
	if m.Overall() != Healthy {
		t.Errorf("overall = %s, want healthy", m.Overall())
	}

	m.Update("upload", Degraded, "retrying")
	if m.Overall() != Degraded {
		t.Errorf("overall = %s, want degraded", m.Overall())
	}

	m.Update("capture", Unhealthy, "runtime lost")
	if m.Overall() != Unhealthy {
		t.Errorf("overall = %s, want unhealthy", m.Overall())
	}
}
