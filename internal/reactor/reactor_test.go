package reactor

import "testing"

type fakeSession struct {
	closed bool
}

func (f *fakeSession) Close() error {
	f.closed = true
	return nil
}

func TestRegisterUnregisterCount(t *testing.T) {
	g := NewGroup()
	tokA := g.Register("a", &fakeSession{})
	g.Register("b", &fakeSession{})
	if got := g.Count(); got != 2 {
		t.Fatalf("Count() = %d, want 2", got)
	}
	if tokA.IsZero() || tokA.ID() != "a" {
		t.Fatalf("Register token = %+v, want id %q", tokA, "a")
	}

	g.Unregister(tokA)
	if got := g.Count(); got != 1 {
		t.Fatalf("Count() after unregister = %d, want 1", got)
	}
}

func TestCloseAllClosesAndEmpties(t *testing.T) {
	g := NewGroup()
	a := &fakeSession{}
	b := &fakeSession{}
	g.Register("a", a)
	g.Register("b", b)

	g.CloseAll()

	if !a.closed || !b.closed {
		t.Error("CloseAll did not close every session")
	}
	if got := g.Count(); got != 0 {
		t.Fatalf("Count() after CloseAll = %d, want 0", got)
	}
}

func TestRangeVisitsAll(t *testing.T) {
	g := NewGroup()
	g.Register("a", &fakeSession{})
	g.Register("b", &fakeSession{})

	seen := make(map[string]bool)
	g.Range(func(id string, s Session) bool {
		seen[id] = true
		return true
	})

	if len(seen) != 2 {
		t.Errorf("Range visited %d sessions, want 2", len(seen))
	}
}
