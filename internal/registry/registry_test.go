package registry

import "testing"

func entry(postID, sessionID string, role Role) Entry {
	return Entry{PostID: postID, ThreadID: "t1", SessionID: sessionID, Role: role}
}

func TestRegisterAndLookup(t *testing.T) {
	r := New()
	r.Register(entry("p1", "s1", RoleContent))
	r.Register(entry("p2", "s1", RoleSessionHeader))
	r.Register(entry("p3", "s2", RoleContent))

	if got, ok := r.FindSession("p1"); !ok || got != "s1" {
		t.Errorf("FindSession(p1) = %q, %v; want s1, true", got, ok)
	}
	if got, ok := r.GetThreadID("p2"); !ok || got != "t1" {
		t.Errorf("GetThreadID(p2) = %q, %v; want t1, true", got, ok)
	}
	if r.Size() != 3 {
		t.Errorf("Size() = %d, want 3", r.Size())
	}
	if !r.Has("p3") || r.Has("nope") {
		t.Error("Has() gave wrong answers")
	}
	if got := len(r.ListForSession("s1")); got != 2 {
		t.Errorf("ListForSession(s1) len = %d, want 2", got)
	}
}

func TestListByRole(t *testing.T) {
	r := New()
	r.Register(entry("p1", "s1", RoleContent))
	r.Register(entry("p2", "s1", RoleSessionHeader))
	r.Register(entry("p3", "s1", RoleContent))

	headers := r.ListByRole("s1", RoleSessionHeader)
	if len(headers) != 1 || headers[0].PostID != "p2" {
		t.Errorf("ListByRole(session-header) = %v, want [p2]", headers)
	}
	if got := len(r.ListByRole("s1", RoleContent)); got != 2 {
		t.Errorf("ListByRole(content) len = %d, want 2", got)
	}
}

func TestUnregisterKeepsIndexesInSync(t *testing.T) {
	r := New()
	r.Register(entry("p1", "s1", RoleContent))

	if !r.Unregister("p1") {
		t.Fatal("Unregister(p1) = false, want true")
	}
	if r.Unregister("p1") {
		t.Error("second Unregister(p1) = true, want false")
	}
	if r.Has("p1") {
		t.Error("p1 still present after Unregister")
	}
	if got := len(r.ListForSession("s1")); got != 0 {
		t.Errorf("ListForSession after unregister len = %d, want 0", got)
	}
	// Secondary set must be removed once empty.
	if len(r.bySession) != 0 {
		t.Errorf("bySession not pruned: %v", r.bySession)
	}
}

func TestReregisterMovesSession(t *testing.T) {
	r := New()
	r.Register(entry("p1", "s1", RoleContent))
	r.Register(entry("p1", "s2", RoleContent))

	if got, _ := r.FindSession("p1"); got != "s2" {
		t.Errorf("FindSession(p1) = %q, want s2", got)
	}
	if got := len(r.ListForSession("s1")); got != 0 {
		t.Errorf("old session still owns post: %d entries", got)
	}
	if r.Size() != 1 {
		t.Errorf("Size() = %d, want 1", r.Size())
	}
}

func TestClearSession(t *testing.T) {
	r := New()
	r.Register(entry("p1", "s1", RoleContent))
	r.Register(entry("p2", "s1", RoleQuestion))
	r.Register(entry("p3", "s2", RoleContent))

	if n := r.ClearSession("s1"); n != 2 {
		t.Errorf("ClearSession(s1) = %d, want 2", n)
	}
	if r.Has("p1") || r.Has("p2") {
		t.Error("s1 posts survived ClearSession")
	}
	if !r.Has("p3") {
		t.Error("s2 post removed by ClearSession(s1)")
	}
	if r.Size() != 1 {
		t.Errorf("Size() = %d, want 1", r.Size())
	}
}
