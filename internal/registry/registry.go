// Package registry indexes platform post ids back to the sessions that
// created them, with a secondary index per session. Pure in-memory state; a
// single mutex protects the map invariants.
package registry

import "sync"

// Role classifies what a registered post is for.
type Role string

const (
	RoleContent        Role = "content"
	RoleSessionHeader  Role = "session-header"
	RoleTaskList       Role = "task-list"
	RoleSubagentStatus Role = "subagent-status"
	RoleQuestion       Role = "question"
	RoleApproval       Role = "approval"
	RolePermission     Role = "permission"
	RoleWorktreePrompt Role = "worktree-prompt"
	RoleContextPrompt  Role = "context-prompt"
	RoleUpdatePrompt   Role = "update-prompt"
	RoleBugReport      Role = "bug-report"
	RoleLifecycle      Role = "lifecycle"
	RoleSystem         Role = "system"
)

// Entry is the metadata stored per post.
type Entry struct {
	PostID    string
	ThreadID  string
	SessionID string
	Role      Role
	ToolUseID string
	CreatedAt int64 // unix ms
	Metadata  map[string]string
}

// Registry maps post id → entry and session id → set of post ids.
type Registry struct {
	mu        sync.Mutex
	posts     map[string]*Entry
	bySession map[string]map[string]struct{}
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{
		posts:     make(map[string]*Entry),
		bySession: make(map[string]map[string]struct{}),
	}
}

// Register records a post. Re-registering the same post id overwrites the
// entry and keeps the secondary index consistent.
func (r *Registry) Register(e Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if old, ok := r.posts[e.PostID]; ok && old.SessionID != e.SessionID {
		r.removeFromSession(old.SessionID, e.PostID)
	}
	entry := e
	r.posts[e.PostID] = &entry

	set, ok := r.bySession[e.SessionID]
	if !ok {
		set = make(map[string]struct{})
		r.bySession[e.SessionID] = set
	}
	set[e.PostID] = struct{}{}
}

// Unregister removes a post from both indexes. Reports whether it existed.
func (r *Registry) Unregister(postID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.posts[postID]
	if !ok {
		return false
	}
	delete(r.posts, postID)
	r.removeFromSession(e.SessionID, postID)
	return true
}

func (r *Registry) removeFromSession(sessionID, postID string) {
	set, ok := r.bySession[sessionID]
	if !ok {
		return
	}
	delete(set, postID)
	if len(set) == 0 {
		delete(r.bySession, sessionID)
	}
}

// Get returns a copy of the entry for a post id.
func (r *Registry) Get(postID string) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.posts[postID]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// GetThreadID returns the thread a post belongs to.
func (r *Registry) GetThreadID(postID string) (string, bool) {
	e, ok := r.Get(postID)
	return e.ThreadID, ok
}

// FindSession returns the owning session id for a post.
func (r *Registry) FindSession(postID string) (string, bool) {
	e, ok := r.Get(postID)
	return e.SessionID, ok
}

// ListForSession returns copies of all entries owned by a session.
func (r *Registry) ListForSession(sessionID string) []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	set := r.bySession[sessionID]
	out := make([]Entry, 0, len(set))
	for postID := range set {
		if e, ok := r.posts[postID]; ok {
			out = append(out, *e)
		}
	}
	return out
}

// ListByRole returns a session's entries with the given role.
func (r *Registry) ListByRole(sessionID string, role Role) []Entry {
	var out []Entry
	for _, e := range r.ListForSession(sessionID) {
		if e.Role == role {
			out = append(out, e)
		}
	}
	return out
}

// ClearSession drops every post owned by a session. Returns the count.
func (r *Registry) ClearSession(sessionID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	set := r.bySession[sessionID]
	n := len(set)
	for postID := range set {
		delete(r.posts, postID)
	}
	delete(r.bySession, sessionID)
	return n
}

// Clear drops everything.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.posts = make(map[string]*Entry)
	r.bySession = make(map[string]map[string]struct{})
}

// Size returns the number of registered posts.
func (r *Registry) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.posts)
}

// Has reports whether a post id is registered.
func (r *Registry) Has(postID string) bool {
	_, ok := r.Get(postID)
	return ok
}
