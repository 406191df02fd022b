package realtime

import (
	"log/slog"
	"sync"

	v1 "agora/contracts/chat/v1"
)

// Presence is the process-wide registry of live connections per user.
// It is the authoritative "online" truth for this gateway process; state is
// rebuilt from scratch on restart (all users implicitly offline).
//
// Connections add themselves on admit and remove themselves on disconnect;
// no other component mutates the table.
type Presence struct {
	log *slog.Logger

	mu    sync.RWMutex
	users map[string]map[string]*Conn // user id -> session id -> conn
}

// NewPresence constructs an empty presence registry.
func NewPresence(log *slog.Logger) *Presence {
	if log == nil {
		log = slog.Default()
	}
	return &Presence{
		log:   log,
		users: make(map[string]map[string]*Conn),
	}
}

// Admit registers the connection and reports whether it is the user's first
// live handle. The caller emits the "user online" broadcast on first=true.
func (p *Presence) Admit(conn *Conn) (first bool) {
	if conn == nil || conn.UserID == "" || conn.SessionID == "" {
		return false
	}

	p.mu.Lock()
	set, ok := p.users[conn.UserID]
	if !ok {
		set = make(map[string]*Conn, 2)
		p.users[conn.UserID] = set
	}
	first = len(set) == 0
	set[conn.SessionID] = conn
	p.mu.Unlock()

	p.log.Info("presence.admit", "user_id", conn.UserID, "session_id", conn.SessionID, "first", first)
	return first
}

// Remove deregisters the connection and reports whether it was the user's
// last live handle. The caller emits the "user offline" broadcast on last=true.
func (p *Presence) Remove(conn *Conn) (last bool) {
	if conn == nil || conn.UserID == "" {
		return false
	}

	p.mu.Lock()
	set, ok := p.users[conn.UserID]
	if ok {
		if _, present := set[conn.SessionID]; present {
			delete(set, conn.SessionID)
			last = len(set) == 0
		}
		if len(set) == 0 {
			delete(p.users, conn.UserID)
		}
	}
	p.mu.Unlock()

	p.log.Info("presence.remove", "user_id", conn.UserID, "session_id", conn.SessionID, "last", last)
	return last
}

// IsOnline reports whether userID holds at least one live connection.
func (p *Presence) IsOnline(userID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.users[userID]) > 0
}

// OnlineUsers returns the ids of all currently reachable users.
func (p *Presence) OnlineUsers() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]string, 0, len(p.users))
	for id := range p.users {
		out = append(out, id)
	}
	return out
}

// BroadcastExcept fans an envelope out to every admitted connection except
// those belonging to excludeUserID. Used for user_online/user_offline events;
// the subject's own connections already know. Non-blocking, best-effort.
func (p *Presence) BroadcastExcept(excludeUserID string, env v1.Envelope) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	for userID, set := range p.users {
		if userID == excludeUserID {
			continue
		}
		for _, conn := range set {
			if !conn.TrySend(env) {
				fanoutDropped.Inc()
			}
		}
	}
}
