package realtime

import "sync"

// typingState tracks who is currently typing per conversation.
// Ephemeral by contract: never persisted, cleared on stop events and on a
// user's last connection closing.
type typingState struct {
	mu sync.Mutex
	// conversation id -> user id -> display name
	byConv map[string]map[string]string
	// user id -> conversation ids that user is typing in (reverse index for disconnect sweeps)
	byUser map[string]map[string]struct{}
}

func newTypingState() *typingState {
	return &typingState{
		byConv: make(map[string]map[string]string),
		byUser: make(map[string]map[string]struct{}),
	}
}

// start records the user as typing. Returns false if already typing there.
func (t *typingState) start(conversationID, userID, displayName string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	conv, ok := t.byConv[conversationID]
	if !ok {
		conv = make(map[string]string, 2)
		t.byConv[conversationID] = conv
	}
	if _, typing := conv[userID]; typing {
		return false
	}
	conv[userID] = displayName

	convs, ok := t.byUser[userID]
	if !ok {
		convs = make(map[string]struct{}, 2)
		t.byUser[userID] = convs
	}
	convs[conversationID] = struct{}{}
	return true
}

// stop clears the user's typing flag. Returns false if the user was not typing.
func (t *typingState) stop(conversationID, userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopLocked(conversationID, userID)
}

func (t *typingState) stopLocked(conversationID, userID string) bool {
	conv, ok := t.byConv[conversationID]
	if !ok {
		return false
	}
	if _, typing := conv[userID]; !typing {
		return false
	}
	delete(conv, userID)
	if len(conv) == 0 {
		delete(t.byConv, conversationID)
	}

	if convs, ok := t.byUser[userID]; ok {
		delete(convs, conversationID)
		if len(convs) == 0 {
			delete(t.byUser, userID)
		}
	}
	return true
}

// clearUser removes the user from every conversation they were typing in and
// returns those conversation ids. Used when a user's last connection closes.
func (t *typingState) clearUser(userID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	convs, ok := t.byUser[userID]
	if !ok {
		return nil
	}

	out := make([]string, 0, len(convs))
	for conversationID := range convs {
		out = append(out, conversationID)
	}
	for _, conversationID := range out {
		t.stopLocked(conversationID, userID)
	}
	return out
}
