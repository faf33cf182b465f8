package oauth

import "sync"

// FlowState is where a (user, resource) pair stands in the authorization flow.
type FlowState int

const (
	// StateUnauthenticated means no credential has been tried yet.
	StateUnauthenticated FlowState = iota
	// StateChallenged means the resource answered 401.
	StateChallenged
	// StateAuthorizing means an authorization URL was issued and the callback is pending.
	StateAuthorizing
	// StateAuthorized means a token was obtained and accepted.
	StateAuthorized
	// StateRefreshing means a refresh grant is in flight.
	StateRefreshing
)

func (s FlowState) String() string {
	switch s {
	case StateUnauthenticated:
		return "unauthenticated"
	case StateChallenged:
		return "challenged"
	case StateAuthorizing:
		return "authorizing"
	case StateAuthorized:
		return "authorized"
	case StateRefreshing:
		return "refreshing"
	default:
		return "unknown"
	}
}

type flowKey struct {
	userID      string
	resourceURL string
}

// flowStates tracks FlowState per (user, resource). It is informational
// and never gates a request.
type flowStates struct {
	mu     sync.RWMutex
	states map[flowKey]FlowState
}

func newFlowStates() *flowStates {
	return &flowStates{states: make(map[flowKey]FlowState)}
}

func (f *flowStates) set(userID, resourceURL string, s FlowState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states[flowKey{userID, resourceURL}] = s
}

func (f *flowStates) get(userID, resourceURL string) FlowState {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.states[flowKey{userID, resourceURL}]
}
