package orchestrator

import (
	"errors"
	"fmt"
)

var (
	ErrDisabled = errors.New("orchestrator disabled")
	ErrStopped  = errors.New("orchestrator not running")
	ErrStopping = errors.New("orchestrator stopping")
)

// AgentUnavailableError reports an enqueue refused because the target stage
// has no registered handler or is currently marked unhealthy. The caller is
// told instead of the task being silently dropped.
type AgentUnavailableError struct {
	Stage  string
	Reason string // "unregistered" or "unhealthy"
}

func (e *AgentUnavailableError) Error() string {
	return fmt.Sprintf("agent %q unavailable: %s", e.Stage, e.Reason)
}

// IsAgentUnavailable reports whether err is an AgentUnavailableError.
func IsAgentUnavailable(err error) bool {
	var ae *AgentUnavailableError
	return errors.As(err, &ae)
}

// UnknownKindError reports a task kind outside the stage's registered set.
// Kinds are validated at enqueue so typos fail fast instead of surfacing as
// a generic handler error at execution time.
type UnknownKindError struct {
	Stage string
	Kind  string
}

func (e *UnknownKindError) Error() string {
	return fmt.Sprintf("unknown kind %q for stage %q", e.Kind, e.Stage)
}
