package distribution

import (
	"strings"
)

const (
	EventNodeAdded EventType = iota
	EventNodeRemoved
)

// Event describes a membership change - a host joined or left the cluster.
type Event struct {
	Type    EventType
	NodeID  string
	Message string
}

type EventType int

type Events []Event

func (t EventType) String() string {
	switch t {
	case EventNodeAdded:
		return "added"
	case EventNodeRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

// Messages converts events to a string for logging purposes.
func (v Events) Messages() string {
	var out strings.Builder
	last := len(v) - 1
	for i, e := range v {
		out.WriteString(e.Message)
		if i != last {
			out.WriteString("; ")
		}
	}
	return out.String()
}
