// Package core holds the identifiers and records shared by the network,
// agents and clients.
package core

import (
	"fmt"
	"slices"
	"strings"
)

type (
	AgentUUID     string
	ContainerUUID string
	ContainerKind string
	ClientUUID    string
)

// ContainerEndpointRef addresses one container on one agent. Its form is
// "<agentEndpoint>/<containerUuid>", where agentEndpoint is the agent's
// dialable RPC address.
type ContainerEndpointRef string

// NewEndpointRef builds the endpoint reference of a container hosted at agentEndpoint.
func NewEndpointRef(agentEndpoint string, uuid ContainerUUID) ContainerEndpointRef {
	return ContainerEndpointRef(agentEndpoint + "/" + string(uuid))
}

// ParseEndpointRef splits ref into the agent endpoint and the container uuid.
func ParseEndpointRef(ref ContainerEndpointRef) (agentEndpoint string, uuid ContainerUUID, err error) {
	s := string(ref)
	i := strings.LastIndex(s, "/")
	if i <= 0 || i == len(s)-1 {
		return "", "", fmt.Errorf("malformed endpoint reference %q", s)
	}
	return s[:i], ContainerUUID(s[i+1:]), nil
}

// ContainerRecord is the network's view of one live container.
type ContainerRecord struct {
	UUID     ContainerUUID        `json:"uuid"`
	Kind     ContainerKind        `json:"kind"`
	AgentID  AgentUUID            `json:"agentId"`
	Endpoint ContainerEndpointRef `json:"endpoint"`
	Labels   []string             `json:"labels,omitempty"`
	// LastVisit is the network clock time, in milliseconds, of the last get for this container.
	LastVisit int64 `json:"lastVisit,omitempty"`
}

// ContainerEvent describes registry changes since the previous event.
type ContainerEvent struct {
	Added   []ContainerRecord `json:"added,omitempty"`
	Updated []ContainerRecord `json:"updated,omitempty"`
	Deleted []ContainerRecord `json:"deleted,omitempty"`
}

// Empty reports whether the event carries no changes.
func (e ContainerEvent) Empty() bool {
	return len(e.Added) == 0 && len(e.Updated) == 0 && len(e.Deleted) == 0
}

// AgentRecord is what an agent announces when it registers.
type AgentRecord struct {
	AgentID  AgentUUID       `json:"agentId"`
	Endpoint string          `json:"endpoint"`
	Kinds    []ContainerKind `json:"kinds"`
	Labels   []string        `json:"labels,omitempty"`
}

// Serves reports whether the agent has a factory for kind.
func (a AgentRecord) Serves(kind ContainerKind) bool {
	return slices.Contains(a.Kinds, kind)
}

// AgentRecordInfo is an agent snapshot with the number of containers it hosts.
type AgentRecordInfo struct {
	AgentRecord
	Containers int `json:"containers"`
}

// GetOptions parameterizes a container lookup or creation.
type GetOptions struct {
	UUID   ContainerUUID  `json:"uuid,omitempty"`
	Labels []string       `json:"labels,omitempty"`
	Extra  map[string]any `json:"extra,omitempty"`
}

// LabelsMatch reports whether every label in want is present in have.
func LabelsMatch(have, want []string) bool {
	for _, w := range want {
		if !slices.Contains(have, w) {
			return false
		}
	}
	return true
}
