// Package wire defines the RPC surface of the network registry and of agents.
//
// Messages are plain Go structs carried as google.protobuf.Struct payloads, so
// both services run over stock gRPC without generated stubs.
package wire

import (
	"encoding/json"

	"github.com/xiaonanln/netfabric/core"
)

// RegisterRequest announces an agent and the containers it already hosts.
type RegisterRequest struct {
	Agent      core.AgentRecord       `json:"agent"`
	Containers []core.ContainerRecord `json:"containers,omitempty"`
}

// RegisterResponse lists containers the agent must terminate because another
// live agent already owns them.
type RegisterResponse struct {
	Terminate []core.ContainerUUID `json:"terminate,omitempty"`
}

type UnregisterRequest struct {
	AgentID core.AgentUUID `json:"agentId"`
}

// PingRequest is the periodic heartbeat of a client and the agents it registered.
type PingRequest struct {
	ClientID core.ClientUUID  `json:"clientId"`
	Agents   []core.AgentUUID `json:"agents,omitempty"`
}

// PingResponse reports agents the network no longer knows; the client
// re-registers them.
type PingResponse struct {
	UnknownAgents []core.AgentUUID `json:"unknownAgents,omitempty"`
}

type GetRequest struct {
	ClientID core.ClientUUID    `json:"clientId"`
	Kind     core.ContainerKind `json:"kind,omitempty"`
	Options  core.GetOptions    `json:"options"`
}

type GetResponse struct {
	Container core.ContainerRecord `json:"container"`
}

type ListRequest struct {
	Kind core.ContainerKind `json:"kind,omitempty"`
}

type ListResponse struct {
	Containers []core.ContainerRecord `json:"containers,omitempty"`
}

type AgentsRequest struct{}

type AgentsResponse struct {
	Agents []core.AgentRecordInfo `json:"agents,omitempty"`
}

type ReleaseRequest struct {
	ClientID core.ClientUUID    `json:"clientId"`
	UUID     core.ContainerUUID `json:"uuid"`
}

type SubscribeRequest struct {
	ClientID core.ClientUUID `json:"clientId"`
}

type CloseRequest struct {
	ClientID core.ClientUUID `json:"clientId"`
}

// ContainerRequest carries one container operation.
type ContainerRequest struct {
	UUID      core.ContainerUUID `json:"uuid"`
	Operation string             `json:"operation"`
	Data      json.RawMessage    `json:"data,omitempty"`
	ClientID  core.ClientUUID    `json:"clientId,omitempty"`
}

type ContainerResponse struct {
	Result json.RawMessage `json:"result,omitempty"`
}

type CreateRequest struct {
	Kind    core.ContainerKind `json:"kind"`
	Options core.GetOptions    `json:"options"`
}

type CreateResponse struct {
	Container core.ContainerRecord `json:"container"`
}

// ContainerTarget addresses a container for ping and terminate.
type ContainerTarget struct {
	UUID core.ContainerUUID `json:"uuid"`
}

type ConnectRequest struct {
	UUID     core.ContainerUUID `json:"uuid"`
	ClientID core.ClientUUID    `json:"clientId"`
}

// BroadcastMessage is one payload pushed by a container to a connected client.
type BroadcastMessage struct {
	Data json.RawMessage `json:"data,omitempty"`
}

type Empty struct{}
