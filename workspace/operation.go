package workspace

import (
	"encoding/json"

	"github.com/xiaonanln/netfabric/container"
	ferrors "github.com/xiaonanln/netfabric/util/errors"
)

// Operation is a decoded workspace request. The concrete types below are
// the complete set; ParseOperation rejects anything else.
type Operation interface {
	Name() string
}

// sessionScoped operations must name a registered session.
type sessionScoped interface {
	Operation
	session() string
}

type (
	RegisterSession struct {
		SessionID string  `json:"sessionId"`
		Token     string  `json:"token"`
		Account   Account `json:"account"`
	}
	CloseSession struct {
		SessionID string `json:"sessionId"`
	}
	LoadModel struct {
		SessionID   string `json:"sessionId"`
		LastModelTx int64  `json:"lastModelTx,omitempty"`
		Hash        string `json:"hash,omitempty"`
	}
	FindAll struct {
		SessionID string         `json:"sessionId"`
		Class     string         `json:"class"`
		Query     map[string]any `json:"query,omitempty"`
		Options   FindOptions    `json:"options"`
	}
	SearchFulltext struct {
		SessionID string        `json:"sessionId"`
		Query     SearchQuery   `json:"query"`
		Options   SearchOptions `json:"options"`
	}
	ApplyTx struct {
		SessionID string `json:"sessionId"`
		Tx        Tx     `json:"tx"`
	}
	DomainRequest struct {
		SessionID string          `json:"sessionId"`
		Domain    string          `json:"domain"`
		Params    json.RawMessage `json:"params,omitempty"`
	}
	LoadChunk struct {
		SessionID string `json:"sessionId"`
		Domain    string `json:"domain"`
		Idx       *int   `json:"idx,omitempty"`
	}
	CloseChunk struct {
		SessionID string `json:"sessionId"`
		Idx       int    `json:"idx"`
	}
	LoadDocs struct {
		SessionID string   `json:"sessionId"`
		Domain    string   `json:"domain"`
		Docs      []string `json:"docs"`
	}
	Upload struct {
		SessionID string `json:"sessionId"`
		Domain    string `json:"domain"`
		Docs      []Doc  `json:"docs"`
	}
	Clean struct {
		SessionID string   `json:"sessionId"`
		Domain    string   `json:"domain"`
		Docs      []string `json:"docs"`
	}
	GetLastTxHash struct{}
	GetDomainHash struct {
		Domain string `json:"domain"`
	}
)

func (RegisterSession) Name() string { return "registerSession" }
func (CloseSession) Name() string    { return "closeSession" }
func (LoadModel) Name() string       { return "loadModel" }
func (FindAll) Name() string         { return "findAll" }
func (SearchFulltext) Name() string  { return "searchFulltext" }
func (ApplyTx) Name() string         { return "tx" }
func (DomainRequest) Name() string   { return "domainRequest" }
func (LoadChunk) Name() string       { return "loadChunk" }
func (CloseChunk) Name() string      { return "closeChunk" }
func (LoadDocs) Name() string        { return "loadDocs" }
func (Upload) Name() string          { return "upload" }
func (Clean) Name() string           { return "clean" }
func (GetLastTxHash) Name() string   { return "getLastTxHash" }
func (GetDomainHash) Name() string   { return "getDomainHash" }

func (o LoadModel) session() string      { return o.SessionID }
func (o FindAll) session() string        { return o.SessionID }
func (o SearchFulltext) session() string { return o.SessionID }
func (o ApplyTx) session() string        { return o.SessionID }
func (o DomainRequest) session() string  { return o.SessionID }
func (o LoadChunk) session() string      { return o.SessionID }
func (o CloseChunk) session() string     { return o.SessionID }
func (o LoadDocs) session() string       { return o.SessionID }
func (o Upload) session() string         { return o.SessionID }
func (o Clean) session() string          { return o.SessionID }

// ParseOperation decodes data into the operation named name. Empty data
// decodes to the zero payload.
func ParseOperation(name string, data json.RawMessage) (Operation, error) {
	switch name {
	case "registerSession":
		return decode[RegisterSession](name, data)
	case "closeSession":
		return decode[CloseSession](name, data)
	case "loadModel":
		return decode[LoadModel](name, data)
	case "findAll":
		return decode[FindAll](name, data)
	case "searchFulltext":
		return decode[SearchFulltext](name, data)
	case "tx":
		return decode[ApplyTx](name, data)
	case "domainRequest":
		return decode[DomainRequest](name, data)
	case "loadChunk":
		return decode[LoadChunk](name, data)
	case "closeChunk":
		return decode[CloseChunk](name, data)
	case "loadDocs":
		return decode[LoadDocs](name, data)
	case "upload":
		return decode[Upload](name, data)
	case "clean":
		return decode[Clean](name, data)
	case "getLastTxHash":
		return GetLastTxHash{}, nil
	case "getDomainHash":
		return decode[GetDomainHash](name, data)
	default:
		return nil, container.UnknownOperation(Kind, name)
	}
}

func decode[T Operation](name string, data json.RawMessage) (Operation, error) {
	var op T
	if len(data) == 0 || string(data) == "null" {
		return op, nil
	}
	if err := json.Unmarshal(data, &op); err != nil {
		return nil, ferrors.New(ferrors.ErrInvalidArgument, "malformed %s payload: %v", name, err)
	}
	return op, nil
}
