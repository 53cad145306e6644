package workspace

import (
	"context"
	"encoding/json"
)

// SystemAccountUUID identifies the internal account used by services. Its
// social ids are never published to the social lookup.
const SystemAccountUUID = "1749089e-22e6-48de-af4e-165e18fbd2f9"

// Account is the authenticated principal behind a session.
type Account struct {
	UUID      string   `json:"uuid"`
	SocialIDs []string `json:"socialIds,omitempty"`
	Role      string   `json:"role,omitempty"`
}

// Session is one authenticated user connection inside a workspace.
type Session struct {
	ID      string  `json:"sessionId"`
	Token   string  `json:"token,omitempty"`
	Account Account `json:"account"`
}

// SocialUser is what a social id resolves to.
type SocialUser struct {
	AccountUUID string `json:"accountUuid"`
	Role        string `json:"role,omitempty"`
}

// Doc is a stored document.
type Doc struct {
	ID         string         `json:"_id"`
	Class      string         `json:"_class"`
	Space      string         `json:"space,omitempty"`
	ModifiedOn int64          `json:"modifiedOn,omitempty"`
	ModifiedBy string         `json:"modifiedBy,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// Tx classes understood by the bundled services.
const (
	TxCreate = "tx:create"
	TxUpdate = "tx:update"
	TxRemove = "tx:remove"
)

// Tx is one transaction against a workspace.
type Tx struct {
	ID          string         `json:"_id"`
	Class       string         `json:"_class"`
	Domain      string         `json:"domain,omitempty"`
	ObjectID    string         `json:"objectId"`
	ObjectClass string         `json:"objectClass,omitempty"`
	Space       string         `json:"space,omitempty"`
	ModifiedOn  int64          `json:"modifiedOn,omitempty"`
	ModifiedBy  string         `json:"modifiedBy,omitempty"`
	Attributes  map[string]any `json:"attributes,omitempty"`
}

// TxResult is returned by Service.Tx. Committed holds the transactions
// pushed to the other clients of the workspace.
type TxResult struct {
	ID        string `json:"id,omitempty"`
	Committed []Tx   `json:"committed,omitempty"`
}

// ModelResponse is returned by Service.LoadModel.
type ModelResponse struct {
	Full         bool   `json:"full"`
	Hash         string `json:"hash"`
	Transactions []Tx   `json:"transactions"`
}

// FindOptions shape a FindAll query.
type FindOptions struct {
	Limit int            `json:"limit,omitempty"`
	Sort  map[string]int `json:"sort,omitempty"`
}

// FindResult is returned by Service.FindAll.
type FindResult struct {
	Docs  []Doc `json:"docs"`
	Total int   `json:"total"`
}

// SearchQuery is a fulltext query.
type SearchQuery struct {
	Query   string   `json:"query"`
	Classes []string `json:"classes,omitempty"`
	Spaces  []string `json:"spaces,omitempty"`
}

// SearchOptions shape a fulltext search.
type SearchOptions struct {
	Limit int `json:"limit,omitempty"`
}

// SearchResult is returned by Service.SearchFulltext.
type SearchResult struct {
	Docs  []Doc `json:"docs"`
	Total int   `json:"total"`
}

// Chunk is one page of a domain walk.
type Chunk struct {
	Idx      int   `json:"idx"`
	Docs     []Doc `json:"docs"`
	Finished bool  `json:"finished"`
}

// TxHash reports the last applied transaction and the model hash.
type TxHash struct {
	LastTx   string `json:"lastTx,omitempty"`
	LastHash string `json:"lastHash,omitempty"`
}

// Service holds the data and logic of one workspace. The container resolves
// the calling session and forwards; it never interprets the results beyond
// broadcasting committed transactions.
//
// Every ctx carries a measure scope and the calling client.
type Service interface {
	LoadModel(ctx context.Context, s *Session, lastModelTx int64, hash string) (*ModelResponse, error)
	FindAll(ctx context.Context, s *Session, class string, query map[string]any, opts FindOptions) (*FindResult, error)
	SearchFulltext(ctx context.Context, s *Session, query SearchQuery, opts SearchOptions) (*SearchResult, error)
	Tx(ctx context.Context, s *Session, tx Tx) (*TxResult, error)
	DomainRequest(ctx context.Context, s *Session, domain string, params json.RawMessage) (json.RawMessage, error)
	GetLastTxHash(ctx context.Context) (TxHash, error)
	LoadChunk(ctx context.Context, s *Session, domain string, idx *int) (*Chunk, error)
	GetDomainHash(ctx context.Context, domain string) (string, error)
	CloseChunk(ctx context.Context, s *Session, idx int) error
	LoadDocs(ctx context.Context, s *Session, domain string, ids []string) ([]Doc, error)
	Upload(ctx context.Context, s *Session, domain string, docs []Doc) error
	Clean(ctx context.Context, s *Session, domain string, ids []string) error
	Close(ctx context.Context) error
}

// Host is the view of its container a Service receives at construction. It
// lets the service push transactions it produces on its own.
type Host interface {
	// Broadcast pushes txes to connected clients. A non-empty targets
	// limits delivery to clients with a session of one of those accounts;
	// clients with a session of an excluded account are skipped.
	Broadcast(ctx context.Context, txes []Tx, targets, exclude []string)
	// BroadcastSessions pushes each tx list to the client owning the session.
	BroadcastSessions(ctx context.Context, sessions map[string][]Tx)
	// LookupSocial resolves a social id of a registered account.
	LookupSocial(socialID string) (SocialUser, bool)
}

// Push is the payload delivered to clients by Broadcast and
// BroadcastSessions.
type Push struct {
	SessionID string `json:"sessionId,omitempty"`
	Txes      []Tx   `json:"txes"`
}

// BroadcastParams is the payload of the "broadcast" domain request the
// bundled services support.
type BroadcastParams struct {
	Txes     []Tx            `json:"txes,omitempty"`
	Targets  []string        `json:"targets,omitempty"`
	Exclude  []string        `json:"exclude,omitempty"`
	Sessions map[string][]Tx `json:"sessions,omitempty"`
}

// Send pushes p through host.
func (p BroadcastParams) Send(ctx context.Context, host Host) {
	if len(p.Txes) > 0 {
		host.Broadcast(ctx, p.Txes, p.Targets, p.Exclude)
	}
	if len(p.Sessions) > 0 {
		host.BroadcastSessions(ctx, p.Sessions)
	}
}
