// Package memservice is an in-memory workspace.Service. It backs tests and
// the demo agent.
package memservice

import (
	"cmp"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"

	"github.com/juju/clock"

	"github.com/xiaonanln/netfabric/core"
	ferrors "github.com/xiaonanln/netfabric/util/errors"
	"github.com/xiaonanln/netfabric/util/groupby"
	"github.com/xiaonanln/netfabric/util/logger"
	"github.com/xiaonanln/netfabric/workspace"
)

// DefaultChunkSize is the number of documents per LoadChunk page.
const DefaultChunkSize = 100

// ModelDomain holds the transactions returned by LoadModel.
const ModelDomain = "model"

type cursor struct {
	domain string
	ids    []string
	pos    int
}

// Option configures a Service.
type Option func(*Service)

// WithChunkSize sets the LoadChunk page size.
func WithChunkSize(n int) Option {
	return func(s *Service) { s.chunkSize = n }
}

// WithClock sets the clock stamping transactions without modifiedOn.
func WithClock(c clock.Clock) Option {
	return func(s *Service) { s.clock = c }
}

// Service keeps the documents of one workspace in memory.
type Service struct {
	host      workspace.Host
	chunkSize int
	clock     clock.Clock
	logger    *logger.Logger

	mu        sync.Mutex
	domains   map[string]map[string]workspace.Doc
	model     []workspace.Tx
	lastTx    string
	cursors   map[int]*cursor
	nextChunk int
	closed    bool
}

// New creates an empty workspace service reporting pushes to host.
func New(host workspace.Host, opts ...Option) *Service {
	s := &Service{
		host:      host,
		chunkSize: DefaultChunkSize,
		clock:     clock.WallClock,
		logger:    logger.NewLogger("MemService"),
		domains:   make(map[string]map[string]workspace.Doc),
		cursors:   make(map[int]*cursor),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.chunkSize <= 0 {
		s.chunkSize = DefaultChunkSize
	}
	return s
}

// Factory returns a workspace.ServiceFactory creating one Service per
// container.
func Factory(opts ...Option) workspace.ServiceFactory {
	return func(ctx context.Context, o core.GetOptions, host workspace.Host) (workspace.Service, error) {
		return New(host, opts...), nil
	}
}

func (s *Service) checkLocked() error {
	if s.closed {
		return ferrors.New(ferrors.ErrClosed, "workspace service is closed")
	}
	return nil
}

func (s *Service) domainLocked(name string) map[string]workspace.Doc {
	d, ok := s.domains[name]
	if !ok {
		d = make(map[string]workspace.Doc)
		s.domains[name] = d
	}
	return d
}

func (s *Service) modelHashLocked() string {
	h := sha256.New()
	for _, tx := range s.model {
		h.Write([]byte(tx.ID))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

func (s *Service) LoadModel(ctx context.Context, sess *workspace.Session, lastModelTx int64, hash string) (*workspace.ModelResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkLocked(); err != nil {
		return nil, err
	}
	current := s.modelHashLocked()
	resp := &workspace.ModelResponse{Hash: current, Transactions: []workspace.Tx{}}
	if hash == current {
		return resp, nil
	}
	resp.Full = lastModelTx == 0
	for _, tx := range s.model {
		if tx.ModifiedOn > lastModelTx {
			resp.Transactions = append(resp.Transactions, tx)
		}
	}
	return resp, nil
}

func matches(doc workspace.Doc, class string, query map[string]any) bool {
	if class != "" && doc.Class != class {
		return false
	}
	for k, want := range query {
		var have any
		switch k {
		case "_id":
			have = doc.ID
		case "space":
			have = doc.Space
		case "modifiedBy":
			have = doc.ModifiedBy
		default:
			have = doc.Attributes[k]
		}
		if fmt.Sprint(have) != fmt.Sprint(want) {
			return false
		}
	}
	return true
}

// allDocsLocked returns every document ordered by id.
func (s *Service) allDocsLocked() []workspace.Doc {
	var docs []workspace.Doc
	for _, d := range s.domains {
		docs = slices.AppendSeq(docs, maps.Values(d))
	}
	slices.SortFunc(docs, func(a, b workspace.Doc) int { return cmp.Compare(a.ID, b.ID) })
	return docs
}

func limit(docs []workspace.Doc, n int) []workspace.Doc {
	if n > 0 && len(docs) > n {
		return docs[:n]
	}
	return docs
}

func (s *Service) FindAll(ctx context.Context, sess *workspace.Session, class string, query map[string]any, opts workspace.FindOptions) (*workspace.FindResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkLocked(); err != nil {
		return nil, err
	}
	found := []workspace.Doc{}
	for _, doc := range s.allDocsLocked() {
		if matches(doc, class, query) {
			found = append(found, doc)
		}
	}
	if dir, ok := opts.Sort["modifiedOn"]; ok {
		slices.SortStableFunc(found, func(a, b workspace.Doc) int { return dir * cmp.Compare(a.ModifiedOn, b.ModifiedOn) })
	}
	return &workspace.FindResult{Docs: limit(found, opts.Limit), Total: len(found)}, nil
}

func (s *Service) SearchFulltext(ctx context.Context, sess *workspace.Session, query workspace.SearchQuery, opts workspace.SearchOptions) (*workspace.SearchResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkLocked(); err != nil {
		return nil, err
	}
	needle := strings.ToLower(query.Query)
	found := []workspace.Doc{}
	for _, doc := range s.allDocsLocked() {
		if len(query.Classes) > 0 && !slices.Contains(query.Classes, doc.Class) {
			continue
		}
		if len(query.Spaces) > 0 && !slices.Contains(query.Spaces, doc.Space) {
			continue
		}
		for _, v := range doc.Attributes {
			if str, ok := v.(string); ok && strings.Contains(strings.ToLower(str), needle) {
				found = append(found, doc)
				break
			}
		}
	}
	return &workspace.SearchResult{Docs: limit(found, opts.Limit), Total: len(found)}, nil
}

func (s *Service) Tx(ctx context.Context, sess *workspace.Session, tx workspace.Tx) (*workspace.TxResult, error) {
	if tx.ID == "" || tx.ObjectID == "" {
		return nil, ferrors.InvalidArgument("tx requires _id and objectId")
	}
	if tx.ModifiedBy == "" {
		tx.ModifiedBy = sess.Account.UUID
	}
	if tx.ModifiedOn == 0 {
		tx.ModifiedOn = s.clock.Now().UnixMilli()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkLocked(); err != nil {
		return nil, err
	}
	domain := cmp.Or(tx.Domain, "default")
	docs := s.domainLocked(domain)
	switch tx.Class {
	case workspace.TxCreate:
		if _, exists := docs[tx.ObjectID]; exists {
			return nil, ferrors.InvalidArgument("document %s already exists", tx.ObjectID)
		}
		docs[tx.ObjectID] = workspace.Doc{
			ID:         tx.ObjectID,
			Class:      tx.ObjectClass,
			Space:      tx.Space,
			ModifiedOn: tx.ModifiedOn,
			ModifiedBy: tx.ModifiedBy,
			Attributes: maps.Clone(tx.Attributes),
		}
	case workspace.TxUpdate:
		doc, ok := docs[tx.ObjectID]
		if !ok {
			return nil, ferrors.New(ferrors.ErrNotFound, "document %s not found in %s", tx.ObjectID, domain)
		}
		doc.Attributes = maps.Clone(doc.Attributes)
		if doc.Attributes == nil {
			doc.Attributes = make(map[string]any)
		}
		maps.Copy(doc.Attributes, tx.Attributes)
		doc.ModifiedOn, doc.ModifiedBy = tx.ModifiedOn, tx.ModifiedBy
		docs[tx.ObjectID] = doc
	case workspace.TxRemove:
		if _, ok := docs[tx.ObjectID]; !ok {
			return nil, ferrors.New(ferrors.ErrNotFound, "document %s not found in %s", tx.ObjectID, domain)
		}
		delete(docs, tx.ObjectID)
	default:
		return nil, ferrors.InvalidArgument("unsupported tx class %q", tx.Class)
	}
	if domain == ModelDomain {
		s.model = append(s.model, tx)
	}
	s.lastTx = tx.ID
	return &workspace.TxResult{ID: tx.ID, Committed: []workspace.Tx{tx}}, nil
}

// DomainRequest supports two domains: "stats" counts documents per class
// and "broadcast" pushes the given txes through the host.
func (s *Service) DomainRequest(ctx context.Context, sess *workspace.Session, domain string, params json.RawMessage) (json.RawMessage, error) {
	switch domain {
	case "stats":
		s.mu.Lock()
		if err := s.checkLocked(); err != nil {
			s.mu.Unlock()
			return nil, err
		}
		byClass := groupby.GroupByArray(s.allDocsLocked(), func(d workspace.Doc) string { return d.Class })
		s.mu.Unlock()
		counts := make(map[string]int, len(byClass))
		for class, docs := range byClass {
			counts[class] = len(docs)
		}
		return json.Marshal(counts)
	case "broadcast":
		var p workspace.BroadcastParams
		if len(params) > 0 {
			if err := json.Unmarshal(params, &p); err != nil {
				return nil, ferrors.InvalidArgument("malformed broadcast params: %v", err)
			}
		}
		p.Send(ctx, s.host)
		return json.RawMessage(`{}`), nil
	default:
		return nil, ferrors.InvalidArgument("unsupported domain request %q", domain)
	}
}

func (s *Service) GetLastTxHash(ctx context.Context) (workspace.TxHash, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkLocked(); err != nil {
		return workspace.TxHash{}, err
	}
	return workspace.TxHash{LastTx: s.lastTx, LastHash: s.modelHashLocked()}, nil
}

func (s *Service) LoadChunk(ctx context.Context, sess *workspace.Session, domain string, idx *int) (*workspace.Chunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkLocked(); err != nil {
		return nil, err
	}
	var (
		c  *cursor
		id int
	)
	if idx == nil {
		s.nextChunk++
		id = s.nextChunk
		c = &cursor{domain: domain, ids: slices.Sorted(maps.Keys(s.domains[domain]))}
		s.cursors[id] = c
	} else {
		id = *idx
		var ok bool
		if c, ok = s.cursors[id]; !ok {
			return nil, ferrors.New(ferrors.ErrNotFound, "chunk %d is not open", id)
		}
	}

	chunk := &workspace.Chunk{Idx: id, Docs: []workspace.Doc{}}
	docs := s.domains[c.domain]
	for c.pos < len(c.ids) && len(chunk.Docs) < s.chunkSize {
		if doc, ok := docs[c.ids[c.pos]]; ok {
			chunk.Docs = append(chunk.Docs, doc)
		}
		c.pos++
	}
	chunk.Finished = c.pos >= len(c.ids)
	return chunk, nil
}

func (s *Service) GetDomainHash(ctx context.Context, domain string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkLocked(); err != nil {
		return "", err
	}
	docs := s.domains[domain]
	h := sha256.New()
	for _, id := range slices.Sorted(maps.Keys(docs)) {
		fmt.Fprintf(h, "%s:%d\n", id, docs[id].ModifiedOn)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func (s *Service) CloseChunk(ctx context.Context, sess *workspace.Session, idx int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cursors, idx)
	return nil
}

// OpenChunks returns the number of live chunk cursors.
func (s *Service) OpenChunks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.cursors)
}

func (s *Service) LoadDocs(ctx context.Context, sess *workspace.Session, domain string, ids []string) ([]workspace.Doc, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkLocked(); err != nil {
		return nil, err
	}
	docs := s.domains[domain]
	out := make([]workspace.Doc, 0, len(ids))
	for _, id := range ids {
		if doc, ok := docs[id]; ok {
			out = append(out, doc)
		}
	}
	return out, nil
}

func (s *Service) Upload(ctx context.Context, sess *workspace.Session, domain string, docs []workspace.Doc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkLocked(); err != nil {
		return err
	}
	d := s.domainLocked(domain)
	for _, doc := range docs {
		if doc.ID == "" {
			return ferrors.InvalidArgument("uploaded document without _id")
		}
		d[doc.ID] = doc
	}
	return nil
}

func (s *Service) Clean(ctx context.Context, sess *workspace.Session, domain string, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkLocked(); err != nil {
		return err
	}
	d := s.domains[domain]
	for _, id := range ids {
		delete(d, id)
	}
	return nil
}

func (s *Service) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if n := len(s.cursors); n > 0 {
		s.logger.Warnf("Closing with %d chunk cursors still open", n)
	}
	clear(s.cursors)
	return nil
}

var _ workspace.Service = (*Service)(nil)
