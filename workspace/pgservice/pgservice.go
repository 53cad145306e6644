// Package pgservice is a workspace.Service stored in PostgreSQL. All
// workspaces share two tables keyed by workspace uuid; chunked reads use
// keyset pagination so an open chunk holds no database resources.
package pgservice

import (
	"cmp"
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/juju/clock"
	"github.com/lib/pq"

	"github.com/xiaonanln/netfabric/core"
	ferrors "github.com/xiaonanln/netfabric/util/errors"
	"github.com/xiaonanln/netfabric/util/logger"
	"github.com/xiaonanln/netfabric/util/postgres"
	"github.com/xiaonanln/netfabric/workspace"
)

// DefaultChunkSize is the number of documents per LoadChunk page.
const DefaultChunkSize = 500

// ModelDomain holds the transactions returned by LoadModel.
const ModelDomain = "model"

const docColumns = `id, class, space, modified_on, modified_by, attributes`

type cursor struct {
	domain string
	after  string
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

// Service serves one workspace from a shared database.
type Service struct {
	db        *postgres.DB
	workspace string
	host      workspace.Host
	chunkSize int
	clock     clock.Clock
	logger    *logger.Logger

	mu        sync.Mutex
	cursors   map[int]*cursor
	nextChunk int
	closed    bool
}

// New creates the service of workspace ws. db must already be migrated and
// is not closed by Close.
func New(db *postgres.DB, ws string, host workspace.Host, opts ...Option) *Service {
	s := &Service{
		db:        db,
		workspace: ws,
		host:      host,
		chunkSize: DefaultChunkSize,
		clock:     clock.WallClock,
		logger:    logger.NewLogger("PgService").With("workspace", ws),
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

// Factory returns a workspace.ServiceFactory serving each container from db.
func Factory(db *postgres.DB, opts ...Option) workspace.ServiceFactory {
	return func(ctx context.Context, o core.GetOptions, host workspace.Host) (workspace.Service, error) {
		return New(db, string(o.UUID), host, opts...), nil
	}
}

func (s *Service) check() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ferrors.New(ferrors.ErrClosed, "workspace service %s is closed", s.workspace)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDoc(row scanner, extra ...any) (workspace.Doc, error) {
	var (
		doc   workspace.Doc
		attrs []byte
	)
	dest := append([]any{&doc.ID, &doc.Class, &doc.Space, &doc.ModifiedOn, &doc.ModifiedBy, &attrs}, extra...)
	if err := row.Scan(dest...); err != nil {
		return doc, err
	}
	if len(attrs) > 0 && string(attrs) != "{}" {
		if err := json.Unmarshal(attrs, &doc.Attributes); err != nil {
			return doc, fmt.Errorf("corrupt attributes of %s: %w", doc.ID, err)
		}
	}
	return doc, nil
}

func marshalAttributes(attrs map[string]any) ([]byte, error) {
	if attrs == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(attrs)
}

func (s *Service) queryDocs(ctx context.Context, query string, args ...any) ([]workspace.Doc, int, error) {
	rows, err := s.db.Connection().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query documents: %w", err)
	}
	defer rows.Close()
	docs := []workspace.Doc{}
	total := 0
	for rows.Next() {
		doc, err := scanDoc(rows, &total)
		if err != nil {
			return nil, 0, err
		}
		docs = append(docs, doc)
	}
	return docs, total, rows.Err()
}

func (s *Service) modelHash(ctx context.Context) (string, error) {
	rows, err := s.db.Connection().QueryContext(ctx,
		`SELECT id FROM workspace_txes WHERE workspace = $1 AND domain = $2 ORDER BY seq`, s.workspace, ModelDomain)
	if err != nil {
		return "", fmt.Errorf("failed to read model: %w", err)
	}
	defer rows.Close()
	h := sha256.New()
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return "", err
		}
		h.Write([]byte(id))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil)), rows.Err()
}

func (s *Service) LoadModel(ctx context.Context, sess *workspace.Session, lastModelTx int64, hash string) (*workspace.ModelResponse, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	current, err := s.modelHash(ctx)
	if err != nil {
		return nil, err
	}
	resp := &workspace.ModelResponse{Hash: current, Transactions: []workspace.Tx{}}
	if hash == current {
		return resp, nil
	}
	resp.Full = lastModelTx == 0

	rows, err := s.db.Connection().QueryContext(ctx,
		`SELECT body FROM workspace_txes WHERE workspace = $1 AND domain = $2 AND modified_on > $3 ORDER BY seq`,
		s.workspace, ModelDomain, lastModelTx)
	if err != nil {
		return nil, fmt.Errorf("failed to load model: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var tx workspace.Tx
		if err := json.Unmarshal(body, &tx); err != nil {
			return nil, fmt.Errorf("corrupt model tx: %w", err)
		}
		resp.Transactions = append(resp.Transactions, tx)
	}
	return resp, rows.Err()
}

// findQuery builds the WHERE clause shared by FindAll. Top-level fields
// compare against columns; everything else must be contained in attributes.
func (s *Service) findQuery(class string, query map[string]any) (string, []any, error) {
	where := []string{"workspace = $1"}
	args := []any{s.workspace}
	add := func(clause string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if class != "" {
		add("class = $%d", class)
	}
	attrs := make(map[string]any)
	for k, v := range query {
		switch k {
		case "_id":
			add("id = $%d", fmt.Sprint(v))
		case "space":
			add("space = $%d", fmt.Sprint(v))
		case "modifiedBy":
			add("modified_by = $%d", fmt.Sprint(v))
		default:
			attrs[k] = v
		}
	}
	if len(attrs) > 0 {
		b, err := json.Marshal(attrs)
		if err != nil {
			return "", nil, ferrors.InvalidArgument("query is not serializable: %v", err)
		}
		add("attributes @> $%d::jsonb", string(b))
	}
	return strings.Join(where, " AND "), args, nil
}

func (s *Service) FindAll(ctx context.Context, sess *workspace.Session, class string, query map[string]any, opts workspace.FindOptions) (*workspace.FindResult, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	where, args, err := s.findQuery(class, query)
	if err != nil {
		return nil, err
	}
	order := "id"
	if dir, ok := opts.Sort["modifiedOn"]; ok {
		order = "modified_on ASC, id"
		if dir < 0 {
			order = "modified_on DESC, id"
		}
	}
	q := fmt.Sprintf(`SELECT %s, COUNT(*) OVER () FROM workspace_docs WHERE %s ORDER BY %s`, docColumns, where, order)
	if opts.Limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", opts.Limit)
	}
	docs, total, err := s.queryDocs(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	return &workspace.FindResult{Docs: docs, Total: total}, nil
}

func (s *Service) SearchFulltext(ctx context.Context, sess *workspace.Session, query workspace.SearchQuery, opts workspace.SearchOptions) (*workspace.SearchResult, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	q := fmt.Sprintf(`SELECT %s, COUNT(*) OVER () FROM workspace_docs
		WHERE workspace = $1
		  AND EXISTS (SELECT 1 FROM jsonb_each_text(attributes) kv WHERE kv.value ILIKE '%%' || $2 || '%%')
		  AND (cardinality($3::text[]) = 0 OR class = ANY($3))
		  AND (cardinality($4::text[]) = 0 OR space = ANY($4))
		ORDER BY id`, docColumns)
	if opts.Limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", opts.Limit)
	}
	docs, total, err := s.queryDocs(ctx, q, s.workspace, query.Query,
		pq.Array(orEmpty(query.Classes)), pq.Array(orEmpty(query.Spaces)))
	if err != nil {
		return nil, err
	}
	return &workspace.SearchResult{Docs: docs, Total: total}, nil
}

func orEmpty(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}

func (s *Service) Tx(ctx context.Context, sess *workspace.Session, tx workspace.Tx) (*workspace.TxResult, error) {
	if tx.ID == "" || tx.ObjectID == "" {
		return nil, ferrors.InvalidArgument("tx requires _id and objectId")
	}
	if err := s.check(); err != nil {
		return nil, err
	}
	if tx.ModifiedBy == "" {
		tx.ModifiedBy = sess.Account.UUID
	}
	if tx.ModifiedOn == 0 {
		tx.ModifiedOn = s.clock.Now().UnixMilli()
	}
	domain := cmp.Or(tx.Domain, "default")
	attrs, err := marshalAttributes(tx.Attributes)
	if err != nil {
		return nil, ferrors.InvalidArgument("tx attributes are not serializable: %v", err)
	}
	body, err := json.Marshal(tx)
	if err != nil {
		return nil, err
	}

	err = s.db.WithTx(ctx, func(dbtx *sql.Tx) error {
		var res sql.Result
		var err error
		switch tx.Class {
		case workspace.TxCreate:
			res, err = dbtx.ExecContext(ctx, `INSERT INTO workspace_docs (workspace, domain, id, class, space, modified_on, modified_by, attributes)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8::jsonb) ON CONFLICT DO NOTHING`,
				s.workspace, domain, tx.ObjectID, tx.ObjectClass, tx.Space, tx.ModifiedOn, tx.ModifiedBy, string(attrs))
		case workspace.TxUpdate:
			res, err = dbtx.ExecContext(ctx, `UPDATE workspace_docs SET attributes = attributes || $4::jsonb, modified_on = $5, modified_by = $6
				WHERE workspace = $1 AND domain = $2 AND id = $3`,
				s.workspace, domain, tx.ObjectID, string(attrs), tx.ModifiedOn, tx.ModifiedBy)
		case workspace.TxRemove:
			res, err = dbtx.ExecContext(ctx, `DELETE FROM workspace_docs WHERE workspace = $1 AND domain = $2 AND id = $3`,
				s.workspace, domain, tx.ObjectID)
		default:
			return ferrors.InvalidArgument("unsupported tx class %q", tx.Class)
		}
		if err != nil {
			return fmt.Errorf("failed to apply tx %s: %w", tx.ID, err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			if tx.Class == workspace.TxCreate {
				return ferrors.InvalidArgument("document %s already exists", tx.ObjectID)
			}
			return ferrors.New(ferrors.ErrNotFound, "document %s not found in %s", tx.ObjectID, domain)
		}
		_, err = dbtx.ExecContext(ctx, `INSERT INTO workspace_txes (workspace, id, domain, modified_on, body) VALUES ($1, $2, $3, $4, $5::jsonb)`,
			s.workspace, tx.ID, domain, tx.ModifiedOn, string(body))
		return err
	})
	if err != nil {
		return nil, err
	}
	return &workspace.TxResult{ID: tx.ID, Committed: []workspace.Tx{tx}}, nil
}

// DomainRequest supports two domains: "stats" counts documents per class
// and "broadcast" pushes the given txes through the host.
func (s *Service) DomainRequest(ctx context.Context, sess *workspace.Session, domain string, params json.RawMessage) (json.RawMessage, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	switch domain {
	case "stats":
		rows, err := s.db.Connection().QueryContext(ctx,
			`SELECT class, COUNT(*) FROM workspace_docs WHERE workspace = $1 GROUP BY class`, s.workspace)
		if err != nil {
			return nil, fmt.Errorf("failed to count documents: %w", err)
		}
		defer rows.Close()
		counts := make(map[string]int)
		for rows.Next() {
			var (
				class string
				n     int
			)
			if err := rows.Scan(&class, &n); err != nil {
				return nil, err
			}
			counts[class] = n
		}
		if err := rows.Err(); err != nil {
			return nil, err
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
	if err := s.check(); err != nil {
		return workspace.TxHash{}, err
	}
	var out workspace.TxHash
	err := s.db.Connection().QueryRowContext(ctx,
		`SELECT id FROM workspace_txes WHERE workspace = $1 ORDER BY seq DESC LIMIT 1`, s.workspace).Scan(&out.LastTx)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return out, fmt.Errorf("failed to read last tx: %w", err)
	}
	out.LastHash, err = s.modelHash(ctx)
	return out, err
}

func (s *Service) LoadChunk(ctx context.Context, sess *workspace.Session, domain string, idx *int) (*workspace.Chunk, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	var (
		c  *cursor
		id int
	)
	if idx == nil {
		s.nextChunk++
		id = s.nextChunk
		c = &cursor{domain: domain}
		s.cursors[id] = c
	} else {
		id = *idx
		c = s.cursors[id]
	}
	var after string
	if c != nil {
		after = c.after
	}
	s.mu.Unlock()
	if c == nil {
		return nil, ferrors.New(ferrors.ErrNotFound, "chunk %d is not open", id)
	}

	q := fmt.Sprintf(`SELECT %s, 0 FROM workspace_docs WHERE workspace = $1 AND domain = $2 AND id > $3 ORDER BY id LIMIT $4`, docColumns)
	docs, _, err := s.queryDocs(ctx, q, s.workspace, c.domain, after, s.chunkSize+1)
	if err != nil {
		return nil, err
	}
	pageSize := min(len(docs), s.chunkSize)
	chunk := &workspace.Chunk{Idx: id, Docs: docs[:pageSize], Finished: len(docs) <= s.chunkSize}

	if pageSize > 0 {
		s.mu.Lock()
		c.after = docs[pageSize-1].ID
		s.mu.Unlock()
	}
	return chunk, nil
}

func (s *Service) GetDomainHash(ctx context.Context, domain string) (string, error) {
	if err := s.check(); err != nil {
		return "", err
	}
	rows, err := s.db.Connection().QueryContext(ctx,
		`SELECT id, modified_on FROM workspace_docs WHERE workspace = $1 AND domain = $2 ORDER BY id`, s.workspace, domain)
	if err != nil {
		return "", fmt.Errorf("failed to hash domain %s: %w", domain, err)
	}
	defer rows.Close()
	h := sha256.New()
	for rows.Next() {
		var (
			id         string
			modifiedOn int64
		)
		if err := rows.Scan(&id, &modifiedOn); err != nil {
			return "", err
		}
		fmt.Fprintf(h, "%s:%d\n", id, modifiedOn)
	}
	return hex.EncodeToString(h.Sum(nil)), rows.Err()
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
	if err := s.check(); err != nil {
		return nil, err
	}
	q := fmt.Sprintf(`SELECT %s, 0 FROM workspace_docs WHERE workspace = $1 AND domain = $2 AND id = ANY($3)`, docColumns)
	docs, _, err := s.queryDocs(ctx, q, s.workspace, domain, pq.Array(ids))
	if err != nil {
		return nil, err
	}
	byID := make(map[string]workspace.Doc, len(docs))
	for _, d := range docs {
		byID[d.ID] = d
	}
	out := make([]workspace.Doc, 0, len(docs))
	for _, id := range ids {
		if d, ok := byID[id]; ok {
			out = append(out, d)
		}
	}
	return out, nil
}

func (s *Service) Upload(ctx context.Context, sess *workspace.Session, domain string, docs []workspace.Doc) error {
	if err := s.check(); err != nil {
		return err
	}
	return s.db.WithTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `INSERT INTO workspace_docs (workspace, domain, id, class, space, modified_on, modified_by, attributes)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8::jsonb)
			ON CONFLICT (workspace, domain, id) DO UPDATE SET
				class = EXCLUDED.class, space = EXCLUDED.space, modified_on = EXCLUDED.modified_on,
				modified_by = EXCLUDED.modified_by, attributes = EXCLUDED.attributes`)
		if err != nil {
			return fmt.Errorf("failed to prepare upload: %w", err)
		}
		defer stmt.Close()
		for _, doc := range docs {
			if doc.ID == "" {
				return ferrors.InvalidArgument("uploaded document without _id")
			}
			attrs, err := marshalAttributes(doc.Attributes)
			if err != nil {
				return ferrors.InvalidArgument("attributes of %s are not serializable: %v", doc.ID, err)
			}
			if _, err := stmt.ExecContext(ctx, s.workspace, domain, doc.ID, doc.Class, doc.Space, doc.ModifiedOn, doc.ModifiedBy, string(attrs)); err != nil {
				return fmt.Errorf("failed to upload %s: %w", doc.ID, err)
			}
		}
		return nil
	})
}

func (s *Service) Clean(ctx context.Context, sess *workspace.Session, domain string, ids []string) error {
	if err := s.check(); err != nil {
		return err
	}
	_, err := s.db.Connection().ExecContext(ctx,
		`DELETE FROM workspace_docs WHERE workspace = $1 AND domain = $2 AND id = ANY($3)`, s.workspace, domain, pq.Array(ids))
	if err != nil {
		return fmt.Errorf("failed to clean %s: %w", domain, err)
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
