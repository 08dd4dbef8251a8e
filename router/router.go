// Copyright (C) 2022 Sneller, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package router analyzes SQL for cross-server references, fetches remote
// data in parallel, materializes it into the engine as temp tables, rewrites
// the query against those tables, executes it, and drops the temp tables
// afterward. It is a sibling of vfs, not a layer above it: both hold their
// own reference to the same Registry and Pool instances, wired by a single
// owning root, following the "owning-root + opaque keys" convention spec.md
// §9 prescribes to avoid a Registry<->VFS<->Router reference cycle.
package router

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/theseedship/duckdb-mcp-gateway/engine"
	"github.com/theseedship/duckdb-mcp-gateway/pool"
	"github.com/theseedship/duckdb-mcp-gateway/registry"
	"github.com/theseedship/duckdb-mcp-gateway/transport"
	"github.com/theseedship/duckdb-mcp-gateway/uri"
)

// ConnectPattern describes one candidate address to try when fetching
// remote data for a server alias, in attempt order. Deliberately the same
// shape as vfs.ConnectPattern: gateway wiring passes the same configured
// map to both subsystems, but Router holds its own copy rather than
// depending on the vfs package, per the owning-root discipline above.
type ConnectPattern struct {
	Transport transport.Kind
	Address   string
}

// QueryPlan is the result of analyzing a query for federation.
type QueryPlan struct {
	Federated     bool
	ServerAliases []string
	RemoteQueries map[string]string
	JoinStrategy  string
}

// QueryResult is the outcome of executeQuery.
type QueryResult struct {
	Rows              []engine.Row
	Columns           []string
	SourcesQueried    []string
	Duration          time.Duration
	TempTablesCreated int
}

// Stats mirrors spec.md §4.H's getStats() shape.
type Stats struct {
	TempTablesCreated int64
	QueriesRouted     int64
}

// NoResourcesForServerError reports that alias has no resources registered
// when a remote fetch needed one.
type NoResourcesForServerError struct{ Alias string }

func (e *NoResourcesForServerError) Error() string {
	return fmt.Sprintf("router: no resources registered for server %q", e.Alias)
}

// CannotResolveServerError reports that every configured connection
// pattern for alias failed.
type CannotResolveServerError struct {
	Alias string
	Cause error
}

func (e *CannotResolveServerError) Error() string {
	return fmt.Sprintf("router: cannot resolve server %q: %v", e.Alias, e.Cause)
}
func (e *CannotResolveServerError) Unwrap() error { return e.Cause }

// RemoteFetchFailedError wraps a transport-level failure during remote
// fetch for alias.
type RemoteFetchFailedError struct {
	Alias string
	Cause error
}

func (e *RemoteFetchFailedError) Error() string {
	return fmt.Sprintf("router: remote fetch failed for %q: %v", e.Alias, e.Cause)
}
func (e *RemoteFetchFailedError) Unwrap() error { return e.Cause }

// UnsupportedRemoteDataError reports a remote payload shape that could not
// be materialized into the engine.
type UnsupportedRemoteDataError struct {
	Alias string
	Kind  string
}

func (e *UnsupportedRemoteDataError) Error() string {
	return fmt.Sprintf("router: unsupported remote data for %q: %s", e.Alias, e.Kind)
}

// EngineError opaquely wraps an underlying engine.Adapter failure, per
// spec.md §6's "EngineError (opaque passthrough)" category.
type EngineError struct{ Cause error }

func (e *EngineError) Error() string { return fmt.Sprintf("router: engine error: %v", e.Cause) }
func (e *EngineError) Unwrap() error { return e.Cause }

// payloadKind tags the decoded shape of a remote payload, replacing the
// ad-hoc object-shape probing spec.md §9's design notes warn against with a
// single decode pass producing one of four variants.
type payloadKind int

const (
	payloadUnknown payloadKind = iota
	payloadText
	payloadBlob
	payloadRows
)

type remotePayload struct {
	kind payloadKind
	text string
	blob []byte
	rows []engine.Row
}

// Option configures optional Router behavior, mirroring the teacher's
// tenant.Manager functional-option convention (also used by pool.Option).
type Option func(*Router)

// WithQueryToolMatcher overrides the regex used to recognize a provider
// tool as a query/SQL tool (spec.md §9 open question: exposed as config
// rather than hard-coded so the heuristic can be tightened without code
// changes).
func WithQueryToolMatcher(re *regexp.Regexp) Option {
	return func(r *Router) { r.queryToolMatcher = re }
}

// WithLogger overrides the Router's logger.
func WithLogger(l zerolog.Logger) Option {
	return func(r *Router) { r.logger = l }
}

// Router implements spec.md §4.H.
type Router struct {
	registry *registry.Registry
	pool     *pool.Pool
	engine   engine.Adapter
	patterns map[string][]ConnectPattern

	queryToolMatcher *regexp.Regexp
	logger           zerolog.Logger

	tempCounter   int64
	queriesRouted int64
}

// New constructs a Router sharing reg and p with whatever VFS instance the
// caller also wires them into.
func New(reg *registry.Registry, p *pool.Pool, eng engine.Adapter, patterns map[string][]ConnectPattern, opts ...Option) *Router {
	r := &Router{
		registry:         reg,
		pool:             p,
		engine:           eng,
		patterns:         patterns,
		queryToolMatcher: defaultQueryToolMatcher,
		logger:           zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

var defaultQueryToolMatcher = regexp.MustCompile(`(?i)query|sql`)

var (
	aliasTableRe = regexp.MustCompile(`\b([A-Za-z_][A-Za-z0-9_]*)\.([A-Za-z_][A-Za-z0-9_]*)\b`)
	orderByRe    = regexp.MustCompile(`(?i)\bORDER\s+BY\b`)
	whereInRe    = regexp.MustCompile(`(?i)\bWHERE\b[\s\S]*?\bIN\s*\(`)
)

// AnalyzeQuery implements spec.md §4.H's "Analysis" paragraph: federation is
// detected by mcp:// references and by "<alias>.<table>" identifiers where
// alias names a server the Router actually knows about (a configured
// connect pattern or a registry entry), never by a bare textual match.
func (r *Router) AnalyzeQuery(sql string) *QueryPlan {
	aliases := make(map[string]bool)
	for _, u := range uri.ExtractFromSQL(sql) {
		if p, err := uri.Parse(u); err == nil {
			aliases[p.Server] = true
		}
	}
	for _, m := range aliasTableRe.FindAllStringSubmatch(sql, -1) {
		alias := m[1]
		if r.isKnownAlias(alias) {
			aliases[alias] = true
		}
	}

	list := make([]string, 0, len(aliases))
	for a := range aliases {
		list = append(list, a)
	}
	sort.Strings(list)

	remoteQueries := make(map[string]string, len(list))
	for _, a := range list {
		remoteQueries[a] = extractServerQuery(a)
	}

	strategy := "hash"
	switch {
	case orderByRe.MatchString(sql):
		strategy = "merge"
	case whereInRe.MatchString(sql):
		strategy = "nested"
	}

	return &QueryPlan{
		Federated:     len(list) > 0,
		ServerAliases: list,
		RemoteQueries: remoteQueries,
		JoinStrategy:  strategy,
	}
}

func (r *Router) isKnownAlias(alias string) bool {
	if len(r.patterns[alias]) > 0 {
		return true
	}
	return len(r.registry.GetServerResources(alias)) > 0
}

// extractServerQuery is a stub per spec.md §9's open question: the source
// always synthesizes "SELECT * FROM <alias>" rather than extracting the
// actual per-server subquery text. Preserved verbatim rather than guessed.
func extractServerQuery(alias string) string {
	return "SELECT * FROM " + alias
}

// prepareLocalQuery is likewise a stub per spec.md §9: the source always
// returns the input unchanged. Kept as a named hook so a future real
// rewrite has a single insertion point.
func prepareLocalQuery(sql string) string {
	return sql
}

// ExecuteQuery implements spec.md §4.H's "Execution" paragraph.
func (r *Router) ExecuteQuery(ctx context.Context, sql string) (*QueryResult, error) {
	start := time.Now()
	atomic.AddInt64(&r.queriesRouted, 1)

	plan := r.AnalyzeQuery(sql)
	if !plan.Federated {
		rows, cols, err := r.runLocal(ctx, sql)
		if err != nil {
			return nil, err
		}
		return &QueryResult{Rows: rows, Columns: cols, SourcesQueried: []string{"local"}, Duration: time.Since(start)}, nil
	}

	type fetched struct {
		alias   string
		payload remotePayload
		err     error
	}
	results := make([]fetched, len(plan.ServerAliases))
	g, gctx := errgroup.WithContext(ctx)
	for i, alias := range plan.ServerAliases {
		i, alias := i, alias
		g.Go(func() error {
			payload, err := r.fetchRemote(gctx, alias)
			results[i] = fetched{alias: alias, payload: payload, err: err}
			return nil // per spec.md §5, remote fetches are independent; don't abort siblings
		})
	}
	_ = g.Wait()

	var created []string
	tempNames := make(map[string]string, len(plan.ServerAliases))
	for _, f := range results {
		if f.err != nil {
			r.dropTempTables(created)
			return nil, f.err
		}
		name, err := r.materializeTempTable(ctx, f.alias, f.payload)
		if err != nil {
			r.dropTempTables(created)
			return nil, err
		}
		tempNames[f.alias] = name
		created = append(created, name)
	}

	rewritten := prepareLocalQuery(r.rewriteSQL(sql, tempNames))
	rows, cols, err := r.runLocal(ctx, rewritten)
	r.dropTempTables(created)
	if err != nil {
		return nil, err
	}

	sources := append([]string{"local"}, plan.ServerAliases...)
	return &QueryResult{
		Rows:              rows,
		Columns:           cols,
		SourcesQueried:    sources,
		Duration:          time.Since(start),
		TempTablesCreated: len(created),
	}, nil
}

func (r *Router) runLocal(ctx context.Context, sql string) ([]engine.Row, []string, error) {
	seq, err := r.engine.Execute(ctx, sql)
	if err != nil {
		return nil, nil, &EngineError{Cause: err}
	}
	defer seq.Close()

	cols := seq.Columns()
	var rows []engine.Row
	for {
		row, ok, err := seq.Next(ctx)
		if err != nil {
			return nil, nil, &EngineError{Cause: err}
		}
		if !ok {
			break
		}
		rows = append(rows, row)
	}
	return rows, cols, nil
}

// ExecuteQueryStream runs sql and returns a lazy row sequence: for
// non-federated queries this streams the engine's own output directly; for
// federated queries, remote data is materialized and the query rewritten
// exactly as in ExecuteQuery, then the rewritten SQL is executed and
// streamed (materialize-then-stream, per spec.md §4.H).
func (r *Router) ExecuteQueryStream(ctx context.Context, sql string) (engine.RowSeq, error) {
	atomic.AddInt64(&r.queriesRouted, 1)
	plan := r.AnalyzeQuery(sql)
	if !plan.Federated {
		seq, err := r.engine.Execute(ctx, sql)
		if err != nil {
			return nil, &EngineError{Cause: err}
		}
		return seq, nil
	}

	var created []string
	tempNames := make(map[string]string, len(plan.ServerAliases))
	for _, alias := range plan.ServerAliases {
		payload, err := r.fetchRemote(ctx, alias)
		if err != nil {
			r.dropTempTables(created)
			return nil, err
		}
		name, err := r.materializeTempTable(ctx, alias, payload)
		if err != nil {
			r.dropTempTables(created)
			return nil, err
		}
		tempNames[alias] = name
		created = append(created, name)
	}

	rewritten := prepareLocalQuery(r.rewriteSQL(sql, tempNames))
	seq, err := r.engine.Execute(ctx, rewritten)
	// best-effort drop happens once the caller has finished draining; since
	// RowSeq.Close() is the caller's responsibility and temp tables must
	// outlive the stream, the drop is deferred to a wrapper that closes
	// both together.
	if err != nil {
		r.dropTempTables(created)
		return nil, &EngineError{Cause: err}
	}
	return &streamWithCleanup{RowSeq: seq, router: r, tempTables: created}, nil
}

// streamWithCleanup defers the federated temp-table drop until the stream
// itself is closed, so rows already materialized remain queryable while
// the caller drains them.
type streamWithCleanup struct {
	engine.RowSeq
	router     *Router
	tempTables []string
}

func (s *streamWithCleanup) Close() error {
	err := s.RowSeq.Close()
	s.router.dropTempTables(s.tempTables)
	return err
}

// ExplainQuery renders a human-readable plan, including which resources
// per federated alias are already cached.
func (r *Router) ExplainQuery(sql string) string {
	plan := r.AnalyzeQuery(sql)
	if !plan.Federated {
		return "local-only query; no federation detected"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "federated query; joinStrategy=%s; servers=%s\n", plan.JoinStrategy, strings.Join(plan.ServerAliases, ","))
	for _, alias := range plan.ServerAliases {
		resources := r.registry.GetServerResources(alias)
		cached := 0
		for _, res := range resources {
			if res.Cached {
				cached++
			}
		}
		fmt.Fprintf(&b, "  %s: %s (%d/%d resources cached)\n", alias, plan.RemoteQueries[alias], cached, len(resources))
	}
	return b.String()
}

// GetStats returns a snapshot of router-wide counters.
func (r *Router) GetStats() Stats {
	return Stats{
		TempTablesCreated: atomic.LoadInt64(&r.tempCounter),
		QueriesRouted:     atomic.LoadInt64(&r.queriesRouted),
	}
}

// fetchRemote implements spec.md §4.H's "Remote fetch" paragraph.
func (r *Router) fetchRemote(ctx context.Context, alias string) (remotePayload, error) {
	patterns := r.patterns[alias]
	if len(patterns) == 0 {
		return remotePayload{}, &CannotResolveServerError{Alias: alias}
	}

	var sess *pool.PooledSession
	var lastErr error
	for _, p := range patterns {
		s, err := r.pool.GetSession(ctx, p.Address, p.Transport)
		if err != nil {
			lastErr = err
			continue
		}
		sess = s
		break
	}
	if sess == nil {
		return remotePayload{}, &CannotResolveServerError{Alias: alias, Cause: lastErr}
	}
	provider := transport.NewProvider(sess.Session)

	if tools, err := provider.ListTools(ctx); err == nil {
		for _, t := range tools {
			if !r.queryToolMatcher.MatchString(t.Name) {
				continue
			}
			q := extractServerQuery(alias)
			result, err := provider.CallTool(ctx, t.Name, map[string]any{"query": q, "sql": q})
			if err != nil {
				return remotePayload{}, &RemoteFetchFailedError{Alias: alias, Cause: err}
			}
			return decodeCallResult(result), nil
		}
	}

	resources := r.registry.GetServerResources(alias)
	if len(resources) == 0 {
		return remotePayload{}, &NoResourcesForServerError{Alias: alias}
	}
	raw, err := provider.ReadResourceRaw(ctx, resources[0].URI)
	if err != nil {
		return remotePayload{}, &RemoteFetchFailedError{Alias: alias, Cause: err}
	}
	return decodeReadResourceRaw(raw), nil
}

// materializeTempTable loads payload into a freshly named temp table and
// returns its name. Unlike format.BuildReadQuery's engine-side read
// functions (for already-cached local files), remote payloads are routed
// directly into the engine adapter's row/file ingestion paths.
func (r *Router) materializeTempTable(ctx context.Context, alias string, payload remotePayload) (string, error) {
	n := atomic.AddInt64(&r.tempCounter, 1)
	name := fmt.Sprintf("temp_%s_%d", sanitizeIdent(alias), n)

	var err error
	switch payload.kind {
	case payloadRows:
		err = r.engine.CreateTableFromRows(ctx, name, payload.rows)
	case payloadText:
		err = r.loadTempFile(ctx, name, "csv", []byte(payload.text))
	case payloadBlob:
		err = r.loadTempFile(ctx, name, "parquet", payload.blob)
	default:
		return "", &UnsupportedRemoteDataError{Alias: alias, Kind: "unknown"}
	}
	if err != nil {
		if errors.Is(err, engine.ErrUnsupportedFormat) {
			return "", &UnsupportedRemoteDataError{Alias: alias, Kind: kindName(payload.kind)}
		}
		return "", &EngineError{Cause: err}
	}
	return name, nil
}

func (r *Router) loadTempFile(ctx context.Context, name, format string, data []byte) error {
	f, err := os.CreateTemp("", "router-remote-*."+format)
	if err != nil {
		return err
	}
	path := f.Name()
	defer os.Remove(path)
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return r.engine.CreateTempTableFromFile(ctx, name, path, format)
}

func kindName(k payloadKind) string {
	switch k {
	case payloadText:
		return "text"
	case payloadBlob:
		return "blob"
	case payloadRows:
		return "rows"
	default:
		return "unknown"
	}
}

// sanitizeIdent strips characters that would make the temp table name an
// invalid bare SQL identifier (a glob alias such as "logs-*" is never a
// federation alias in practice, but defends the name space regardless).
func sanitizeIdent(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			continue
		}
		b.WriteRune('_')
	}
	return b.String()
}

// rewriteSQL replaces every mcp://<alias>/... reference and <alias>.<table>
// identifier with the materialized temp-table name for alias, per spec.md
// §4.H step 3. The temp-table name is already a valid bare SQL identifier,
// so no additional quoting/escaping is required the way
// format.BuildReadQuery must quote an arbitrary file path.
//
// The two rewrite modes never fire on the same alias: once a query
// references 'mcp://alias/...' as a table expression, "alias" becomes that
// expression's own SQL table alias for the rest of the query (e.g.
// "FROM 'mcp://a/x.json' a JOIN ... ON a.id = b.id"), and a.id is a
// column reference into temp_a, not a second "<alias>.<table>" federation
// reference — substituting it would destroy the column qualifier. The
// dot-identifier rewrite therefore only runs for an alias that has no
// mcp:// literal in the query at all, i.e. one reached purely through bare
// "alias.table" dot-syntax.
func (r *Router) rewriteSQL(sql string, tempNames map[string]string) string {
	out := sql
	literalAlias := make(map[string]bool, len(tempNames))
	for alias, temp := range tempNames {
		mcpRe := regexp.MustCompile(`mcp://` + regexp.QuoteMeta(alias) + `/[^\s'"` + "`" + `,()]*`)
		matches := mcpRe.FindAllString(out, -1)
		if len(matches) > 0 {
			literalAlias[alias] = true
		}
		for _, m := range matches {
			for _, q := range []string{"'", "\"", "`"} {
				out = strings.ReplaceAll(out, q+m+q, temp)
			}
			out = strings.ReplaceAll(out, m, temp)
		}
	}
	for alias, temp := range tempNames {
		if literalAlias[alias] {
			continue
		}
		aliasRe := regexp.MustCompile(`\b` + regexp.QuoteMeta(alias) + `\.[A-Za-z_][A-Za-z0-9_]*\b`)
		out = aliasRe.ReplaceAllString(out, temp)
	}
	return out
}

// dropTempTables is the "fire and log" helper spec.md §9 calls for: best
// effort, failures logged but never surfaced to the caller.
func (r *Router) dropTempTables(names []string) {
	for _, n := range names {
		if err := r.engine.DropTable(context.Background(), n); err != nil {
			r.logger.Warn().Err(err).Str("table", n).Msg("best-effort temp table drop failed")
		}
	}
}

func decodeCallResult(result *transport.CallResult) remotePayload {
	if len(result.Content) == 0 {
		return remotePayload{kind: payloadUnknown}
	}
	var shape struct {
		Type string `json:"type"`
		Text string `json:"text"`
		Data string `json:"data"`
	}
	if err := json.Unmarshal(result.Content[0], &shape); err == nil {
		if shape.Text != "" {
			return decodeRemoteText(shape.Text)
		}
		if shape.Data != "" {
			return decodeRemoteText(shape.Data)
		}
	}
	return decodeRemoteText(string(result.Content[0]))
}

func decodeReadResourceRaw(raw []byte) remotePayload {
	var shape struct {
		Contents []struct {
			Text string `json:"text"`
			Blob string `json:"blob"`
		} `json:"contents"`
		Content string `json:"content"`
		Data    string `json:"data"`
	}
	if err := json.Unmarshal(raw, &shape); err == nil {
		if len(shape.Contents) > 0 {
			c := shape.Contents[0]
			if c.Text != "" {
				return decodeRemoteText(c.Text)
			}
			if c.Blob != "" {
				if b, err := base64.StdEncoding.DecodeString(c.Blob); err == nil {
					return remotePayload{kind: payloadBlob, blob: b}
				}
				return remotePayload{kind: payloadUnknown}
			}
		}
		if shape.Content != "" {
			return decodeRemoteText(shape.Content)
		}
		if shape.Data != "" {
			return decodeRemoteText(shape.Data)
		}
	}
	return remotePayload{kind: payloadUnknown}
}

// decodeRemoteText implements the "parse content.text as JSON if possible
// (fallback to text)" rule from spec.md §4.H's remote-fetch paragraph.
func decodeRemoteText(text string) remotePayload {
	var rows []engine.Row
	if err := json.Unmarshal([]byte(text), &rows); err == nil && len(rows) > 0 {
		return remotePayload{kind: payloadRows, rows: rows}
	}
	return remotePayload{kind: payloadText, text: text}
}
