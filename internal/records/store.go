package records

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/anchal00/nextup/internal/kv"
	"github.com/anchal00/nextup/internal/logger"
	"github.com/anchal00/nextup/internal/nonfatal"
)

const (
	defaultCodeAttempts = 12
	// unconditional puts re-read and retry when they lose a race.
	unconditionalAttempts = 3
	updateAttempts        = 3
)

var errCorrupt = errors.New("corrupt record")

// Notifier hears about every accepted write, after the record is durable.
type Notifier interface {
	RecordChanged(ctx context.Context, rec *Record) error
}

type Options struct {
	CodeAttempts int
	StrictCodes  bool
	Logger       logger.Logger
	Notifier     Notifier
	NonFatal     *nonfatal.Runner
	// Registerer receives the store metrics. Nil leaves them unregistered.
	Registerer prometheus.Registerer
	Now        func() time.Time
	RandomCode func(size int) string
}

// Store is the versioned record store. Every write goes through a
// compare-and-swap on the primary record key, so the version carried inside
// the record is the concurrency token.
type Store struct {
	kv           kv.Store
	idx          *indexer
	logger       logger.Logger
	notifier     Notifier
	nonfatal     *nonfatal.Runner
	codeAttempts int
	strictCodes  bool
	now          func() time.Time
	randomCode   func(size int) string
	collisions   prometheus.Counter
	tracer       trace.Tracer
}

func NewStore(store kv.Store, opts Options) *Store {
	s := &Store{
		kv:           store,
		idx:          &indexer{kv: store},
		logger:       opts.Logger,
		notifier:     opts.Notifier,
		nonfatal:     opts.NonFatal,
		codeAttempts: opts.CodeAttempts,
		strictCodes:  opts.StrictCodes,
		now:          opts.Now,
		randomCode:   opts.RandomCode,
		tracer:       otel.Tracer("github.com/anchal00/nextup/internal/records"),
	}
	if s.logger == nil {
		s.logger = logger.Nop()
	}
	if s.nonfatal == nil {
		s.nonfatal = nonfatal.New(s.logger, nil)
	}
	if s.codeAttempts <= 0 {
		s.codeAttempts = defaultCodeAttempts
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.randomCode == nil {
		s.randomCode = randomCode
	}
	s.collisions = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "nextup",
		Name:      "code_collisions_total",
		Help:      "Creates that reused a join code still held by another record.",
	})
	if opts.Registerer != nil {
		opts.Registerer.MustRegister(s.collisions)
	}
	return s
}

func (s *Store) startSpan(ctx context.Context, name string, kind Kind, id string) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("record.kind", string(kind)),
		attribute.String("record.id", id),
	))
}

func endSpan(span trace.Span, err error) {
	if err != nil && !errors.Is(err, ErrNotFound) {
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, err.Error())
	}
	span.End()
}

// Create persists a new record at version 0 with empty membership. Only the
// name and, for lists, the table layout are taken from the request.
func (s *Store) Create(ctx context.Context, req *CreateRequest) (rec *Record, err error) {
	ctx, span := s.startSpan(ctx, "records.Create", req.Kind, "")
	defer func() { endSpan(span, err) }()

	kind, err := ParseKind(string(req.Kind))
	if err != nil {
		return nil, err
	}
	if req.HostID == "" {
		return nil, invalid("hostId", "required")
	}
	now := s.now().UTC()
	rec = &Record{
		Schema:    SchemaVersion,
		Kind:      kind,
		ID:        uuid.NewString(),
		HostID:    req.HostID,
		Name:      req.Name,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if kind == KindList && req.List != nil {
		rec.List = &ListGame{Tables: make([]Table, len(req.List.Tables))}
		for i, t := range req.List.Tables {
			if t.Capacity < 0 {
				return nil, invalid("tables", "table %d has a negative capacity", i)
			}
			rec.List.Tables[i] = Table{Capacity: t.Capacity}
		}
	}
	rec.normalize()
	if err := rec.Validate(); err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("record.id", rec.ID))

	rec.Code, err = s.allocateCode(ctx, kind)
	if err != nil {
		return nil, err
	}
	data, err := EncodeRecord(rec)
	if err != nil {
		return nil, err
	}
	key := kind.namespace().RecordKey(rec.ID)
	ok, err := s.kv.CompareAndSwap(ctx, key, nil, data)
	if err != nil {
		return nil, unavailable("create record", err)
	}
	if !ok {
		return nil, unavailable("create record", fmt.Errorf("id %s already taken", rec.ID))
	}
	ref, err := encodeCodeRef(CodeRef{Kind: kind, ID: rec.ID})
	if err != nil {
		return nil, err
	}
	if err := s.kv.Put(ctx, kv.CodeKey(rec.Code), ref); err != nil {
		s.nonfatal.Run("create-rollback", func() error { return s.kv.Delete(ctx, key) })
		return nil, unavailable("store code mapping", err)
	}
	s.afterWrite(ctx, nil, rec)

	s.logger.With("id", rec.ID).Info(fmt.Sprintf("Created %s %s with code %s", kind, rec.ID, rec.Code))
	return rec.Clone(), nil
}

// load returns the raw bytes and the decoded record stored under kind/id.
func (s *Store) load(ctx context.Context, kind Kind, id string) ([]byte, *Record, error) {
	if id == "" {
		return nil, nil, invalid("id", "required")
	}
	key := kind.namespace().RecordKey(id)
	raw, err := s.kv.Get(ctx, key)
	if errors.Is(err, kv.ErrKeyNotFound) {
		return nil, nil, fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
	}
	if err != nil {
		return nil, nil, unavailable("read record", err)
	}
	rec, err := DecodeRecord(raw)
	if err != nil || rec.Kind != kind {
		return raw, nil, fmt.Errorf("%w: %w: key %s", ErrStoreUnavailable, errCorrupt, key)
	}
	rec.normalize()
	return raw, rec, nil
}

func (s *Store) Get(ctx context.Context, kind Kind, id string) (rec *Record, err error) {
	ctx, span := s.startSpan(ctx, "records.Get", kind, id)
	defer func() { endSpan(span, err) }()

	_, rec, err = s.load(ctx, kind, id)
	return rec, err
}

// Version reads the version counter, falling back to the record itself when
// the counter is missing or unreadable.
func (s *Store) Version(ctx context.Context, kind Kind, id string) (int64, error) {
	raw, err := s.kv.Get(ctx, kind.namespace().VersionKey(id))
	if err == nil {
		if v, perr := strconv.ParseInt(string(raw), 10, 64); perr == nil {
			return v, nil
		}
	}
	rec, err := s.Get(ctx, kind, id)
	if err != nil {
		return 0, err
	}
	return rec.Version, nil
}

// Put replaces the record with rec. When expected is non-nil it must equal
// the stored version or the write fails with ErrVersionConflict and nothing
// changes. Identity fields (id, kind, code, host, creation time) are kept
// from the stored record. The stored record is returned with its new version.
func (s *Store) Put(ctx context.Context, kind Kind, id string, rec *Record, expected *int64) (out *Record, err error) {
	ctx, span := s.startSpan(ctx, "records.Put", kind, id)
	defer func() { endSpan(span, err) }()

	if rec == nil {
		return nil, invalid("body", "record required")
	}
	if rec.Kind != "" && rec.Kind != kind {
		return nil, invalid("kind", "record is a %s, not a %s", rec.Kind, kind)
	}
	if rec.Schema > SchemaVersion {
		return nil, invalid("schema", "unsupported schema %d", rec.Schema)
	}

	for attempt := 0; ; attempt++ {
		raw, prev, err := s.load(ctx, kind, id)
		if err != nil {
			return nil, err
		}
		if expected != nil && *expected != prev.Version {
			return nil, fmt.Errorf("%w: expected %d, stored %d", ErrVersionConflict, *expected, prev.Version)
		}

		next := rec.Clone()
		next.Schema = SchemaVersion
		next.Kind = prev.Kind
		next.ID = prev.ID
		next.Code = prev.Code
		next.HostID = prev.HostID
		next.CreatedAt = prev.CreatedAt
		next.Version = prev.Version + 1
		next.UpdatedAt = s.now().UTC()
		next.normalize()
		if err := next.Validate(); err != nil {
			return nil, err
		}
		data, err := EncodeRecord(next)
		if err != nil {
			return nil, err
		}

		ok, err := s.kv.CompareAndSwap(ctx, kind.namespace().RecordKey(id), raw, data)
		if err != nil {
			return nil, unavailable("write record", err)
		}
		if !ok {
			if expected != nil || attempt+1 >= unconditionalAttempts {
				return nil, fmt.Errorf("%w: lost the race at version %d", ErrVersionConflict, prev.Version)
			}
			continue
		}
		span.SetAttributes(attribute.Int64("record.version", next.Version))
		s.afterWrite(ctx, prev, next)
		return next.Clone(), nil
	}
}

// Update re-reads the record, applies fn and writes it back conditionally,
// retrying a bounded number of times when another writer got in first. A
// non-nil expected pins the first read to that version.
func (s *Store) Update(ctx context.Context, kind Kind, id string, expected *int64, fn func(*Record) error) (*Record, error) {
	for attempt := 0; attempt < updateAttempts; attempt++ {
		cur, err := s.Get(ctx, kind, id)
		if err != nil {
			return nil, err
		}
		if expected != nil && cur.Version != *expected {
			return nil, fmt.Errorf("%w: expected %d, stored %d", ErrVersionConflict, *expected, cur.Version)
		}
		if err := fn(cur); err != nil {
			return nil, err
		}
		version := cur.Version
		out, err := s.Put(ctx, kind, id, cur, &version)
		if errors.Is(err, ErrVersionConflict) && expected == nil {
			continue
		}
		return out, err
	}
	return nil, fmt.Errorf("%w: gave up after %d attempts", ErrVersionConflict, updateAttempts)
}

// afterWrite runs the derived-state steps of a write. None of them can fail
// the write.
func (s *Store) afterWrite(ctx context.Context, prev, next *Record) {
	ns := next.Kind.namespace()
	s.nonfatal.Run("version-counter", func() error {
		return s.advanceCounter(ctx, ns.VersionKey(next.ID), next.Version)
	})
	s.nonfatal.Run("index-reconcile", func() error {
		return s.idx.reconcile(ctx, next.Kind, next.ID, prev, next)
	})
	if s.notifier != nil && prev != nil {
		s.nonfatal.Run("room-publish", func() error {
			return s.notifier.RecordChanged(ctx, next.Clone())
		})
	}
}

// advanceCounter moves the version counter forward to v. A slower writer
// never moves it back.
func (s *Store) advanceCounter(ctx context.Context, key string, v int64) error {
	for attempt := 0; attempt < indexCASAttempts; attempt++ {
		old, err := s.kv.Get(ctx, key)
		if errors.Is(err, kv.ErrKeyNotFound) {
			old = nil
		} else if err != nil {
			return err
		}
		if old != nil {
			if cur, perr := strconv.ParseInt(string(old), 10, 64); perr == nil && cur >= v {
				return nil
			}
		}
		ok, err := s.kv.CompareAndSwap(ctx, key, old, []byte(strconv.FormatInt(v, 10)))
		if err != nil || ok {
			return err
		}
	}
	return fmt.Errorf("version counter %s: gave up after %d contended writes", key, indexCASAttempts)
}

// Delete removes the record and then, best effort, its version counter, its
// code mapping and its index entries. Deleting a missing record succeeds.
func (s *Store) Delete(ctx context.Context, kind Kind, id string) (err error) {
	ctx, span := s.startSpan(ctx, "records.Delete", kind, id)
	defer func() { endSpan(span, err) }()

	_, rec, err := s.load(ctx, kind, id)
	switch {
	case errors.Is(err, ErrNotFound):
		return nil
	case errors.Is(err, errCorrupt):
		rec = nil
	case err != nil:
		return err
	}

	ns := kind.namespace()
	if err := s.kv.Delete(ctx, ns.RecordKey(id)); err != nil {
		return unavailable("delete record", err)
	}
	s.nonfatal.Run("delete-version-counter", func() error {
		return s.kv.Delete(ctx, ns.VersionKey(id))
	})
	if rec == nil {
		s.logger.With("id", id).Warn("Deleted a corrupt record, its code and index entries are left behind")
		return nil
	}
	s.nonfatal.Run("delete-code-mapping", func() error {
		return s.releaseCode(ctx, rec)
	})
	s.nonfatal.Run("delete-index-entries", func() error {
		return s.idx.reconcile(ctx, kind, id, rec, nil)
	})
	s.logger.With("id", id).Info(fmt.Sprintf("Deleted %s %s", kind, id))
	return nil
}

// releaseCode drops the code mapping only while it still points at rec; a
// colliding create may have taken the code over.
func (s *Store) releaseCode(ctx context.Context, rec *Record) error {
	key := kv.CodeKey(rec.Code)
	raw, err := s.kv.Get(ctx, key)
	if errors.Is(err, kv.ErrKeyNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	ref, err := decodeCodeRef(raw)
	if err == nil && (ref.ID != rec.ID || ref.Kind != rec.Kind) {
		return nil
	}
	return s.kv.Delete(ctx, key)
}

// ResolveCode maps a join code to its record. A mapping whose record is gone
// reads as not found.
func (s *Store) ResolveCode(ctx context.Context, code string) (ref CodeRef, err error) {
	ctx, span := s.tracer.Start(ctx, "records.ResolveCode")
	defer func() { endSpan(span, err) }()

	code, err = NormalizeCode(code)
	if err != nil {
		return CodeRef{}, err
	}
	raw, err := s.kv.Get(ctx, kv.CodeKey(code))
	if errors.Is(err, kv.ErrKeyNotFound) {
		return CodeRef{}, fmt.Errorf("code %s: %w", code, ErrNotFound)
	}
	if err != nil {
		return CodeRef{}, unavailable("read code", err)
	}
	ref, err = decodeCodeRef(raw)
	if err != nil {
		return CodeRef{}, fmt.Errorf("code %s: %w", code, ErrNotFound)
	}
	if _, _, err := s.load(ctx, ref.Kind, ref.ID); err != nil {
		if errors.Is(err, ErrNotFound) || errors.Is(err, errCorrupt) {
			return CodeRef{}, fmt.Errorf("code %s: %w", code, ErrNotFound)
		}
		return CodeRef{}, err
	}
	return ref, nil
}

// ListForUser unions the host and player indices of both kinds. Ids that no
// longer resolve, or whose record no longer involves the user, are skipped.
func (s *Store) ListForUser(ctx context.Context, user string) (out *UserRecords, err error) {
	ctx, span := s.tracer.Start(ctx, "records.ListForUser")
	defer func() { endSpan(span, err) }()

	if user == "" {
		return nil, invalid("userId", "required")
	}
	out = &UserRecords{Hosting: []*Record{}, Playing: []*Record{}}
	for _, kind := range []Kind{KindList, KindTournament} {
		ns := kind.namespace()
		hosting, err := s.resolveIndex(ctx, kind, ns.HostIndexKey(user), func(r *Record) bool {
			return r.HostID == user
		})
		if err != nil {
			return nil, err
		}
		playing, err := s.resolveIndex(ctx, kind, ns.PlayerIndexKey(user), func(r *Record) bool {
			return slices.Contains(r.Members(), user)
		})
		if err != nil {
			return nil, err
		}
		out.Hosting = append(out.Hosting, hosting...)
		out.Playing = append(out.Playing, playing...)
	}
	return out, nil
}

func (s *Store) resolveIndex(ctx context.Context, kind Kind, key string, keep func(*Record) bool) ([]*Record, error) {
	ids, err := s.idx.lookup(ctx, key)
	if err != nil {
		return nil, unavailable("read index", err)
	}
	out := make([]*Record, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		_, rec, err := s.load(ctx, kind, id)
		if errors.Is(err, ErrNotFound) || errors.Is(err, errCorrupt) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if keep(rec) {
			out = append(out, rec)
		}
	}
	return out, nil
}

// List pages through every record of a kind in id order. The cursor is the
// last id of the previous page.
func (s *Store) List(ctx context.Context, kind Kind, cursor string, limit int) ([]*Record, string, error) {
	ns := kind.namespace()
	after := ""
	if cursor != "" {
		after = ns.RecordKey(cursor)
	}
	page, err := s.kv.List(ctx, ns.RecordPrefix(), after, limit)
	if err != nil {
		return nil, "", unavailable("list records", err)
	}
	out := make([]*Record, 0, len(page.Keys))
	for _, key := range page.Keys {
		_, rec, err := s.load(ctx, kind, key[len(ns.RecordPrefix()):])
		if errors.Is(err, ErrNotFound) || errors.Is(err, errCorrupt) {
			continue
		}
		if err != nil {
			return nil, "", err
		}
		out = append(out, rec)
	}
	next := ""
	if page.Next != "" {
		next = page.Next[len(ns.RecordPrefix()):]
	}
	return out, next, nil
}
