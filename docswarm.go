// Package docswarm keeps documents edited by many actors in sync without a
// server. Every actor appends its changes to a signed log of its own; the
// engine replicates those logs between peers, resolves which other logs a
// document depends on, and folds everything into one snapshot per document.
package docswarm

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/drpcorg/docswarm/crdt"
	"github.com/drpcorg/docswarm/docswarm_errors"
	"github.com/drpcorg/docswarm/logstore"
	"github.com/drpcorg/docswarm/utils"
)

type Options struct {
	Storage logstore.Storage
	Logger  utils.Logger
	// ImmutableAPI makes every transition return a fresh snapshot.
	// Otherwise snapshots are updated in place and copied on hand-out.
	ImmutableAPI bool
	// DefaultMetadata is merged into the metadata of every new document.
	DefaultMetadata map[string]any
	CacheSize       int
	EventBuffer     int
}

func (o *Options) SetDefaults() {
	if o.Storage == nil {
		o.Storage = logstore.NewMemoryStorage()
	}
	if o.Logger == nil {
		o.Logger = utils.NewDefaultLogger(slog.LevelWarn)
	}
	if o.EventBuffer == 0 {
		o.EventBuffer = 64
	}
}

// Engine owns the document index and the snapshots. All of its state is
// guarded by one lock; block reads from the store happen outside it.
type Engine struct {
	opts  Options
	log   utils.Logger
	store *logstore.Store

	lock   sync.Mutex
	index  *DocIndex
	docs   map[string]*crdt.Doc
	pDocs  map[string]*crdt.Doc
	states map[string]*docState
	actors map[string]ActorState
	opened map[string]bool
	subs   map[*Subscription]struct{}

	ctx     context.Context
	cancel  context.CancelFunc
	ready   chan struct{}
	started bool
	isReady bool
	closed  bool
}

// New makes an engine. Nothing is read until Start.
func New(opts Options) (*Engine, error) {
	opts.SetDefaults()
	if _, err := buildMetadata("", opts.DefaultMetadata); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		opts:   opts,
		log:    opts.Logger,
		index:  NewDocIndex(),
		docs:   make(map[string]*crdt.Doc),
		pDocs:  make(map[string]*crdt.Doc),
		states: make(map[string]*docState),
		actors: make(map[string]ActorState),
		opened: make(map[string]bool),
		subs:   make(map[*Subscription]struct{}),
		ctx:    ctx,
		cancel: cancel,
		ready:  make(chan struct{}),
	}, nil
}

// Open is New followed by Start.
func Open(ctx context.Context, opts Options) (*Engine, error) {
	eng, err := New(opts)
	if err != nil {
		return nil, err
	}
	if err := eng.Start(ctx); err != nil {
		return nil, err
	}
	return eng, nil
}

// Start opens the log store and indexes the metadata of every known log.
func (eng *Engine) Start(ctx context.Context) error {
	eng.lock.Lock()
	defer eng.lock.Unlock()
	if eng.closed {
		return docswarm_errors.ErrClosed
	}
	if eng.started {
		return nil
	}
	store, err := logstore.Open(logstore.Options{
		Storage:   eng.opts.Storage,
		Logger:    eng.log,
		Listener:  listener{eng},
		CacheSize: eng.opts.CacheSize,
	})
	if err != nil {
		return fmt.Errorf("open log store: %w", err)
	}
	eng.store = store
	eng.started = true
	for _, l := range store.Logs() {
		if err := ctx.Err(); err != nil {
			return err
		}
		eng.loadMetaLocked(l)
	}
	eng.isReady = true
	close(eng.ready)
	eng.emitLocked(ReadyEvent{})
	eng.log.Info("engine ready", "logs", len(store.Logs()), "docs", len(eng.docs))
	return nil
}

// Ready is closed once startup indexing is done.
func (eng *Engine) Ready() <-chan struct{} {
	return eng.ready
}

func (eng *Engine) checkReady() error {
	if eng.closed {
		return docswarm_errors.ErrClosed
	}
	if !eng.isReady {
		return docswarm_errors.ErrNotReady
	}
	return nil
}

// Store is the underlying log store, nil before Start.
func (eng *Engine) Store() *logstore.Store {
	eng.lock.Lock()
	defer eng.lock.Unlock()
	return eng.store
}

func (eng *Engine) Close() error {
	eng.lock.Lock()
	if eng.closed {
		eng.lock.Unlock()
		return nil
	}
	eng.closed = true
	eng.cancel()
	subs := eng.subs
	eng.subs = make(map[*Subscription]struct{})
	Documents.Sub(float64(len(eng.docs)))
	store := eng.store
	eng.lock.Unlock()

	// store callbacks take the engine lock, so the store closes without it
	var err error
	if store != nil {
		err = store.Close()
	}
	for sub := range subs {
		sub.Close()
	}
	eng.log.Info("engine closed")
	return err
}

// Subscribe starts delivering events. A subscriber that joins after
// startup gets a ReadyEvent first.
func (eng *Engine) Subscribe() *Subscription {
	eng.lock.Lock()
	defer eng.lock.Unlock()
	sub := newSubscription(eng, eng.opts.EventBuffer)
	if eng.closed {
		sub.Close()
		return sub
	}
	if eng.isReady {
		sub.push(ReadyEvent{})
	}
	eng.subs[sub] = struct{}{}
	return sub
}

func (eng *Engine) unsubscribe(sub *Subscription) {
	eng.lock.Lock()
	defer eng.lock.Unlock()
	delete(eng.subs, sub)
}

func (eng *Engine) emitLocked(ev Event) {
	EventsEmitted.WithLabelValues(ev.eventName()).Inc()
	for sub := range eng.subs {
		sub.push(ev)
	}
}

// failLocked records and reports an error scoped to a document or actor.
func (eng *Engine) failLocked(doc, actor string, err error) {
	if st := eng.states[doc]; st != nil {
		st.lastErr = err
	}
	eng.log.Warn("engine error", "doc", doc, "actor", actor, "err", err)
	eng.emitLocked(ErrorEvent{DocID: doc, ActorID: actor, Err: err})
}

func (eng *Engine) newDoc(actor string) *crdt.Doc {
	return crdt.New(actor, crdt.Immutable(eng.opts.ImmutableAPI))
}

// snapshot is a doc safe to hand out.
func snapshot(d *crdt.Doc) *crdt.Doc {
	if d == nil || d.IsImmutable() {
		return d
	}
	return d.Clone()
}

// working is a doc safe to modify without touching d.
func working(d *crdt.Doc) *crdt.Doc {
	if d.IsImmutable() {
		return d
	}
	return d.Clone()
}
