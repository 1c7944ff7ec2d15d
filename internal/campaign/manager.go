// Package campaign tracks description fetch campaigns: it starts them, keeps
// the active ones addressable by id and records every outcome in the store.
package campaign

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"

	"descfetch/internal/device"
	"descfetch/internal/shared"
	"descfetch/internal/store"
	"descfetch/pkg/retry"
)

// ErrClosed is returned by Start after Close.
var ErrClosed = errors.New("campaign: manager closed")

// Factory creates unstarted campaigns. *device.Fetcher implements it.
type Factory interface {
	NewCampaign(url string) *retry.Runner[device.Description]
}

// Notifier is told about campaigns that failed.
type Notifier interface {
	NotifyFailure(ctx context.Context, rec store.Record) error
}

// Options configures a Manager.
type Options struct {
	Notifier Notifier
	Clock    clock.Clock
	// SaveTimeout bounds persisting a settled campaign. Default 10s.
	SaveTimeout time.Duration
}

type entry struct {
	id      string
	url     string
	started time.Time
	runner  *retry.Runner[device.Description]
	done    chan struct{}
	// final is set before done is closed.
	final store.Record
}

// maxUnsaved bounds the finished campaigns kept in memory after Save failed.
const maxUnsaved = 256

// Manager owns the active campaigns.
type Manager struct {
	factory  Factory
	store    store.Store
	notifier Notifier
	clock    clock.Clock
	saveTO   time.Duration
	log      *slog.Logger

	mu     sync.Mutex
	active map[string]*entry
	byURL  map[string]*entry
	// unsaved holds settled records the store rejected, oldest first in order.
	unsaved map[string]store.Record
	order   []string
	closed  bool
	wg     sync.WaitGroup
}

// NewManager creates a Manager persisting into st.
func NewManager(f Factory, st store.Store, opts Options, log *slog.Logger) *Manager {
	if opts.Clock == nil {
		opts.Clock = clock.WallClock
	}
	if opts.SaveTimeout <= 0 {
		opts.SaveTimeout = 10 * time.Second
	}
	return &Manager{
		factory:  f,
		store:    st,
		notifier: opts.Notifier,
		clock:    opts.Clock,
		saveTO:   opts.SaveTimeout,
		log:      log.With("component", "campaign"),
		active:   make(map[string]*entry),
		byURL:    make(map[string]*entry),
		unsaved:  make(map[string]store.Record),
	}
}

// Start begins a campaign for rawURL. Only one campaign per URL may be active.
func (m *Manager) Start(rawURL string) (store.Record, error) {
	u, err := device.ValidateURL(rawURL)
	if err != nil {
		return store.Record{}, err
	}
	url := u.String()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return store.Record{}, ErrClosed
	}
	if e, ok := m.byURL[url]; ok {
		m.mu.Unlock()
		return store.Record{}, shared.MarkKind(
			fmt.Errorf("campaign %s already fetching %s", e.id, url), shared.KindConflict)
	}
	e := &entry{
		id:      uuid.NewString(),
		url:     url,
		started: m.clock.Now().UTC(),
		runner:  m.factory.NewCampaign(url),
		done:    make(chan struct{}),
	}
	m.active[e.id] = e
	m.byURL[url] = e
	m.wg.Add(1)
	m.mu.Unlock()

	out := e.runner.Start()
	go m.watch(e, out)

	m.log.Info("campaign started", slog.String("id", e.id), slog.String("url", url))
	return snapshot(e, nil), nil
}

func (m *Manager) watch(e *entry, out *retry.Outcome[device.Description]) {
	defer m.wg.Done()
	<-out.Done()

	rec := snapshot(e, out)
	finished := m.clock.Now().UTC()
	rec.FinishedAt = &finished

	ctx, cancel := context.WithTimeout(context.Background(), m.saveTO)
	defer cancel()
	saveErr := m.store.Save(ctx, rec)
	if saveErr != nil {
		m.log.Error("save campaign", slog.String("id", rec.ID), slog.Any("error", saveErr))
	}

	m.mu.Lock()
	delete(m.active, e.id)
	delete(m.byURL, e.url)
	if saveErr != nil {
		m.keepUnsaved(rec)
	}
	e.final = rec
	m.mu.Unlock()
	close(e.done)

	log := m.log.With(slog.String("id", rec.ID), slog.String("url", rec.URL), slog.Int("attempts", rec.Attempts))
	switch rec.State {
	case retry.Succeeded.String():
		log.Info("campaign succeeded", slog.String("device", rec.Description.FriendlyName))
	case retry.Aborted.String():
		log.Info("campaign aborted", slog.String("reason", rec.Error))
	default:
		log.Warn("campaign failed", slog.String("error", rec.Error))
		if m.notifier != nil {
			if err := m.notifier.NotifyFailure(ctx, rec); err != nil {
				log.Error("notify failure", slog.Any("error", err))
			}
		}
	}
}

// keepUnsaved remembers rec, dropping the oldest record past maxUnsaved.
// m.mu must be held.
func (m *Manager) keepUnsaved(rec store.Record) {
	if len(m.order) >= maxUnsaved {
		delete(m.unsaved, m.order[0])
		m.order = m.order[1:]
	}
	m.unsaved[rec.ID] = rec
	m.order = append(m.order, rec.ID)
}

// snapshot describes e. out is nil or settled.
func snapshot(e *entry, out *retry.Outcome[device.Description]) store.Record {
	rec := store.Record{
		ID:        e.id,
		URL:       e.url,
		State:     e.runner.State().String(),
		Attempts:  e.runner.Attempts(),
		StartedAt: e.started,
	}
	if out == nil {
		return rec
	}
	d, err := out.Result()
	if err != nil {
		rec.Error = err.Error()
		return rec
	}
	rec.Description = &d
	return rec
}

// Abort stops the active campaign id. Aborting a finished campaign is a no-op;
// an unknown id is NotFound.
func (m *Manager) Abort(ctx context.Context, id, reason string) error {
	m.mu.Lock()
	e, ok := m.active[id]
	_, unsaved := m.unsaved[id]
	m.mu.Unlock()
	if unsaved {
		return nil
	}
	if !ok {
		_, err := m.store.Get(ctx, id)
		return err
	}

	var why error
	if reason != "" {
		why = errors.New(reason)
	}
	e.runner.Abort(why)
	return nil
}

// Get returns the campaign id, active or finished.
func (m *Manager) Get(ctx context.Context, id string) (store.Record, error) {
	m.mu.Lock()
	e, ok := m.active[id]
	rec, unsaved := m.unsaved[id]
	m.mu.Unlock()
	if ok {
		return snapshot(e, nil), nil
	}
	if unsaved {
		return rec, nil
	}
	return m.store.Get(ctx, id)
}

// List returns up to limit campaigns, active ones first, then the newest
// finished ones. Finished campaigns the store failed to save come before the
// stored ones.
func (m *Manager) List(ctx context.Context, limit int) ([]store.Record, error) {
	m.mu.Lock()
	out := make([]store.Record, 0, len(m.active)+len(m.order))
	for _, e := range m.active {
		out = append(out, snapshot(e, nil))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	for i := len(m.order) - 1; i >= 0; i-- {
		out = append(out, m.unsaved[m.order[i]])
	}
	m.mu.Unlock()

	if limit > 0 && len(out) >= limit {
		return out[:limit], nil
	}
	finished, err := m.store.List(ctx, limit)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(out))
	for _, r := range out {
		seen[r.ID] = true
	}
	for _, r := range finished {
		if limit > 0 && len(out) >= limit {
			break
		}
		if !seen[r.ID] {
			out = append(out, r)
		}
	}
	return out, nil
}

// Wait blocks until campaign id settles and returns its final record.
func (m *Manager) Wait(ctx context.Context, id string) (store.Record, error) {
	m.mu.Lock()
	e, ok := m.active[id]
	rec, unsaved := m.unsaved[id]
	m.mu.Unlock()
	if ok {
		select {
		case <-e.done:
			return e.final, nil
		case <-ctx.Done():
			return store.Record{}, ctx.Err()
		}
	}
	if unsaved {
		return rec, nil
	}
	return m.store.Get(ctx, id)
}

// Latest returns the newest recorded campaign for rawURL.
func (m *Manager) Latest(ctx context.Context, rawURL string) (store.Record, error) {
	u, err := device.ValidateURL(rawURL)
	if err != nil {
		return store.Record{}, err
	}
	return m.store.LatestByURL(ctx, u.String())
}

// Ping reports whether the store is reachable.
func (m *Manager) Ping(ctx context.Context) error {
	return m.store.Ping(ctx)
}

// Active returns the number of running campaigns.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// Close aborts all active campaigns and waits until they are recorded.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	entries := make([]*entry, 0, len(m.active))
	for _, e := range m.active {
		entries = append(entries, e)
	}
	m.mu.Unlock()

	for _, e := range entries {
		e.runner.Abort(ErrClosed)
	}
	m.wg.Wait()
}
