// Package projector derives the board, list and transcript views from a
// desk and repaints attached observers on every change.
package projector

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/ashureev/casedesk/internal/desk"
	"github.com/ashureev/casedesk/internal/domain"
	"github.com/ashureev/casedesk/internal/wire"
)

// Source is the conversation set being projected. *desk.Desk satisfies it.
type Source interface {
	All() []domain.Conversation
	Conversation(id string) (domain.Conversation, bool)
	Subscribe() (<-chan desk.Event, func())
}

// Observer is a view that repaints from the projector.
type Observer interface {
	Refresh(p *Projector, ev desk.Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(p *Projector, ev desk.Event)

// Refresh implements Observer.
func (f ObserverFunc) Refresh(p *Projector, ev desk.Event) { f(p, ev) }

// Projector fans one Source out to any number of observers.
type Projector struct {
	src    Source
	logger *slog.Logger

	mu        sync.Mutex
	observers map[int]Observer
	next      int
	cancel    func()
	done      chan struct{}
}

// New starts projecting src.
func New(src Source, logger *slog.Logger) *Projector {
	if logger == nil {
		logger = slog.Default()
	}
	events, cancel := src.Subscribe()
	p := &Projector{
		src:       src,
		logger:    logger,
		observers: make(map[int]Observer),
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	go p.loop(events)
	return p
}

func (p *Projector) loop(events <-chan desk.Event) {
	defer close(p.done)
	for ev := range events {
		p.mu.Lock()
		obs := make([]Observer, 0, len(p.observers))
		for _, o := range p.observers {
			obs = append(obs, o)
		}
		p.mu.Unlock()

		for _, o := range obs {
			o.Refresh(p, ev)
		}
	}
}

// Attach registers o and returns a func that detaches it. No refresh reaches
// o after detach returns, except one already running.
func (p *Projector) Attach(o Observer) (detach func()) {
	p.mu.Lock()
	id := p.next
	p.next++
	p.observers[id] = o
	p.mu.Unlock()

	return func() {
		p.mu.Lock()
		delete(p.observers, id)
		p.mu.Unlock()
	}
}

// Board returns conversations grouped by status.
func (p *Projector) Board() wire.Grouped {
	g := wire.Group(p.src.All())
	byRecent(g.Open)
	byRecent(g.RequiresHuman)
	byRecent(g.Closed)
	return g
}

// List returns every conversation, most recently updated first.
func (p *Projector) List() []domain.Conversation {
	all := p.src.All()
	byRecent(all)
	return all
}

// Transcript returns the detail view of id.
func (p *Projector) Transcript(id string) (domain.Conversation, bool) {
	return p.src.Conversation(id)
}

// Close stops projecting and waits for the dispatch loop to exit.
func (p *Projector) Close() {
	p.cancel()
	<-p.done
}

func byRecent(convs []domain.Conversation) {
	sort.SliceStable(convs, func(i, j int) bool {
		if convs[i].LastUpdated.Equal(convs[j].LastUpdated) {
			return convs[i].ID < convs[j].ID
		}
		return convs[i].LastUpdated.After(convs[j].LastUpdated)
	})
}
