package host

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"simkit/internal/eventbus"
	"simkit/internal/visibility"
	logx "simkit/pkg/logx"
)

var (
	ErrUnknownSubscriber   = errors.New("unknown subscriber")
	ErrDuplicateSubscriber = errors.New("subscriber already connected")
)

// Member is a snapshot of a connected subscriber.
type Member struct {
	ID          visibility.SubscriberID `json:"id"`
	Name        string                  `json:"name"`
	At          visibility.Position     `json:"at"`
	Online      bool                    `json:"online"`
	ConnectedAt time.Time               `json:"connected_at"`
}

func (m Member) Position() visibility.Position { return m.At }
func (m Member) Reachable() bool               { return m.Online }

// SubscriberEvent is the payload of connect and disconnect events.
type SubscriberEvent struct {
	ID   visibility.SubscriberID `json:"id"`
	Name string                  `json:"name"`
}

// Directory is the subscriber table. It resolves subscribers for renderers
// and lists the population of a locale for broadcast renderers.
type Directory struct {
	bus eventbus.Bus
	log logx.Logger

	mu       sync.RWMutex
	members  map[visibility.SubscriberID]*Member
	byLocale map[visibility.LocaleID]map[visibility.SubscriberID]struct{}
}

func NewDirectory(bus eventbus.Bus, log logx.Logger) *Directory {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Directory{
		bus:      bus,
		log:      log.With(logx.String("comp", "directory")),
		members:  map[visibility.SubscriberID]*Member{},
		byLocale: map[visibility.LocaleID]map[visibility.SubscriberID]struct{}{},
	}
}

// Connect adds a subscriber under a fresh id.
func (d *Directory) Connect(name string, at visibility.Position) (visibility.SubscriberID, error) {
	id := uuid.New()
	return id, d.ConnectID(id, name, at)
}

func (d *Directory) ConnectID(id visibility.SubscriberID, name string, at visibility.Position) error {
	if err := at.Validate(); err != nil {
		return err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		name = id.String()[:8]
	}
	d.mu.Lock()
	if _, ok := d.members[id]; ok {
		d.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateSubscriber, id)
	}
	d.members[id] = &Member{ID: id, Name: name, At: at, Online: true, ConnectedAt: time.Now()}
	d.indexLocked(id, at.Locale)
	d.mu.Unlock()

	d.log.Debug("subscriber connected", logx.String("id", id.String()), logx.String("name", name), logx.String("at", at.String()))
	d.publish(eventbus.SubscriberConnected, SubscriberEvent{ID: id, Name: name})
	return nil
}

// Move updates a subscriber position. Renderers notice on their next render.
func (d *Directory) Move(id visibility.SubscriberID, at visibility.Position) error {
	if err := at.Validate(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	m, ok := d.members[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSubscriber, id)
	}
	if m.At.Locale != at.Locale {
		d.unindexLocked(id, m.At.Locale)
		d.indexLocked(id, at.Locale)
	}
	m.At = at
	return nil
}

// SetReachable marks a connected subscriber as temporarily unreachable.
func (d *Directory) SetReachable(id visibility.SubscriberID, online bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	m, ok := d.members[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSubscriber, id)
	}
	m.Online = online
	return nil
}

// Disconnect removes a subscriber and publishes subscriber.disconnected.
func (d *Directory) Disconnect(id visibility.SubscriberID) bool {
	d.mu.Lock()
	m, ok := d.members[id]
	if ok {
		delete(d.members, id)
		d.unindexLocked(id, m.At.Locale)
	}
	d.mu.Unlock()
	if !ok {
		return false
	}
	d.log.Debug("subscriber disconnected", logx.String("id", id.String()), logx.String("name", m.Name))
	d.publish(eventbus.SubscriberDisconnected, SubscriberEvent{ID: id, Name: m.Name})
	return true
}

func (d *Directory) Resolve(id visibility.SubscriberID) (visibility.LiveHandle, bool) {
	m, ok := d.Get(id)
	if !ok {
		return nil, false
	}
	return m, true
}

func (d *Directory) Get(id visibility.SubscriberID) (Member, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	m, ok := d.members[id]
	if !ok {
		return Member{}, false
	}
	return *m, true
}

func (d *Directory) InLocale(l visibility.LocaleID) []visibility.SubscriberID {
	d.mu.RLock()
	set := visibility.Set(d.byLocale[l]).Clone()
	d.mu.RUnlock()
	return set.Sorted()
}

func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.members)
}

func (d *Directory) indexLocked(id visibility.SubscriberID, l visibility.LocaleID) {
	ids := d.byLocale[l]
	if ids == nil {
		ids = map[visibility.SubscriberID]struct{}{}
		d.byLocale[l] = ids
	}
	ids[id] = struct{}{}
}

func (d *Directory) unindexLocked(id visibility.SubscriberID, l visibility.LocaleID) {
	ids := d.byLocale[l]
	delete(ids, id)
	if len(ids) == 0 {
		delete(d.byLocale, l)
	}
}

func (d *Directory) publish(typ string, ev SubscriberEvent) {
	if d.bus == nil {
		return
	}
	d.bus.Publish(eventbus.Event{Type: typ, Data: ev})
}
