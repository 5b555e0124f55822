// Package session holds the process-wide wallet identity: the connected account and the network it is
// connected to. Either may disappear or change at any time.
package session

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

var ErrInvalidIdentity = errors.New("session: invalid identity")

type Identity struct {
	Account common.Address
	ChainID uint64
}

func (i Identity) Validate() error {
	if i.Account == (common.Address{}) {
		return fmt.Errorf("%w: zero account", ErrInvalidIdentity)
	}
	if i.ChainID == 0 {
		return fmt.Errorf("%w: zero chain id", ErrInvalidIdentity)
	}
	return nil
}

type Event struct {
	Identity  Identity
	Connected bool
	At        time.Time
}

// Source is the read side the orchestrator depends on.
type Source interface {
	Current() (Identity, bool)
}

type Session struct {
	mu  sync.Mutex
	now func() time.Time

	cur       Identity
	connected bool

	subs   map[int]chan Event
	nextID int
}

var _ Source = (*Session)(nil)

func New(now func() time.Time) *Session {
	if now == nil {
		now = time.Now
	}
	return &Session{now: now, subs: make(map[int]chan Event)}
}

// Connect replaces the current identity. Reconnecting with the same identity publishes nothing.
func (s *Session) Connect(id Identity) error {
	if err := id.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.connected && s.cur == id {
		return nil
	}
	s.cur = id
	s.connected = true
	s.publishLocked(Event{Identity: id, Connected: true, At: s.now()})
	return nil
}

func (s *Session) Disconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return
	}
	prev := s.cur
	s.cur = Identity{}
	s.connected = false
	s.publishLocked(Event{Identity: prev, Connected: false, At: s.now()})
}

func (s *Session) Current() (Identity, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cur, s.connected
}

// Subscribe returns a channel of identity changes and a function that ends the subscription. Events
// are dropped for a subscriber whose buffer is full.
func (s *Session) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 1
	}
	ch := make(chan Event, buffer)

	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = ch
	s.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
			close(ch)
		})
	}
}

func (s *Session) publishLocked(ev Event) {
	for _, ch := range s.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
