// Package bus is the in-process update bus: a broadcast of addresses whose
// balance or UTXO set changed, fanned out to per-connection subscribers
// filtered to the addresses they care about. It carries no payload beyond
// the address — subscribers re-read balances and UTXOs from the store
// themselves, so a dropped notification only costs a delayed refresh, never
// a missed one once the subscriber polls again.
package bus

import (
	"sync"

	"github.com/stabledger/stabled/internal/address"
)

// backlog bounds a single subscriber's pending-notification queue. A slow
// subscriber that falls this far behind starts dropping notifications
// rather than blocking the publisher. Each subscriber is one SSE
// connection, not the whole process, and an Update carries no payload
// beyond "re-read your balance" — a handful of queued slots is enough
// headroom for a subscriber that's mid-flush when the next few updates
// land; it doesn't need to hold a backlog sized for the bus overall.
const backlog = 32

// Update is a single address whose ledger state changed.
type Update struct {
	Address address.Address
}

// Bus fans out Updates to subscribers filtered by address.
type Bus struct {
	mu   sync.RWMutex
	subs map[int64]*subscription
	next int64
}

type subscription struct {
	addr address.Address
	ch   chan Update
}

// New constructs an empty Bus.
func New() *Bus {
	return &Bus{subs: make(map[int64]*subscription)}
}

// Subscription is a live registration returned by Subscribe. Callers must
// call Close when done to release the channel.
type Subscription struct {
	bus *Bus
	id  int64
	ch  <-chan Update
}

// C returns the channel notifications arrive on.
func (s *Subscription) C() <-chan Update {
	return s.ch
}

// Close unregisters the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	delete(s.bus.subs, s.id)
}

// Subscribe registers interest in updates for addr. The returned
// Subscription's channel receives an Update every time Publish is called
// with a matching address, until Close is called.
func (b *Bus) Subscribe(addr address.Address) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.next
	b.next++
	ch := make(chan Update, backlog)
	b.subs[id] = &subscription{addr: addr, ch: ch}
	return &Subscription{bus: b, id: id, ch: ch}
}

// Publish notifies every subscriber watching addr. Full subscriber queues
// drop the notification rather than block the caller — the executor and
// poller both publish from paths that must not stall on a slow client.
func (b *Bus) Publish(addr address.Address) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		if s.addr != addr {
			continue
		}
		select {
		case s.ch <- Update{Address: addr}:
		default:
		}
	}
}

// PublishAll notifies subscribers for every address in addrs.
func (b *Bus) PublishAll(addrs []address.Address) {
	for _, a := range addrs {
		b.Publish(a)
	}
}
