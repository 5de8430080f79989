package broker

import (
	"sync"

	"go.uber.org/zap"
)

// Handler receives the value of one item from Eval.
type Handler func(v float64)

// Publisher is notified of every value as it is set.
type Publisher interface {
	Publish(item Item, v float64) error
}

// Broker sits between the vehicle decoder and whatever displays the values.
// The decoder calls Set from its worker, consumers register a Handler per item
// and call Eval from their own loop.
type Broker struct {
	log *zap.Logger

	mu          sync.Mutex
	fastAverage bool
	handlers    [MaxItems]Handler
	values      [2][MaxItems]float64
	updated     uint32
	seen        uint32
	publishers  []Publisher
}

func New(log *zap.Logger) *Broker {
	if log == nil {
		log = zap.NewNop()
	}
	return &Broker{log: log.Named("broker")}
}

// EnableFastAverage makes Eval report the mean of the last two values.
func (b *Broker) EnableFastAverage(en bool) {
	b.mu.Lock()
	b.fastAverage = en
	b.mu.Unlock()
}

// AddPublisher attaches p, it is called outside the broker lock.
func (b *Broker) AddPublisher(p Publisher) {
	b.mu.Lock()
	b.publishers = append(b.publishers, p)
	b.mu.Unlock()
}

// Register installs fn for the lowest item in mask and clears its state.
func (b *Broker) Register(item Item, fn Handler) {
	n := item.index()
	if n < 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[n] = fn
	b.updated &^= 1 << n
	b.values[0][n] = 0
}

// Set stores a new value for the lowest item in mask.
func (b *Broker) Set(item Item, v float64) {
	n := item.index()
	if n < 0 {
		return
	}
	item = Item(1) << n

	b.mu.Lock()
	b.updated |= 1 << n
	b.seen |= 1 << n
	b.values[1][n] = b.values[0][n]
	b.values[0][n] = v
	pubs := b.publishers
	b.mu.Unlock()

	for _, p := range pubs {
		if err := p.Publish(item, v); err != nil {
			b.log.Warn("publish failed", zap.Stringer("item", item), zap.Error(err))
		}
	}
}

// Eval calls the handler of every item set since the previous Eval.
func (b *Broker) Eval() {
	type call struct {
		fn Handler
		v  float64
	}
	var calls []call

	b.mu.Lock()
	for i := 0; i < MaxItems; i++ {
		if b.updated&(1<<i) == 0 || b.handlers[i] == nil {
			continue
		}
		v := b.values[0][i]
		if b.fastAverage {
			v = (b.values[0][i] + b.values[1][i]) / 2
		}
		calls = append(calls, call{b.handlers[i], v})
	}
	b.updated = 0
	b.mu.Unlock()

	for _, c := range calls {
		c.fn(c.v)
	}
}

// Snapshot returns the latest value of every item set so far.
func (b *Broker) Snapshot() map[Item]float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[Item]float64)
	for _, item := range Item(b.seen).Items() {
		out[item] = b.values[0][item.index()]
	}
	return out
}
