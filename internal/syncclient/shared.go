package syncclient

import "sync"

// Message travels on the cross-tab channel of a resource.
type Message struct {
	Kind    string // "state" or "bump"
	From    string
	ETag    string
	Payload []byte
}

// Shared is the medium tabs of one browser session have in common: a small
// key-value area and a broadcast channel.
type Shared interface {
	Get(key string) string
	Set(key, value string)
	Delete(key string)
	Publish(channel string, msg Message)
	// Subscribe returns the message feed and a function that ends it.
	Subscribe(channel string) (<-chan Message, func())
}

const subscriberBuffer = 16

// MemoryShared is Shared for engines living in one process.
type MemoryShared struct {
	mu     sync.Mutex
	values map[string]string
	subs   map[string]map[int]chan Message
	nextID int
}

func NewMemoryShared() *MemoryShared {
	return &MemoryShared{
		values: make(map[string]string),
		subs:   make(map[string]map[int]chan Message),
	}
}

func (m *MemoryShared) Get(key string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.values[key]
}

func (m *MemoryShared) Set(key, value string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
}

func (m *MemoryShared) Delete(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, key)
}

// Publish never blocks; a subscriber with a full buffer misses the message.
func (m *MemoryShared) Publish(channel string, msg Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ch := range m.subs[channel] {
		select {
		case ch <- msg:
		default:
		}
	}
}

func (m *MemoryShared) Subscribe(channel string) (<-chan Message, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	ch := make(chan Message, subscriberBuffer)
	if m.subs[channel] == nil {
		m.subs[channel] = make(map[int]chan Message)
	}
	m.subs[channel][id] = ch
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			delete(m.subs[channel], id)
		})
	}
}
