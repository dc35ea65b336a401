// Package order tracks the single active order of the current call.
package order

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// Item is one order line.
type Item struct {
	ArticleNr   string    `json:"article_nr"`
	Quantity    int       `json:"quantity"`
	ProductName string    `json:"product_name"`
	AddedAt     time.Time `json:"added_at"`
}

// Order is a snapshot of the active order.
type Order struct {
	CallerID  string    `json:"caller_id"`
	StartedAt time.Time `json:"started_at"`
	Items     []Item    `json:"items"`
}

// Manager owns the process-wide active order, mirroring the single active
// call. A change hook fires after every mutation so the event hub can
// broadcast order_update without the manager knowing about observers.
type Manager struct {
	mu       sync.Mutex
	active   bool
	order    Order
	onChange func(Order)
}

// NewManager returns an empty manager.
func NewManager() *Manager {
	return &Manager{}
}

// OnChange registers the change hook. Must be called before the first Start.
func (m *Manager) OnChange(fn func(Order)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChange = fn
}

// Start opens a fresh order for the given caller, replacing any previous one.
func (m *Manager) Start(callerID string) {
	m.mu.Lock()
	m.active = true
	m.order = Order{CallerID: callerID, StartedAt: time.Now()}
	fn, snap := m.onChange, m.snapshotLocked()
	m.mu.Unlock()
	if fn != nil {
		fn(snap)
	}
}

// Add appends quantity of an article. Adding an article number that is
// already on the order increments the existing line instead of creating a
// second one. Returns the resulting quantity for that article.
func (m *Manager) Add(articleNr string, quantity int, productName string) (int, error) {
	articleNr = strings.TrimSpace(articleNr)
	if articleNr == "" {
		return 0, fmt.Errorf("article number is empty")
	}
	if quantity <= 0 {
		return 0, fmt.Errorf("quantity must be positive, got %d", quantity)
	}

	m.mu.Lock()
	if !m.active {
		m.mu.Unlock()
		return 0, fmt.Errorf("no active order")
	}

	total := quantity
	found := false
	for i := range m.order.Items {
		if m.order.Items[i].ArticleNr == articleNr {
			m.order.Items[i].Quantity += quantity
			total = m.order.Items[i].Quantity
			found = true
			break
		}
	}
	if !found {
		m.order.Items = append(m.order.Items, Item{
			ArticleNr:   articleNr,
			Quantity:    quantity,
			ProductName: productName,
			AddedAt:     time.Now(),
		})
	}
	fn, snap := m.onChange, m.snapshotLocked()
	m.mu.Unlock()

	if fn != nil {
		fn(snap)
	}
	return total, nil
}

// Get returns a snapshot of the active order. The second return is false
// when no order is active.
func (m *Manager) Get() (Order, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked(), m.active
}

// Clear ends the active order. Called on call end and via DELETE /order.
func (m *Manager) Clear() {
	m.mu.Lock()
	m.active = false
	m.order = Order{}
	fn, snap := m.onChange, m.snapshotLocked()
	m.mu.Unlock()
	if fn != nil {
		fn(snap)
	}
}

func (m *Manager) snapshotLocked() Order {
	snap := m.order
	snap.Items = append([]Item(nil), m.order.Items...)
	return snap
}

// Render formats the order as the text the assistant reads back. Pure; no
// side effects.
func Render(o Order) string {
	if len(o.Items) == 0 {
		return "Die Bestellung ist noch leer."
	}
	var b strings.Builder
	b.WriteString("Aktuelle Bestellung:\n")
	for _, it := range o.Items {
		fmt.Fprintf(&b, "- %d x %s (Art. %s)\n", it.Quantity, it.ProductName, it.ArticleNr)
	}
	return strings.TrimRight(b.String(), "\n")
}
