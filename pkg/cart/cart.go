package cart

import (
	"errors"
	"sync"

	"github.com/example/grabandgo/pkg/models"
	"github.com/shopspring/decimal"
)

// ErrRestaurantConflict is returned when an item from a second restaurant is
// added without confirming that the current basket should be discarded.
var ErrRestaurantConflict = errors.New("cart holds items from another restaurant; confirm to start a new basket")

var ErrUnknownItem = errors.New("item is not in the cart")

// Item is a menu item copied into the cart with a quantity of at least one.
type Item struct {
	MenuItemID   string          `json:"menu_item_id"`
	RestaurantID string          `json:"restaurant_id"`
	Name         string          `json:"name"`
	Price        decimal.Decimal `json:"price"`
	Quantity     int             `json:"quantity"`
}

// Cart is the basket of one customer session. All items share one restaurant.
type Cart struct {
	mu           sync.Mutex
	restaurantID string
	items        []*Item
}

func New() *Cart {
	return &Cart{}
}

// AddItem adds one unit of m. If the cart holds another restaurant's items,
// the basket is replaced only when confirm is true; otherwise nothing changes.
func (c *Cart) AddItem(m models.MenuItem, confirm bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.items) > 0 && c.restaurantID != m.RestaurantID {
		if !confirm {
			return ErrRestaurantConflict
		}
		c.items = nil
	}
	c.restaurantID = m.RestaurantID

	if it := c.find(m.ID); it != nil {
		it.Quantity++
		return nil
	}
	c.items = append(c.items, &Item{
		MenuItemID:   m.ID,
		RestaurantID: m.RestaurantID,
		Name:         m.Name,
		Price:        m.Price,
		Quantity:     1,
	})
	return nil
}

// UpdateQuantity adjusts an item's quantity by delta. A line that would
// drop below one is removed.
func (c *Cart) UpdateQuantity(menuItemID string, delta int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	it := c.find(menuItemID)
	if it == nil {
		return ErrUnknownItem
	}
	q := it.Quantity + delta
	if q < 1 {
		c.remove(menuItemID)
		return nil
	}
	it.Quantity = q
	return nil
}

// RemoveItem drops the line unconditionally. Removing an absent item is a no-op.
func (c *Cart) RemoveItem(menuItemID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.remove(menuItemID)
}

func (c *Cart) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = nil
	c.restaurantID = ""
}

// Total is recomputed on every call.
func (c *Cart) Total() decimal.Decimal {
	c.mu.Lock()
	defer c.mu.Unlock()

	total := decimal.Zero
	for _, it := range c.items {
		total = total.Add(it.Price.Mul(decimal.NewFromInt(int64(it.Quantity))))
	}
	return total
}

// Items returns a copy of the cart lines in insertion order.
func (c *Cart) Items() []Item {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Item, len(c.items))
	for i, it := range c.items {
		out[i] = *it
	}
	return out
}

// RestaurantID is empty while the cart is empty.
func (c *Cart) RestaurantID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.items) == 0 {
		return ""
	}
	return c.restaurantID
}

func (c *Cart) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Snapshot returns the restaurant, the order line items and their total as
// one consistent view.
func (c *Cart) Snapshot() (string, models.LineItems, decimal.Decimal) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshot()
}

// Checkout passes a snapshot to place while holding the cart and empties it
// only when place succeeds. Edits made meanwhile wait and apply afterwards,
// so nothing added during checkout is lost.
func (c *Cart) Checkout(place func(restaurantID string, items models.LineItems, total decimal.Decimal) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	restaurantID, items, total := c.snapshot()
	if err := place(restaurantID, items, total); err != nil {
		return err
	}
	c.items = nil
	c.restaurantID = ""
	return nil
}

func (c *Cart) snapshot() (string, models.LineItems, decimal.Decimal) {
	if len(c.items) == 0 {
		return "", nil, decimal.Zero
	}
	items := make(models.LineItems, 0, len(c.items))
	for _, it := range c.items {
		items = append(items, models.LineItem{
			MenuItemID:   it.MenuItemID,
			RestaurantID: it.RestaurantID,
			Name:         it.Name,
			UnitPrice:    it.Price,
			Quantity:     it.Quantity,
		})
	}
	return c.restaurantID, items, items.Sum()
}

func (c *Cart) find(menuItemID string) *Item {
	for _, it := range c.items {
		if it.MenuItemID == menuItemID {
			return it
		}
	}
	return nil
}

func (c *Cart) remove(menuItemID string) {
	for i, it := range c.items {
		if it.MenuItemID == menuItemID {
			c.items = append(c.items[:i], c.items[i+1:]...)
			break
		}
	}
	if len(c.items) == 0 {
		c.restaurantID = ""
	}
}
