package order_test

import (
	"context"
	"errors"
	"math/rand"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/example/grabandgo/pkg/cart"
	"github.com/example/grabandgo/pkg/models"
	"github.com/example/grabandgo/pkg/notify"
	"github.com/example/grabandgo/pkg/order"
	"github.com/example/grabandgo/pkg/order/ordertest"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var (
	customer = models.Identity{ID: "cust-1", Name: "Asha", Role: models.RoleCustomer}
	other    = models.Identity{ID: "cust-2", Name: "Ben", Role: models.RoleCustomer}
	owner    = models.Identity{ID: "owner-1", Role: models.RoleRestaurantOwner, RestaurantID: "r1"}
	rival    = models.Identity{ID: "owner-2", Role: models.RoleRestaurantOwner, RestaurantID: "r2"}
	admin    = models.Identity{ID: "admin-1", Role: models.RoleAdmin}
)

var fourDigits = regexp.MustCompile(`^[1-9][0-9]{3}$`)

type fixture struct {
	svc        *order.Service
	store      *ordertest.Store
	dispatcher *notify.Dispatcher
	testMode   *fakeTestMode
	feed       *recordingFeed
	audit      *recordingAudit
	now        time.Time
}

type fakeTestMode struct {
	on  bool
	err error
}

func (f *fakeTestMode) TestMode(ctx context.Context) (bool, error) { return f.on, f.err }

type recordingFeed struct {
	mu      sync.Mutex
	changes []string
}

func (f *recordingFeed) Publish(ctx context.Context, table, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.changes = append(f.changes, table+"/"+id)
	return nil
}

type recordingAudit struct {
	mu      sync.Mutex
	entries []order.AuditEntry
}

func (a *recordingAudit) Record(ctx context.Context, e order.AuditEntry) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, e)
	return nil
}

func newFixture(t *testing.T, cfg order.Config) *fixture {
	t.Helper()
	f := &fixture{
		store:      ordertest.NewStore(),
		dispatcher: notify.NewDispatcher(),
		testMode:   &fakeTestMode{},
		feed:       &recordingFeed{},
		audit:      &recordingAudit{},
		now:        time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC),
	}
	f.store.AddRestaurant(&models.Restaurant{ID: "r1", OwnerID: owner.ID, Name: "Campus Grill", Verified: true})
	f.store.AddRestaurant(&models.Restaurant{ID: "r2", OwnerID: rival.ID, Name: "Noodle Bar", Verified: true})
	f.store.AddRestaurant(&models.Restaurant{ID: "r3", OwnerID: "owner-3", Name: "Pending Cafe"})

	svc, err := order.NewService(f.store, f.dispatcher, cfg, zaptest.NewLogger(t),
		order.WithFeed(f.feed),
		order.WithAudit(f.audit),
		order.WithTestMode(f.testMode),
		order.WithClock(func() time.Time { return f.now }))
	require.NoError(t, err)
	f.svc = svc
	return f
}

func item(id, restaurant, price string) models.MenuItem {
	return models.MenuItem{ID: id, RestaurantID: restaurant, Name: "item " + id, Price: decimal.RequireFromString(price)}
}

func (f *fixture) place(t *testing.T) *models.Order {
	t.Helper()
	c := cart.New()
	require.NoError(t, c.AddItem(item("a", "r1", "8.50"), false))
	require.NoError(t, c.AddItem(item("a", "r1", "8.50"), false))
	o, err := f.svc.Checkout(context.Background(), customer, c)
	require.NoError(t, err)
	return o
}

func (f *fixture) ready(t *testing.T) *models.Order {
	t.Helper()
	o := f.place(t)
	_, err := f.svc.Accept(context.Background(), owner, o.ID)
	require.NoError(t, err)
	o, err = f.svc.MarkReady(context.Background(), owner, o.ID)
	require.NoError(t, err)
	return o
}

func (f *fixture) customerNotifications() []notify.Notification {
	return f.dispatcher.List(customer.ID)
}

func TestCheckoutCreatesPendingOrder(t *testing.T) {
	f := newFixture(t, order.Config{})
	c := cart.New()
	require.NoError(t, c.AddItem(item("a", "r1", "8.50"), false))
	require.NoError(t, c.AddItem(item("a", "r1", "8.50"), false))
	_, snapshot, _ := c.Snapshot()

	o, err := f.svc.Checkout(context.Background(), customer, c)
	require.NoError(t, err)

	assert.Equal(t, models.StatusPending, o.Status)
	assert.False(t, o.Paid)
	assert.False(t, o.IsTest)
	assert.Regexp(t, fourDigits, o.PickupCode)
	assert.Equal(t, snapshot, o.Items)
	assert.True(t, decimal.RequireFromString("17.00").Equal(o.Total))
	assert.Nil(t, o.ReadyAt)
	assert.Equal(t, f.now, o.CreatedAt)
	assert.Equal(t, "Asha", o.CustomerName)
	assert.Equal(t, 0, c.Len(), "cart is cleared after checkout")

	stored, err := f.store.GetOrder(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, o.PickupCode, stored.PickupCode)

	ownerInbox := f.dispatcher.List(owner.ID)
	require.Len(t, ownerInbox, 1)
	assert.Equal(t, "New order", ownerInbox[0].Title)
	assert.Empty(t, f.customerNotifications())
	assert.Equal(t, []string{"orders/" + o.ID}, f.feed.changes)
}

func TestCheckoutFailureKeepsCart(t *testing.T) {
	f := newFixture(t, order.Config{})
	f.store.CreateErr = errors.New("connection refused")
	c := cart.New()
	require.NoError(t, c.AddItem(item("a", "r1", "8.50"), false))

	_, err := f.svc.Checkout(context.Background(), customer, c)
	require.ErrorIs(t, err, order.ErrStoreUnavailable)
	assert.Equal(t, 1, c.Len())
	assert.Equal(t, 0, f.store.Len())
}

func TestPlaceOrderValidation(t *testing.T) {
	f := newFixture(t, order.Config{})
	one := models.LineItems{{MenuItemID: "a", RestaurantID: "r1", Name: "Dosa", UnitPrice: decimal.RequireFromString("2.50"), Quantity: 2}}

	tests := []struct {
		name  string
		actor models.Identity
		req   order.PlaceRequest
		want  error
	}{
		{"empty cart", customer, order.PlaceRequest{RestaurantID: "r1", Total: decimal.Zero}, order.ErrValidation},
		{"restaurant mismatch", customer, order.PlaceRequest{RestaurantID: "r2", Items: one, Total: one.Sum()}, order.ErrValidation},
		{"total mismatch", customer, order.PlaceRequest{RestaurantID: "r1", Items: one, Total: decimal.RequireFromString("4.00")}, order.ErrValidation},
		{"zero quantity", customer, order.PlaceRequest{RestaurantID: "r1", Items: models.LineItems{{MenuItemID: "a", RestaurantID: "r1", UnitPrice: decimal.NewFromInt(1)}}, Total: decimal.Zero}, order.ErrValidation},
		{"unknown restaurant", customer, order.PlaceRequest{RestaurantID: "nope", Items: models.LineItems{{MenuItemID: "a", RestaurantID: "nope", UnitPrice: decimal.NewFromInt(1), Quantity: 1}}, Total: decimal.NewFromInt(1)}, order.ErrNotFound},
		{"unverified restaurant", customer, order.PlaceRequest{RestaurantID: "r3", Items: models.LineItems{{MenuItemID: "a", RestaurantID: "r3", UnitPrice: decimal.NewFromInt(1), Quantity: 1}}, Total: decimal.NewFromInt(1)}, order.ErrValidation},
		{"owner cannot order", owner, order.PlaceRequest{RestaurantID: "r1", Items: one, Total: one.Sum()}, order.ErrForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.PlaceOrder(context.Background(), tt.actor, tt.req)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
		})
	}
	assert.Equal(t, 0, f.store.Len())
}

func TestPlaceOrderInTestMode(t *testing.T) {
	f := newFixture(t, order.Config{})
	f.testMode.on = true

	o := f.place(t)
	assert.True(t, o.IsTest)
	assert.True(t, o.Paid)
	assert.Equal(t, []string{"test_orders/" + o.ID}, f.feed.changes)

	f.testMode.err = errors.New("redis down")
	c := cart.New()
	require.NoError(t, c.AddItem(item("a", "r1", "1.00"), false))
	_, err := f.svc.Checkout(context.Background(), customer, c)
	assert.ErrorIs(t, err, order.ErrStoreUnavailable)
	assert.Equal(t, 1, c.Len())
}

func TestFiveDigitCodes(t *testing.T) {
	f := newFixture(t, order.Config{PickupCodeLength: 5})
	o := f.place(t)
	assert.Regexp(t, `^[1-9][0-9]{4}$`, o.PickupCode)

	_, err := order.NewService(f.store, f.dispatcher, order.Config{PickupCodeLength: 6}, nil)
	assert.Error(t, err)
}

func TestHappyPath(t *testing.T) {
	f := newFixture(t, order.Config{})
	ctx := context.Background()
	o := f.place(t)
	code := o.PickupCode

	accepted, err := f.svc.Accept(ctx, owner, o.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusAccepted, accepted.Status)
	assert.False(t, accepted.Paid, "acceptance leaves payment alone by default")

	f.now = f.now.Add(10 * time.Minute)
	ready, err := f.svc.MarkReady(ctx, owner, o.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusReady, ready.Status)
	require.NotNil(t, ready.ReadyAt)
	assert.Equal(t, f.now, *ready.ReadyAt)

	done, err := f.svc.VerifyAndComplete(ctx, owner, o.ID, code)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, done.Status)
	assert.Equal(t, code, done.PickupCode)

	stored, err := f.store.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, stored.Status)
	assert.Equal(t, code, stored.PickupCode)
	assert.Equal(t, owner.ID, stored.UpdatedBy)

	titles := []string{}
	for _, n := range f.customerNotifications() {
		titles = append(titles, n.Title)
	}
	// Newest first, one per status change.
	assert.Equal(t, []string{"Order picked up", "Order ready for pickup", "Order accepted"}, titles)

	actions := []string{}
	for _, e := range f.audit.entries {
		actions = append(actions, e.Action)
	}
	assert.Equal(t, []string{"place", "accept", "mark ready", "complete"}, actions)
}

func TestDeclineThenMarkReady(t *testing.T) {
	f := newFixture(t, order.Config{})
	ctx := context.Background()
	o := f.place(t)

	declined, err := f.svc.Decline(ctx, owner, o.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusDeclined, declined.Status)

	_, err = f.svc.MarkReady(ctx, owner, o.ID)
	require.ErrorIs(t, err, order.ErrInvalidTransition)
	assert.Contains(t, err.Error(), "no longer actionable")

	stored, _ := f.store.GetOrder(ctx, o.ID)
	assert.Equal(t, models.StatusDeclined, stored.Status)
	assert.Len(t, f.customerNotifications(), 1)
}

func TestInvalidTransitionsDoNotMutate(t *testing.T) {
	f := newFixture(t, order.Config{})
	ctx := context.Background()
	o := f.place(t)

	_, err := f.svc.MarkReady(ctx, owner, o.ID)
	assert.ErrorIs(t, err, order.ErrInvalidTransition)

	_, err = f.svc.Apply(ctx, owner, o.ID, order.EventComplete)
	assert.ErrorIs(t, err, order.ErrValidation)

	stored, _ := f.store.GetOrder(ctx, o.ID)
	assert.Equal(t, models.StatusPending, stored.Status)
	assert.Empty(t, f.customerNotifications())
}

func TestOnlyOwningRestaurantMayTransition(t *testing.T) {
	f := newFixture(t, order.Config{})
	ctx := context.Background()
	o := f.place(t)

	for _, actor := range []models.Identity{rival, customer, admin} {
		_, err := f.svc.Accept(ctx, actor, o.ID)
		assert.ErrorIs(t, err, order.ErrForbidden, actor.ID)
	}
	_, err := f.svc.Accept(ctx, owner, o.ID)
	require.NoError(t, err)

	cancelled, err := f.svc.Cancel(ctx, admin, o.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, cancelled.Status)
}

func TestVerifyWrongCodeKeepsOrderReady(t *testing.T) {
	f := newFixture(t, order.Config{})
	ctx := context.Background()
	o := f.ready(t)
	wrong := "9999"
	if o.PickupCode == wrong {
		wrong = "1111"
	}

	for i := 0; i < 5; i++ {
		_, err := f.svc.VerifyAndComplete(ctx, owner, o.ID, wrong)
		require.ErrorIs(t, err, order.ErrInvalidCode)
		assert.NotErrorIs(t, err, order.ErrInvalidTransition)
		stored, _ := f.store.GetOrder(ctx, o.ID)
		require.Equal(t, models.StatusReady, stored.Status)
	}

	done, err := f.svc.VerifyAndComplete(ctx, owner, o.ID, "  "+o.PickupCode+"\n")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, done.Status)

	_, err = f.svc.VerifyAndComplete(ctx, owner, o.ID, o.PickupCode)
	assert.ErrorIs(t, err, order.ErrNotReadyForPickup)
}

func TestVerifyErrors(t *testing.T) {
	f := newFixture(t, order.Config{})
	ctx := context.Background()

	_, err := f.svc.VerifyAndComplete(ctx, owner, "missing", "1234")
	assert.ErrorIs(t, err, order.ErrNotFound)

	o := f.place(t)
	_, err = f.svc.VerifyAndComplete(ctx, owner, o.ID, o.PickupCode)
	assert.ErrorIs(t, err, order.ErrNotReadyForPickup)

	r := f.ready(t)
	_, err = f.svc.VerifyAndComplete(ctx, rival, r.ID, r.PickupCode)
	assert.ErrorIs(t, err, order.ErrForbidden)
}

func TestConcurrentVerifyCompletesOnce(t *testing.T) {
	f := newFixture(t, order.Config{})
	o := f.ready(t)

	const callers = 16
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		wins     int
		failures []error
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.VerifyAndComplete(context.Background(), owner, o.ID, o.PickupCode)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				wins++
				return
			}
			failures = append(failures, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	for _, err := range failures {
		code := order.CodeOf(err)
		assert.Contains(t, []order.ErrorCode{order.CodeConflict, order.CodeNotReadyForPickup}, code, err.Error())
	}

	completed := 0
	for _, n := range f.customerNotifications() {
		if n.Title == "Order picked up" {
			completed++
		}
	}
	assert.Equal(t, 1, completed)
}

func TestAcceptDeclineRace(t *testing.T) {
	f := newFixture(t, order.Config{})
	o := f.place(t)

	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i, ev := range []order.Event{order.EventAccept, order.EventDecline} {
		wg.Add(1)
		go func(i int, ev order.Event) {
			defer wg.Done()
			_, errs[i] = f.svc.Apply(context.Background(), owner, o.ID, ev)
		}(i, ev)
	}
	wg.Wait()

	failed := 0
	for _, err := range errs {
		if err != nil {
			failed++
			assert.ErrorIs(t, err, order.ErrInvalidTransition)
		}
	}
	assert.Equal(t, 1, failed)
	assert.Len(t, f.customerNotifications(), 1)
}

func TestMarkPaid(t *testing.T) {
	f := newFixture(t, order.Config{})
	ctx := context.Background()
	o := f.place(t)

	_, err := f.svc.MarkPaid(ctx, other, o.ID)
	assert.ErrorIs(t, err, order.ErrForbidden)

	paid, err := f.svc.MarkPaid(ctx, customer, o.ID)
	require.NoError(t, err)
	assert.True(t, paid.Paid)
	assert.Equal(t, models.StatusPending, paid.Status)
	assert.Empty(t, f.customerNotifications(), "mark paid is silent")

	again, err := f.svc.MarkPaid(ctx, owner, o.ID)
	require.NoError(t, err)
	assert.True(t, again.Paid)

	_, err = f.svc.Decline(ctx, owner, o.ID)
	require.NoError(t, err)
	_, err = f.svc.MarkPaid(ctx, owner, o.ID)
	assert.ErrorIs(t, err, order.ErrInvalidTransition)
}

func TestAcceptMarksPaidWhenConfigured(t *testing.T) {
	f := newFixture(t, order.Config{AcceptMarksPaid: true})
	o := f.place(t)

	accepted, err := f.svc.Accept(context.Background(), owner, o.ID)
	require.NoError(t, err)
	assert.True(t, accepted.Paid)

	stored, _ := f.store.GetOrder(context.Background(), o.ID)
	assert.True(t, stored.Paid)
}

func TestExpire(t *testing.T) {
	f := newFixture(t, order.Config{})
	ctx := context.Background()
	o := f.ready(t)

	expired, err := f.svc.Expire(ctx, o, "Not collected in time.")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, expired.Status)
	assert.Equal(t, models.SystemIdentity.ID, expired.UpdatedBy)
	assert.Equal(t, "Not collected in time.", f.customerNotifications()[0].Message)

	// A stale read loses against the stored status.
	_, err = f.svc.Expire(ctx, o, "")
	assert.ErrorIs(t, err, order.ErrConflict)

	_, err = f.svc.Expire(ctx, expired, "")
	assert.ErrorIs(t, err, order.ErrInvalidTransition)
}

func TestExpireLosesToCompletion(t *testing.T) {
	f := newFixture(t, order.Config{})
	ctx := context.Background()
	o := f.ready(t)

	_, err := f.svc.VerifyAndComplete(ctx, owner, o.ID, o.PickupCode)
	require.NoError(t, err)

	_, err = f.svc.Expire(ctx, o, "")
	require.ErrorIs(t, err, order.ErrConflict)
	stored, _ := f.store.GetOrder(ctx, o.ID)
	assert.Equal(t, models.StatusCompleted, stored.Status)
}

// Random event sequences only ever produce paths through the lifecycle table.
func TestStatusesFollowTable(t *testing.T) {
	f := newFixture(t, order.Config{})
	ctx := context.Background()
	rng := rand.New(rand.NewSource(7))
	events := []order.Event{order.EventAccept, order.EventDecline, order.EventMarkReady, order.EventCancel}

	for n := 0; n < 50; n++ {
		o := f.place(t)
		code := o.PickupCode
		prev := o.Status
		for step := 0; step < 8; step++ {
			if rng.Intn(5) == 0 {
				_, _ = f.svc.VerifyAndComplete(ctx, owner, o.ID, code)
			} else {
				_, _ = f.svc.Apply(ctx, owner, o.ID, events[rng.Intn(len(events))])
			}
			cur, err := f.store.GetOrder(ctx, o.ID)
			require.NoError(t, err)
			require.Equal(t, code, cur.PickupCode)
			if cur.Status != prev {
				require.True(t, order.CanTransition(prev, cur.Status), "%s -> %s", prev, cur.Status)
				require.False(t, prev.IsTerminal())
			}
			prev = cur.Status
		}
	}
}

func TestGetAndListScoping(t *testing.T) {
	f := newFixture(t, order.Config{})
	ctx := context.Background()
	first := f.place(t)
	f.now = f.now.Add(time.Minute)
	second := f.place(t)

	_, err := f.svc.Get(ctx, other, first.ID)
	assert.ErrorIs(t, err, order.ErrNotFound)
	_, err = f.svc.Get(ctx, rival, first.ID)
	assert.ErrorIs(t, err, order.ErrNotFound)
	got, err := f.svc.Get(ctx, owner, first.ID)
	require.NoError(t, err)
	assert.Equal(t, first.ID, got.ID)

	mine, err := f.svc.List(ctx, owner, order.Filter{RestaurantID: "r2"})
	require.NoError(t, err)
	require.Len(t, mine, 2)
	assert.Equal(t, second.ID, mine[0].ID, "newest first")

	theirs, err := f.svc.List(ctx, rival, order.Filter{})
	require.NoError(t, err)
	assert.Empty(t, theirs)

	none, err := f.svc.List(ctx, other, order.Filter{})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestParseEvent(t *testing.T) {
	ev, err := order.ParseEvent(" Ready ")
	require.NoError(t, err)
	assert.Equal(t, order.EventMarkReady, ev)

	_, err = order.ParseEvent("teleport")
	assert.ErrorIs(t, err, order.ErrValidation)
}
