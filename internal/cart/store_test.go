package cart

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shopcart/internal/domain"
	"shopcart/internal/metrics"
	"shopcart/internal/store/memory"
)

type fakeCatalog struct {
	mu         sync.Mutex
	products   map[domain.ProductID]domain.Product
	stock      map[domain.ProductID]int
	stockErr   error
	productErr error
	stockCalls int

	// When gate is set, Stock reports on entered and blocks until gate closes.
	entered chan struct{}
	gate    chan struct{}
}

func newFakeCatalog() *fakeCatalog {
	return &fakeCatalog{
		products: map[domain.ProductID]domain.Product{},
		stock:    map[domain.ProductID]int{},
	}
}

func (c *fakeCatalog) withProduct(id domain.ProductID, title, price string, stock int) *fakeCatalog {
	c.products[id] = domain.Product{ID: id, Title: title, Price: decimal.RequireFromString(price), Image: "https://cdn.example/" + title + ".jpg"}
	c.stock[id] = stock
	return c
}

func (c *fakeCatalog) Product(_ context.Context, id domain.ProductID) (domain.Product, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.productErr != nil {
		return domain.Product{}, c.productErr
	}
	p, ok := c.products[id]
	if !ok {
		return domain.Product{}, errors.New("product not found")
	}
	return p, nil
}

func (c *fakeCatalog) Stock(_ context.Context, id domain.ProductID) (domain.Stock, error) {
	c.mu.Lock()
	c.stockCalls++
	entered, gate := c.entered, c.gate
	c.mu.Unlock()
	if gate != nil {
		entered <- struct{}{}
		<-gate
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stockErr != nil {
		return domain.Stock{}, c.stockErr
	}
	amount, ok := c.stock[id]
	if !ok {
		return domain.Stock{}, errors.New("stock not found")
	}
	return domain.Stock{ID: id, Amount: amount}, nil
}

func (c *fakeCatalog) calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stockCalls
}

type recordingNotifier struct {
	mu       sync.Mutex
	messages []string
	err      error
}

func (n *recordingNotifier) Notify(_ context.Context, text string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.messages = append(n.messages, text)
	return n.err
}

func (n *recordingNotifier) all() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.messages...)
}

type brokenStore struct {
	getErr error
	setErr error
}

func (b brokenStore) Get(context.Context, string) (string, bool, error) {
	return "", false, b.getErr
}

func (b brokenStore) Set(context.Context, string, string) error {
	return b.setErr
}

func newTestStore(t *testing.T, snapshots *memory.Store, catalog Catalog) (*Store, *recordingNotifier) {
	t.Helper()
	notifier := &recordingNotifier{}
	s := NewStore(context.Background(), snapshots, catalog, notifier, Options{})
	t.Cleanup(s.Close)
	return s, notifier
}

func amounts(c domain.Cart) map[domain.ProductID]int {
	out := make(map[domain.ProductID]int, len(c))
	for _, it := range c {
		out[it.ID] = it.Amount
	}
	return out
}

func TestStockScenario(t *testing.T) {
	catalog := newFakeCatalog().withProduct(42, "sneaker", "179.90", 5)
	snapshots := memory.NewStore()
	s, notifier := newTestStore(t, snapshots, catalog)
	ctx := context.Background()

	s.AddItem(ctx, 42)
	require.Len(t, s.Cart(), 1)
	assert.Equal(t, 1, s.Cart()[0].Amount)

	s.AddItem(ctx, 42)
	assert.Equal(t, 2, s.Cart()[0].Amount)

	s.SetItemAmount(ctx, 42, 5)
	assert.Equal(t, 5, s.Cart()[0].Amount)

	s.SetItemAmount(ctx, 42, 6)
	assert.Equal(t, 5, s.Cart()[0].Amount)
	assert.Equal(t, []string{MsgOutOfStock}, notifier.all())

	s.AddItem(ctx, 42)
	assert.Equal(t, 5, s.Cart()[0].Amount)
	assert.Equal(t, []string{MsgOutOfStock, MsgOutOfStock}, notifier.all())

	s.RemoveItem(ctx, 42)
	assert.Empty(t, s.Cart())

	s.Close()
	raw, ok, err := snapshots.Get(ctx, DefaultStorageKey)
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `[]`, raw)
}

func TestAddItem_AppendsInInsertionOrder(t *testing.T) {
	catalog := newFakeCatalog().
		withProduct(1, "runner", "139.90", 3).
		withProduct(2, "trail", "219.50", 3)
	s, notifier := newTestStore(t, memory.NewStore(), catalog)
	ctx := context.Background()

	s.AddItem(ctx, 2)
	s.AddItem(ctx, 1)
	s.AddItem(ctx, 2)

	c := s.Cart()
	require.Len(t, c, 2)
	assert.Equal(t, domain.ProductID(2), c[0].ID)
	assert.Equal(t, 2, c[0].Amount)
	assert.Equal(t, domain.ProductID(1), c[1].ID)
	assert.Equal(t, 1, c[1].Amount)
	assert.Equal(t, "runner", c[1].Title)
	assert.Equal(t, 3, c.Count())
	assert.True(t, c.Total().Equal(decimal.RequireFromString("578.90")))
	assert.Empty(t, notifier.all())
}

func TestAddItem_ForcesRequestedProductID(t *testing.T) {
	catalog := newFakeCatalog().withProduct(7, "loafer", "99.00", 1)
	catalog.products[7] = domain.Product{ID: 700, Title: "loafer", Price: decimal.RequireFromString("99.00")}
	s, _ := newTestStore(t, memory.NewStore(), catalog)

	s.AddItem(context.Background(), 7)

	c := s.Cart()
	require.Len(t, c, 1)
	assert.Equal(t, domain.ProductID(7), c[0].ID)
}

func TestAddItem_OutOfStockForNewProduct(t *testing.T) {
	catalog := newFakeCatalog().withProduct(3, "sandal", "49.90", 0)
	s, notifier := newTestStore(t, memory.NewStore(), catalog)

	s.AddItem(context.Background(), 3)

	assert.Empty(t, s.Cart())
	assert.Equal(t, []string{MsgOutOfStock}, notifier.all())
}

func TestAddItem_CollaboratorFailures(t *testing.T) {
	t.Run("stock lookup", func(t *testing.T) {
		catalog := newFakeCatalog().withProduct(1, "runner", "139.90", 3)
		catalog.stockErr = errors.New("connection refused")
		s, notifier := newTestStore(t, memory.NewStore(), catalog)

		s.AddItem(context.Background(), 1)

		assert.Empty(t, s.Cart())
		assert.Equal(t, []string{MsgAddFailed}, notifier.all())
	})

	t.Run("product lookup", func(t *testing.T) {
		catalog := newFakeCatalog().withProduct(1, "runner", "139.90", 3)
		catalog.productErr = errors.New("404")
		s, notifier := newTestStore(t, memory.NewStore(), catalog)

		s.AddItem(context.Background(), 1)

		assert.Empty(t, s.Cart())
		assert.Equal(t, []string{MsgAddFailed}, notifier.all())
	})

	t.Run("unknown product", func(t *testing.T) {
		s, notifier := newTestStore(t, memory.NewStore(), newFakeCatalog())

		s.AddItem(context.Background(), 99)

		assert.Empty(t, s.Cart())
		assert.Equal(t, []string{MsgAddFailed}, notifier.all())
	})
}

func TestRemoveItem_AbsentNotifies(t *testing.T) {
	catalog := newFakeCatalog().withProduct(1, "runner", "139.90", 3)
	snapshots := memory.NewStore()
	s, notifier := newTestStore(t, snapshots, catalog)

	s.RemoveItem(context.Background(), 1)

	assert.Empty(t, s.Cart())
	assert.Equal(t, []string{MsgRemoveFailed}, notifier.all())
	assert.Zero(t, catalog.calls())
	s.Close()
	assert.Zero(t, snapshots.Writes())
}

type line struct {
	ID     domain.ProductID
	Amount int
}

func lines(c domain.Cart) []line {
	out := make([]line, 0, len(c))
	for _, it := range c {
		out = append(out, line{ID: it.ID, Amount: it.Amount})
	}
	return out
}

func threeLineCatalog() *fakeCatalog {
	return newFakeCatalog().
		withProduct(1, "runner", "139.90", 5).
		withProduct(2, "trail", "219.50", 5).
		withProduct(3, "sandal", "49.90", 5)
}

func TestRemoveItem_PreservesOthers(t *testing.T) {
	s, notifier := newTestStore(t, memory.NewStore(), threeLineCatalog())
	ctx := context.Background()
	s.AddItem(ctx, 1)
	s.AddItem(ctx, 2)
	s.AddItem(ctx, 3)
	s.AddItem(ctx, 3)
	before := s.Cart()

	s.RemoveItem(ctx, 2)

	assert.Equal(t, []line{{ID: 1, Amount: 1}, {ID: 3, Amount: 2}}, lines(s.Cart()))
	assert.Equal(t, before[0].Title, s.Cart()[0].Title)
	assert.Equal(t, before[2].Title, s.Cart()[1].Title)
	assert.Empty(t, notifier.all())
}

func TestSetItemAmount_LeavesOthersUntouched(t *testing.T) {
	s, notifier := newTestStore(t, memory.NewStore(), threeLineCatalog())
	ctx := context.Background()
	s.AddItem(ctx, 1)
	s.AddItem(ctx, 2)
	s.AddItem(ctx, 3)
	s.AddItem(ctx, 3)

	s.SetItemAmount(ctx, 2, 4)

	assert.Equal(t, []line{{ID: 1, Amount: 1}, {ID: 2, Amount: 4}, {ID: 3, Amount: 2}}, lines(s.Cart()))
	assert.Empty(t, notifier.all())
}

func TestSetItemAmount_NonPositiveIsSilent(t *testing.T) {
	catalog := newFakeCatalog().withProduct(1, "runner", "139.90", 3)
	snapshots := memory.NewStore()
	s, notifier := newTestStore(t, snapshots, catalog)
	ctx := context.Background()
	s.AddItem(ctx, 1)
	callsBefore := catalog.calls()
	ignoredBefore := testutil.ToFloat64(metrics.CartOperations.WithLabelValues("set_amount", metrics.OutcomeIgnored))

	s.SetItemAmount(ctx, 1, 0)
	s.SetItemAmount(ctx, 1, -4)
	s.SetItemAmount(ctx, 2, 0)

	assert.Equal(t, map[domain.ProductID]int{1: 1}, amounts(s.Cart()))
	assert.Empty(t, notifier.all())
	assert.Equal(t, callsBefore, catalog.calls())
	assert.Equal(t, ignoredBefore+3, testutil.ToFloat64(metrics.CartOperations.WithLabelValues("set_amount", metrics.OutcomeIgnored)))
}

func TestSetItemAmount_Failures(t *testing.T) {
	t.Run("absent product", func(t *testing.T) {
		catalog := newFakeCatalog().withProduct(1, "runner", "139.90", 3)
		s, notifier := newTestStore(t, memory.NewStore(), catalog)

		s.SetItemAmount(context.Background(), 1, 2)

		assert.Empty(t, s.Cart())
		assert.Equal(t, []string{MsgQuantityFailed}, notifier.all())
	})

	t.Run("stock lookup", func(t *testing.T) {
		catalog := newFakeCatalog().withProduct(1, "runner", "139.90", 3)
		s, notifier := newTestStore(t, memory.NewStore(), catalog)
		s.AddItem(context.Background(), 1)
		catalog.mu.Lock()
		catalog.stockErr = context.DeadlineExceeded
		catalog.mu.Unlock()

		s.SetItemAmount(context.Background(), 1, 2)

		assert.Equal(t, map[domain.ProductID]int{1: 1}, amounts(s.Cart()))
		assert.Equal(t, []string{MsgQuantityFailed}, notifier.all())
	})
}

func TestNotifierErrorsAreIgnored(t *testing.T) {
	catalog := newFakeCatalog().withProduct(1, "runner", "139.90", 1)
	notifier := &recordingNotifier{err: errors.New("telegram down")}
	s := NewStore(context.Background(), memory.NewStore(), catalog, notifier, Options{})
	defer s.Close()
	ctx := context.Background()

	s.AddItem(ctx, 1)
	s.AddItem(ctx, 1)
	s.SetItemAmount(ctx, 1, 1)

	assert.Equal(t, map[domain.ProductID]int{1: 1}, amounts(s.Cart()))
	assert.Equal(t, []string{MsgOutOfStock}, notifier.all())
}

func TestCartReturnsCopy(t *testing.T) {
	catalog := newFakeCatalog().withProduct(1, "runner", "139.90", 3)
	s, _ := newTestStore(t, memory.NewStore(), catalog)
	s.AddItem(context.Background(), 1)

	c := s.Cart()
	c[0].Amount = 99

	assert.Equal(t, 1, s.Cart()[0].Amount)
}

func TestPersistence_RoundTripThroughFreshStore(t *testing.T) {
	catalog := newFakeCatalog().
		withProduct(1, "runner", "139.90", 3).
		withProduct(2, "trail", "219.50", 3)
	snapshots := memory.NewStore()
	ctx := context.Background()

	first := NewStore(ctx, snapshots, catalog, &recordingNotifier{}, Options{})
	first.AddItem(ctx, 1)
	first.AddItem(ctx, 2)
	first.SetItemAmount(ctx, 2, 3)
	want := first.Cart()
	first.Close()

	raw, ok, err := snapshots.Get(ctx, DefaultStorageKey)
	require.NoError(t, err)
	require.True(t, ok)
	var stored []map[string]any
	require.NoError(t, json.Unmarshal([]byte(raw), &stored))
	require.Len(t, stored, 2)
	assert.Equal(t, float64(2), stored[1]["id"])
	assert.Equal(t, float64(3), stored[1]["amount"])
	assert.Equal(t, "trail", stored[1]["title"])

	second, _ := newTestStore(t, snapshots, catalog)
	wantJSON, err := json.Marshal(want)
	require.NoError(t, err)
	gotJSON, err := json.Marshal(second.Cart())
	require.NoError(t, err)
	assert.JSONEq(t, string(wantJSON), string(gotJSON))
}

func TestPersistence_CustomKey(t *testing.T) {
	catalog := newFakeCatalog().withProduct(1, "runner", "139.90", 3)
	snapshots := memory.NewStore()
	ctx := context.Background()

	s := NewStore(ctx, snapshots, catalog, &recordingNotifier{}, Options{Key: "cart:alice", WriteTimeout: time.Second})
	s.AddItem(ctx, 1)
	s.Close()

	_, ok, _ := snapshots.Get(ctx, DefaultStorageKey)
	assert.False(t, ok)
	raw, ok, _ := snapshots.Get(ctx, "cart:alice")
	require.True(t, ok)
	assert.Contains(t, raw, `"amount":1`)
}

func TestPersistence_WritesEventually(t *testing.T) {
	catalog := newFakeCatalog().withProduct(1, "runner", "139.90", 3)
	snapshots := memory.NewStore()
	s, _ := newTestStore(t, snapshots, catalog)

	s.AddItem(context.Background(), 1)

	require.Eventually(t, func() bool {
		raw, ok, _ := snapshots.Get(context.Background(), DefaultStorageKey)
		return ok && raw != "[]"
	}, time.Second, 5*time.Millisecond)
}

func TestPersistence_NoWriteWithoutPublish(t *testing.T) {
	snapshots := memory.NewStore()
	require.NoError(t, snapshots.Set(context.Background(), DefaultStorageKey, `[{"id":1,"title":"runner","price":"139.9","image":"","amount":2}]`))
	s, _ := newTestStore(t, snapshots, newFakeCatalog())

	assert.Equal(t, map[domain.ProductID]int{1: 2}, amounts(s.Cart()))
	s.Close()
	assert.Equal(t, 1, snapshots.Writes())
}

func TestRestore_FallsBackToEmptyCart(t *testing.T) {
	t.Run("missing", func(t *testing.T) {
		s, _ := newTestStore(t, memory.NewStore(), newFakeCatalog())
		assert.NotNil(t, s.Cart())
		assert.Empty(t, s.Cart())
	})

	t.Run("corrupt", func(t *testing.T) {
		snapshots := memory.NewStore()
		require.NoError(t, snapshots.Set(context.Background(), DefaultStorageKey, "{not json"))
		s, _ := newTestStore(t, snapshots, newFakeCatalog())
		assert.Empty(t, s.Cart())
	})

	t.Run("json null", func(t *testing.T) {
		snapshots := memory.NewStore()
		require.NoError(t, snapshots.Set(context.Background(), DefaultStorageKey, "null"))
		s, _ := newTestStore(t, snapshots, newFakeCatalog())
		assert.NotNil(t, s.Cart())
		assert.Empty(t, s.Cart())
	})

	t.Run("duplicate product", func(t *testing.T) {
		snapshots := memory.NewStore()
		require.NoError(t, snapshots.Set(context.Background(), DefaultStorageKey,
			`[{"id":1,"title":"runner","price":"139.9","image":"","amount":1},{"id":1,"title":"runner","price":"139.9","image":"","amount":2}]`))
		s, _ := newTestStore(t, snapshots, newFakeCatalog())
		assert.Empty(t, s.Cart())
	})

	t.Run("non-positive amount", func(t *testing.T) {
		snapshots := memory.NewStore()
		require.NoError(t, snapshots.Set(context.Background(), DefaultStorageKey,
			`[{"id":1,"title":"runner","price":"139.9","image":"","amount":0},{"id":2,"title":"trail","price":"219.5","image":"","amount":2}]`))
		s, _ := newTestStore(t, snapshots, newFakeCatalog())
		assert.Empty(t, s.Cart())
	})

	t.Run("storage error", func(t *testing.T) {
		s := NewStore(context.Background(), brokenStore{getErr: errors.New("io")}, newFakeCatalog(), &recordingNotifier{}, Options{})
		defer s.Close()
		assert.Empty(t, s.Cart())
	})
}

func TestPersistence_WriteFailureDoesNotSurface(t *testing.T) {
	catalog := newFakeCatalog().withProduct(1, "runner", "139.90", 3)
	notifier := &recordingNotifier{}
	s := NewStore(context.Background(), brokenStore{setErr: errors.New("disk full")}, catalog, notifier, Options{})
	errorsBefore := testutil.ToFloat64(metrics.SnapshotWrites.WithLabelValues("error"))

	s.AddItem(context.Background(), 1)
	s.Close()

	assert.Equal(t, map[domain.ProductID]int{1: 1}, amounts(s.Cart()))
	assert.Empty(t, notifier.all())
	assert.Greater(t, testutil.ToFloat64(metrics.SnapshotWrites.WithLabelValues("error")), errorsBefore)
}

func TestSubscribe(t *testing.T) {
	catalog := newFakeCatalog().withProduct(1, "runner", "139.90", 3)
	s, _ := newTestStore(t, memory.NewStore(), catalog)
	ctx := context.Background()

	updates, cancel := s.Subscribe()
	first := <-updates
	assert.Empty(t, first)

	s.AddItem(ctx, 1)
	next := <-updates
	assert.Equal(t, map[domain.ProductID]int{1: 1}, amounts(next))

	s.RemoveItem(ctx, 5)
	select {
	case c := <-updates:
		t.Fatalf("unexpected publish after failed operation: %v", c)
	default:
	}

	cancel()
	cancel()
	_, open := <-updates
	assert.False(t, open)
}

func TestSubscribe_SlowReaderSeesLatest(t *testing.T) {
	catalog := newFakeCatalog().withProduct(1, "runner", "139.90", 5)
	s, _ := newTestStore(t, memory.NewStore(), catalog)
	ctx := context.Background()

	updates, cancel := s.Subscribe()
	defer cancel()
	s.AddItem(ctx, 1)
	s.AddItem(ctx, 1)
	s.AddItem(ctx, 1)

	latest := <-updates
	assert.Equal(t, map[domain.ProductID]int{1: 3}, amounts(latest))
	select {
	case c := <-updates:
		t.Fatalf("expected coalesced updates, got extra value %v", c)
	default:
	}
}

func TestClose_ClosesSubscribers(t *testing.T) {
	s := NewStore(context.Background(), memory.NewStore(), newFakeCatalog(), &recordingNotifier{}, Options{})
	updates, cancel := s.Subscribe()
	<-updates

	s.Close()
	_, open := <-updates
	assert.False(t, open)
	cancel()
	s.Close()
}

// Operations do not hold a lock across the stock lookup, so two concurrent
// increments that read the same cart both publish amount+1.
func TestAddItem_ConcurrentIncrementsCanBeLost(t *testing.T) {
	catalog := newFakeCatalog().withProduct(1, "runner", "139.90", 10)
	s, notifier := newTestStore(t, memory.NewStore(), catalog)
	ctx := context.Background()
	s.AddItem(ctx, 1)

	catalog.mu.Lock()
	catalog.entered = make(chan struct{}, 2)
	catalog.gate = make(chan struct{})
	catalog.mu.Unlock()

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.AddItem(ctx, 1)
		}()
	}
	<-catalog.entered
	<-catalog.entered
	close(catalog.gate)
	wg.Wait()

	assert.Equal(t, map[domain.ProductID]int{1: 2}, amounts(s.Cart()))
	assert.Empty(t, notifier.all())
}
