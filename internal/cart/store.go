// Package cart holds the authoritative in-memory shopping cart. Every mutation
// is validated against the catalog's stock figure, published to subscribers
// and mirrored to snapshot storage in the background.
package cart

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"shopcart/internal/domain"
	"shopcart/internal/metrics"
	"shopcart/internal/service/quantity"
	"shopcart/internal/store"
)

const DefaultStorageKey = "@RocketShoes:cart"

// Messages shown to the user through the Notifier.
const (
	MsgOutOfStock     = "Requested quantity is out of stock"
	MsgAddFailed      = "Failed to add product"
	MsgRemoveFailed   = "Failed to remove product"
	MsgQuantityFailed = "Failed to change product quantity"
)

var (
	ErrOutOfStock = errors.New("requested quantity is out of stock")
	ErrNotInCart  = errors.New("product is not in the cart")

	errIgnored = errors.New("ignored")
)

type Catalog interface {
	Product(ctx context.Context, id domain.ProductID) (domain.Product, error)
	Stock(ctx context.Context, id domain.ProductID) (domain.Stock, error)
}

type Notifier interface {
	Notify(ctx context.Context, text string) error
}

type operation struct {
	name       string
	failureMsg string
}

var (
	opAdd    = operation{name: "add", failureMsg: MsgAddFailed}
	opRemove = operation{name: "remove", failureMsg: MsgRemoveFailed}
	opSet    = operation{name: "set_amount", failureMsg: MsgQuantityFailed}
)

type Options struct {
	Key          string
	WriteTimeout time.Duration
	Logger       *zap.Logger
}

type Store struct {
	key          string
	writeTimeout time.Duration
	snapshots    store.Store
	catalog      Catalog
	notifier     Notifier
	policy       *quantity.Engine
	logger       *zap.Logger

	mu      sync.RWMutex
	cart    domain.Cart
	version uint64
	subs    map[uint64]chan domain.Cart
	nextSub uint64

	dirty     chan struct{}
	done      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once
}

// NewStore restores the cart from snapshots (an absent or unreadable snapshot
// yields an empty cart) and starts the background mirror.
func NewStore(ctx context.Context, snapshots store.Store, catalog Catalog, notifier Notifier, opts Options) *Store {
	if opts.Key == "" {
		opts.Key = DefaultStorageKey
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	s := &Store{
		key:          opts.Key,
		writeTimeout: opts.WriteTimeout,
		snapshots:    snapshots,
		catalog:      catalog,
		notifier:     notifier,
		policy:       quantity.NewEngine(),
		logger:       opts.Logger,
		subs:         make(map[uint64]chan domain.Cart),
		dirty:        make(chan struct{}, 1),
		done:         make(chan struct{}),
		stopped:      make(chan struct{}),
	}
	s.cart = s.restore(ctx)
	metrics.CartLines.Set(float64(len(s.cart)))
	go s.mirror()
	return s
}

func (s *Store) restore(ctx context.Context) domain.Cart {
	raw, ok, err := s.snapshots.Get(ctx, s.key)
	if err != nil {
		s.logger.Warn("cart snapshot unreadable, starting empty", zap.String("key", s.key), zap.Error(err))
		return domain.Cart{}
	}
	if !ok || raw == "" {
		return domain.Cart{}
	}
	var restored domain.Cart
	if err := json.Unmarshal([]byte(raw), &restored); err != nil {
		s.logger.Warn("cart snapshot malformed, starting empty", zap.String("key", s.key), zap.Error(err))
		return domain.Cart{}
	}
	if restored == nil {
		restored = domain.Cart{}
	}
	if err := validSnapshot(restored); err != nil {
		s.logger.Warn("cart snapshot invalid, starting empty", zap.String("key", s.key), zap.Error(err))
		return domain.Cart{}
	}
	s.logger.Info("cart restored", zap.Int("lines", len(restored)))
	return restored
}

// validSnapshot enforces one line per product and a positive amount on each.
func validSnapshot(c domain.Cart) error {
	seen := make(map[domain.ProductID]struct{}, len(c))
	for _, it := range c {
		if it.Amount < 1 {
			return fmt.Errorf("product %d has amount %d", it.ID, it.Amount)
		}
		if _, dup := seen[it.ID]; dup {
			return fmt.Errorf("product %d appears more than once", it.ID)
		}
		seen[it.ID] = struct{}{}
	}
	return nil
}

// Cart returns a copy of the current cart.
func (s *Store) Cart() domain.Cart {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cart.Clone()
}

// AddItem adds one unit of id, appending a new line when the product is not
// in the cart yet.
func (s *Store) AddItem(ctx context.Context, id domain.ProductID) {
	s.settle(ctx, opAdd, id, s.addItem(ctx, id))
}

func (s *Store) addItem(ctx context.Context, id domain.ProductID) error {
	updated := s.Cart()
	idx := updated.Index(id)

	stock, err := s.catalog.Stock(ctx, id)
	if err != nil {
		return err
	}
	current := 0
	if idx >= 0 {
		current = updated[idx].Amount
	}
	if d := s.policy.Evaluate(domain.QuantityInput{ProductID: id, Desired: current + 1, Available: stock.Amount}); !d.Allowed {
		return ErrOutOfStock
	}

	if idx >= 0 {
		updated[idx].Amount = current + 1
	} else {
		product, err := s.catalog.Product(ctx, id)
		if err != nil {
			return err
		}
		product.ID = id
		updated = append(updated, domain.Item{Product: product, Amount: 1})
	}
	s.publish(updated)
	return nil
}

// RemoveItem drops the whole line for id.
func (s *Store) RemoveItem(ctx context.Context, id domain.ProductID) {
	s.settle(ctx, opRemove, id, s.removeItem(id))
}

func (s *Store) removeItem(id domain.ProductID) error {
	updated := s.Cart()
	idx := updated.Index(id)
	if idx < 0 {
		return ErrNotInCart
	}
	updated = append(updated[:idx], updated[idx+1:]...)
	s.publish(updated)
	return nil
}

// SetItemAmount sets the absolute amount of a line already in the cart.
// Non-positive amounts are ignored without notice.
func (s *Store) SetItemAmount(ctx context.Context, id domain.ProductID, amount int) {
	s.settle(ctx, opSet, id, s.setItemAmount(ctx, id, amount))
}

func (s *Store) setItemAmount(ctx context.Context, id domain.ProductID, amount int) error {
	if amount <= 0 {
		return errIgnored
	}
	stock, err := s.catalog.Stock(ctx, id)
	if err != nil {
		return err
	}
	if d := s.policy.Evaluate(domain.QuantityInput{ProductID: id, Desired: amount, Available: stock.Amount}); !d.Allowed {
		return ErrOutOfStock
	}

	updated := s.Cart()
	idx := updated.Index(id)
	if idx < 0 {
		return ErrNotInCart
	}
	updated[idx].Amount = amount
	s.publish(updated)
	return nil
}

// settle is the recovery boundary of every operation: nothing propagates to
// the caller, failures become a notice.
func (s *Store) settle(ctx context.Context, op operation, id domain.ProductID, err error) {
	outcome := metrics.OutcomeOK
	msg := ""
	switch {
	case err == nil:
	case errors.Is(err, errIgnored):
		outcome = metrics.OutcomeIgnored
	case errors.Is(err, ErrOutOfStock):
		outcome, msg = metrics.OutcomeOutOfStock, MsgOutOfStock
	case errors.Is(err, ErrNotInCart):
		outcome, msg = metrics.OutcomeNotInCart, op.failureMsg
	default:
		outcome, msg = metrics.OutcomeFailed, op.failureMsg
	}
	metrics.CartOperations.WithLabelValues(op.name, outcome).Inc()
	if msg == "" {
		return
	}

	s.logger.Warn("cart operation rejected",
		zap.String("operation", op.name),
		zap.Int("product_id", int(id)),
		zap.String("outcome", outcome),
		zap.Error(err),
	)
	if nerr := s.notifier.Notify(ctx, msg); nerr != nil {
		s.logger.Warn("notifier failed", zap.Error(nerr))
	}
}

// publish installs next as the current cart, bumps the version and fans the
// value out. No lock is held across catalog calls, so concurrent operations
// that started from the same snapshot overwrite each other: last publish wins.
func (s *Store) publish(next domain.Cart) {
	s.mu.Lock()
	s.cart = next
	s.version++
	for _, ch := range s.subs {
		offer(ch, next.Clone())
	}
	lines := len(next)
	s.mu.Unlock()

	metrics.CartLines.Set(float64(lines))
	select {
	case s.dirty <- struct{}{}:
	default:
	}
}

// Subscribe returns a channel that first yields the current cart and then
// every published one. A slow reader only sees the newest value. cancel
// closes the channel.
func (s *Store) Subscribe() (<-chan domain.Cart, func()) {
	ch := make(chan domain.Cart, 1)
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch
	ch <- s.cart.Clone()
	s.mu.Unlock()

	return ch, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(ch)
		}
	}
}

func offer(ch chan domain.Cart, cart domain.Cart) {
	for {
		select {
		case ch <- cart:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

// Close flushes the latest cart to storage and stops the mirror. Subscriber
// channels are closed.
func (s *Store) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		<-s.stopped

		s.mu.Lock()
		for id, ch := range s.subs {
			delete(s.subs, id)
			close(ch)
		}
		s.mu.Unlock()
	})
}

func (s *Store) mirror() {
	defer close(s.stopped)
	var written uint64
	for {
		select {
		case <-s.dirty:
			written = s.persist(written)
		case <-s.done:
			s.persist(written)
			return
		}
	}
}

// persist writes the current cart when its version differs from the last one
// written and returns the version now on disk.
func (s *Store) persist(written uint64) uint64 {
	s.mu.RLock()
	version := s.version
	snapshot := s.cart.Clone()
	s.mu.RUnlock()
	if version == written {
		return written
	}

	raw, err := json.Marshal(snapshot)
	if err != nil {
		metrics.SnapshotWrites.WithLabelValues("error").Inc()
		s.logger.Error("encode cart snapshot", zap.Error(err))
		return written
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.writeTimeout)
	defer cancel()
	if err := s.snapshots.Set(ctx, s.key, string(raw)); err != nil {
		metrics.SnapshotWrites.WithLabelValues("error").Inc()
		s.logger.Warn("write cart snapshot", zap.Uint64("version", version), zap.Error(fmt.Errorf("set %s: %w", s.key, err)))
		return written
	}
	metrics.SnapshotWrites.WithLabelValues("ok").Inc()
	s.logger.Debug("cart snapshot written", zap.Uint64("version", version), zap.Int("lines", len(snapshot)))
	return version
}
