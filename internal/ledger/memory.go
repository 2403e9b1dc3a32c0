package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/manav2701/Aperture/internal/domain"
)

// counterEntry: счетчик и его блокировка. Все резервы счетчика меняются под этим же mu.
type counterEntry struct {
	mu      sync.Mutex
	counter domain.SpendingCounter
	deleted bool
}

type reservationEntry struct {
	key domain.CounterKey // неизменяем, читается без блокировки
	res domain.Reservation
}

// MemoryStore: in-memory Store. Блокировка только на ключ счетчика: агенты и дни не конкурируют.
type MemoryStore struct {
	counters     sync.Map // domain.CounterKey -> *counterEntry
	reservations sync.Map // id -> *reservationEntry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// lockCounter возвращает заблокированную запись счетчика, создавая ее при необходимости.
func (s *MemoryStore) lockCounter(key domain.CounterKey) *counterEntry {
	for {
		v, _ := s.counters.LoadOrStore(key, &counterEntry{counter: domain.SpendingCounter{CounterKey: key}})
		e := v.(*counterEntry)
		e.mu.Lock()
		if !e.deleted {
			return e
		}
		// Запись удалил GC между LoadOrStore и Lock
		e.mu.Unlock()
	}
}

func (s *MemoryStore) Reserve(_ context.Context, key domain.CounterKey, fn ReserveFunc) (*domain.Reservation, error) {
	e := s.lockCounter(key)
	defer e.mu.Unlock()

	c := e.counter
	res, err := fn(&c)
	if err != nil {
		return nil, err
	}
	e.counter = c
	s.reservations.Store(res.ID, &reservationEntry{key: key, res: *res})

	out := *res
	return &out, nil
}

func (s *MemoryStore) Transition(_ context.Context, id string, fn TransitionFunc) (*domain.Reservation, error) {
	v, ok := s.reservations.Load(id)
	if !ok {
		return nil, domain.ErrNotFound
	}
	re := v.(*reservationEntry)

	e := s.lockCounter(re.key)
	defer e.mu.Unlock()

	c := e.counter
	r := re.res
	if err := fn(&r, &c); err != nil {
		out := re.res
		return &out, err
	}
	e.counter = c
	re.res = r

	out := r
	return &out, nil
}

func (s *MemoryStore) GetReservation(_ context.Context, id string) (*domain.Reservation, error) {
	v, ok := s.reservations.Load(id)
	if !ok {
		return nil, domain.ErrNotFound
	}
	re := v.(*reservationEntry)

	e := s.lockCounter(re.key)
	out := re.res
	e.mu.Unlock()
	return &out, nil
}

func (s *MemoryStore) GetCounter(_ context.Context, key domain.CounterKey) (*domain.SpendingCounter, error) {
	v, ok := s.counters.Load(key)
	if !ok {
		return &domain.SpendingCounter{CounterKey: key}, nil
	}
	e := v.(*counterEntry)
	e.mu.Lock()
	out := e.counter
	e.mu.Unlock()
	return &out, nil
}

func (s *MemoryStore) HeldBefore(_ context.Context, now time.Time, limit int) ([]string, error) {
	type due struct {
		id  string
		exp time.Time
	}
	var found []due
	s.reservations.Range(func(k, v any) bool {
		re := v.(*reservationEntry)
		e := s.lockCounter(re.key)
		if re.res.State == domain.ReservationHeld && re.res.ExpiredAt(now) {
			found = append(found, due{id: k.(string), exp: re.res.ExpiresAt})
		}
		e.mu.Unlock()
		return true
	})

	sort.Slice(found, func(i, j int) bool { return found[i].exp.Before(found[j].exp) })
	if limit > 0 && len(found) > limit {
		found = found[:limit]
	}
	ids := make([]string, len(found))
	for i, d := range found {
		ids[i] = d.id
	}
	return ids, nil
}

// PurgeCounters удаляет прошлые счетчики без открытых резервов вместе с их закрытыми резервами.
func (s *MemoryStore) PurgeCounters(_ context.Context, beforeDay string) (int, error) {
	purged := make(map[domain.CounterKey]struct{})
	s.counters.Range(func(k, v any) bool {
		key := k.(domain.CounterKey)
		if key.DayKey >= beforeDay {
			return true
		}
		e := v.(*counterEntry)
		e.mu.Lock()
		if e.counter.Reserved == 0 {
			e.deleted = true
			s.counters.Delete(key)
			purged[key] = struct{}{}
		}
		e.mu.Unlock()
		return true
	})

	if len(purged) > 0 {
		s.reservations.Range(func(k, v any) bool {
			if _, ok := purged[v.(*reservationEntry).key]; ok {
				s.reservations.Delete(k)
			}
			return true
		})
	}
	return len(purged), nil
}
