package repo

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"ncrtrack/internal/domain"
	"ncrtrack/internal/events"
	"ncrtrack/internal/numbering"
)

// MemoryStore is a Store kept in process memory. A single mutex serializes
// every operation, which gives CreateNCR and UpdateNCR their atomicity.
type MemoryStore struct {
	mu       sync.Mutex
	ncrs     map[string]domain.NCR
	numbers  map[string]string
	seq      int64
	comments map[string][]domain.Comment
	history  map[string][]domain.StatusHistoryEntry
	users    map[string]domain.User
	events   []domain.Event
	nextID   int64
	Now      func() time.Time
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		ncrs:     make(map[string]domain.NCR),
		numbers:  make(map[string]string),
		comments: make(map[string][]domain.Comment),
		history:  make(map[string][]domain.StatusHistoryEntry),
		users:    make(map[string]domain.User),
		events:   make([]domain.Event, 0, 64),
		nextID:   1,
		Now:      time.Now,
	}
}

func (m *MemoryStore) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

func (m *MemoryStore) id() int64 {
	id := m.nextID
	m.nextID++
	return id
}

// lockedCounter reads the counters while the caller already holds m.mu.
type lockedCounter struct {
	m *MemoryStore
}

func (c lockedCounter) CountNCRs(context.Context) (int, error) {
	return len(c.m.ncrs), nil
}

func (c lockedCounter) NextNCRSequence(context.Context) (int64, error) {
	c.m.seq++
	return c.m.seq, nil
}

func (m *MemoryStore) CountNCRs(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return lockedCounter{m}.CountNCRs(ctx)
}

func (m *MemoryStore) NextNCRSequence(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return lockedCounter{m}.NextNCRSequence(ctx)
}

func (m *MemoryStore) appendEvent(rec events.Record) error {
	evt, err := rec.Event(m.now())
	if err != nil {
		return err
	}
	evt.ID = m.id()
	m.events = append(m.events, evt)
	return nil
}

func (m *MemoryStore) CreateNCR(ctx context.Context, alloc numbering.Allocator, n domain.NCR, history []domain.StatusHistoryEntry, evt events.Record) (domain.NCR, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.ncrs[n.ID]; ok {
		return domain.NCR{}, fmt.Errorf("ncr %s: %w", n.ID, ErrConflict)
	}
	if _, ok := m.users[n.CreatedBy]; !ok {
		return domain.NCR{}, fmt.Errorf("creator %s: %w", n.CreatedBy, ErrNotFound)
	}
	seq, err := alloc.Allocate(ctx, lockedCounter{m})
	if err != nil {
		return domain.NCR{}, err
	}
	n.Seq = seq
	n.Number = numbering.Format(seq)
	if _, taken := m.numbers[n.Number]; taken {
		return domain.NCR{}, fmt.Errorf("insert ncr %s: %w", n.Number, ErrConflict)
	}
	if n.CreatedAt == "" {
		n.CreatedAt = m.now().UTC().Format(events.TSLayout)
	}
	if n.UpdatedAt == "" {
		n.UpdatedAt = n.CreatedAt
	}
	if err := m.appendEvent(withEntity(evt, n)); err != nil {
		return domain.NCR{}, err
	}
	n = cloneNCR(n)
	m.ncrs[n.ID] = n
	m.numbers[n.Number] = n.ID
	for _, h := range history {
		h.ID = m.id()
		h.NCRID = n.ID
		m.history[n.ID] = append(m.history[n.ID], h)
	}
	return cloneNCR(n), nil
}

func (m *MemoryStore) GetNCR(_ context.Context, id string) (domain.NCR, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.ncrs[id]
	if !ok {
		return domain.NCR{}, ErrNotFound
	}
	return cloneNCR(n), nil
}

func (m *MemoryStore) GetNCRByNumber(_ context.Context, number string) (domain.NCR, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.numbers[strings.ToUpper(strings.TrimSpace(number))]
	if !ok {
		return domain.NCR{}, ErrNotFound
	}
	return cloneNCR(m.ncrs[id]), nil
}

func (m *MemoryStore) ListNCRs(_ context.Context, f NCRFilters) ([]domain.NCR, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	res := []domain.NCR{}
	for _, n := range m.ncrs {
		if matchesFilters(n, f) {
			res = append(res, cloneNCR(n))
		}
	}
	sort.Slice(res, func(i, j int) bool {
		if res[i].CreatedAt != res[j].CreatedAt {
			return res[i].CreatedAt > res[j].CreatedAt
		}
		return res[i].Seq > res[j].Seq
	})
	if f.Limit > 0 && len(res) > f.Limit {
		res = res[:f.Limit]
	}
	return res, nil
}

func matchesFilters(n domain.NCR, f NCRFilters) bool {
	if f.Status != "" && n.Status != f.Status {
		return false
	}
	if f.NCLevel != nil && (n.Classification.NCLevel == nil || *n.Classification.NCLevel != *f.NCLevel) {
		return false
	}
	if f.CreatedBy != "" && n.CreatedBy != f.CreatedBy {
		return false
	}
	if f.AssignedTo != "" && (n.AssignedTo == nil || *n.AssignedTo != f.AssignedTo) {
		return false
	}
	if s := strings.ToLower(strings.TrimSpace(f.Search)); s != "" {
		if !strings.Contains(strings.ToLower(n.Details.Title), s) &&
			!strings.Contains(strings.ToLower(n.Details.PartNumber), s) &&
			!strings.Contains(strings.ToLower(n.Details.ProblemIs), s) {
			return false
		}
	}
	for _, tag := range f.Tags {
		if !contains(n.Tags, tag) {
			return false
		}
	}
	if f.CursorCreatedAt != "" {
		if n.CreatedAt > f.CursorCreatedAt || (n.CreatedAt == f.CursorCreatedAt && n.Seq >= f.CursorSeq) {
			return false
		}
	}
	return true
}

func (m *MemoryStore) UpdateNCR(_ context.Context, id string, mutate MutateFunc) (domain.NCR, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.ncrs[id]
	if !ok {
		return domain.NCR{}, ErrNotFound
	}
	change, err := mutate(cloneNCR(current))
	if err != nil {
		return domain.NCR{}, err
	}
	next := cloneNCR(change.NCR)
	next.ID, next.Seq, next.Number = current.ID, current.Seq, current.Number
	next.CreatedBy, next.CreatedAt = current.CreatedBy, current.CreatedAt
	if next.UpdatedAt == "" {
		next.UpdatedAt = m.now().UTC().Format(events.TSLayout)
	}
	if change.Event != nil {
		if err := m.appendEvent(withEntity(*change.Event, next)); err != nil {
			return domain.NCR{}, err
		}
	}
	m.ncrs[id] = next
	if change.History != nil {
		h := *change.History
		h.ID = m.id()
		h.NCRID = id
		m.history[id] = append(m.history[id], h)
	}
	return cloneNCR(next), nil
}

// DeleteNCR drops the record with its comments and history. The number is
// not released.
func (m *MemoryStore) DeleteNCR(_ context.Context, id string, evt events.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.ncrs[id]
	if !ok {
		return ErrNotFound
	}
	if err := m.appendEvent(withEntity(evt, n)); err != nil {
		return err
	}
	delete(m.ncrs, id)
	delete(m.numbers, n.Number)
	delete(m.comments, id)
	delete(m.history, id)
	return nil
}

func (m *MemoryStore) ListTags(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := map[string]struct{}{}
	tags := []string{}
	for _, n := range m.ncrs {
		for _, t := range n.Tags {
			if _, ok := seen[t]; ok {
				continue
			}
			seen[t] = struct{}{}
			tags = append(tags, t)
		}
	}
	return tags, nil
}

func (m *MemoryStore) AppendComment(_ context.Context, c domain.Comment, evt events.Record) (domain.Comment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.ncrs[c.NCRID]; !ok {
		return domain.Comment{}, ErrNotFound
	}
	if c.CreatedAt == "" {
		c.CreatedAt = m.now().UTC().Format(events.TSLayout)
	}
	if evt.EntityKind == "" {
		evt.EntityKind = "ncr"
		evt.EntityID = c.NCRID
	}
	if err := m.appendEvent(evt); err != nil {
		return domain.Comment{}, err
	}
	c.ID = m.id()
	m.comments[c.NCRID] = append(m.comments[c.NCRID], c)
	return c, nil
}

func (m *MemoryStore) ListComments(_ context.Context, ncrID string) ([]domain.Comment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	res := append([]domain.Comment{}, m.comments[ncrID]...)
	sort.SliceStable(res, func(i, j int) bool { return res[i].CreatedAt < res[j].CreatedAt })
	return res, nil
}

func (m *MemoryStore) ListStatusHistory(_ context.Context, ncrID string) ([]domain.StatusHistoryEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	res := append([]domain.StatusHistoryEntry{}, m.history[ncrID]...)
	sort.SliceStable(res, func(i, j int) bool { return res[i].CreatedAt < res[j].CreatedAt })
	return res, nil
}

func (m *MemoryStore) ListEvents(_ context.Context, f EventFilters) ([]domain.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	res := []domain.Event{}
	for i := len(m.events) - 1; i >= 0 && len(res) < limit; i-- {
		e := m.events[i]
		if f.Type != "" && e.Type != f.Type {
			continue
		}
		if f.EntityKind != "" && e.EntityKind != f.EntityKind {
			continue
		}
		if f.EntityID != "" && e.EntityID != f.EntityID {
			continue
		}
		if f.Cursor > 0 && e.ID >= f.Cursor {
			continue
		}
		res = append(res, e)
	}
	return res, nil
}

func (m *MemoryStore) CreateUser(_ context.Context, u domain.User, evt events.Record) (domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.users {
		if existing.Username == u.Username {
			return domain.User{}, fmt.Errorf("user %s: %w", u.Username, ErrConflict)
		}
	}
	if u.CreatedAt == "" {
		u.CreatedAt = m.now().UTC().Format(events.TSLayout)
	}
	if evt.EntityKind == "" {
		evt.EntityKind = "user"
		evt.EntityID = u.ID
	}
	if err := m.appendEvent(evt); err != nil {
		return domain.User{}, err
	}
	m.users[u.ID] = u
	return u, nil
}

func (m *MemoryStore) GetUser(_ context.Context, id string) (domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return domain.User{}, ErrNotFound
	}
	return u, nil
}

func (m *MemoryStore) GetUserByUsername(_ context.Context, username string) (domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	username = strings.TrimSpace(username)
	for _, u := range m.users {
		if u.Username == username {
			return u, nil
		}
	}
	return domain.User{}, ErrNotFound
}

func (m *MemoryStore) ListUsers(_ context.Context) ([]domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	res := make([]domain.User, 0, len(m.users))
	for _, u := range m.users {
		res = append(res, u)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Username < res[j].Username })
	return res, nil
}

func (m *MemoryStore) CountUsers(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.users), nil
}

func cloneNCR(n domain.NCR) domain.NCR {
	n.Investigation.RequiredApprovals = cloneStrings(n.Investigation.RequiredApprovals)
	n.Correction.CorrectionActions = cloneStrings(n.Correction.CorrectionActions)
	n.Tags = cloneStrings(n.Tags)
	if n.Details.QuantityAffected != nil {
		q := *n.Details.QuantityAffected
		n.Details.QuantityAffected = &q
	}
	if n.Classification.NCLevel != nil {
		l := *n.Classification.NCLevel
		n.Classification.NCLevel = &l
	}
	if n.AssignedTo != nil {
		a := *n.AssignedTo
		n.AssignedTo = &a
	}
	if n.ClosedAt != nil {
		c := *n.ClosedAt
		n.ClosedAt = &c
	}
	return n
}

func cloneStrings(in []string) []string {
	return append(make([]string, 0, len(in)), in...)
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
