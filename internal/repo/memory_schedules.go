package repo

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/LeventeLantos/medication-reminders/internal/model"
)

// MemoryRepo is an in-process ScheduleRepository. Each item carries its own
// lock so conditional transitions on distinct items never contend.
type MemoryRepo struct {
	mu     sync.RWMutex
	groups map[string]*memGroup
	items  map[string]*memItem
	now    func() time.Time
}

type memGroup struct {
	id        string
	chatID    string
	createdAt time.Time
	itemIDs   []string
}

type memItem struct {
	mu   sync.Mutex
	item model.ScheduleItem
}

var _ ScheduleRepository = (*MemoryRepo)(nil)

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{
		groups: map[string]*memGroup{},
		items:  map[string]*memItem{},
		now:    time.Now,
	}
}

func (r *MemoryRepo) CreateGroup(ctx context.Context, g model.ScheduleGroup) error {
	if err := ctx.Err(); err != nil {
		return unavailable("create group", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.groups[g.ID]; ok {
		return fmt.Errorf("create group: duplicate group id %q", g.ID)
	}
	seenPos := map[int]bool{}
	seenID := map[string]bool{}
	for _, it := range g.Items {
		if _, ok := r.items[it.ID]; ok || seenID[it.ID] {
			return fmt.Errorf("create group: duplicate item id %q", it.ID)
		}
		if seenPos[it.Position] {
			return fmt.Errorf("create group: duplicate position %d", it.Position)
		}
		seenID[it.ID] = true
		seenPos[it.Position] = true
	}

	mg := &memGroup{id: g.ID, chatID: g.ChatID, createdAt: g.CreatedAt}
	for _, it := range g.Items {
		stored := cloneItem(it)
		stored.GroupID = g.ID
		if stored.UpdatedAt.IsZero() {
			stored.UpdatedAt = g.CreatedAt
		}
		r.items[it.ID] = &memItem{item: stored}
		mg.itemIDs = append(mg.itemIDs, it.ID)
	}
	r.groups[g.ID] = mg
	return nil
}

func (r *MemoryRepo) GetGroup(ctx context.Context, groupID string) (model.ScheduleGroup, error) {
	if err := ctx.Err(); err != nil {
		return model.ScheduleGroup{}, unavailable("get group", err)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	mg, ok := r.groups[groupID]
	if !ok {
		return model.ScheduleGroup{}, ErrNotFound
	}
	return r.snapshot(mg, false), nil
}

func (r *MemoryRepo) ListGroupsByChat(ctx context.Context, chatID string) ([]model.ScheduleGroup, error) {
	if err := ctx.Err(); err != nil {
		return nil, unavailable("list groups", err)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []model.ScheduleGroup
	for _, mg := range r.sortedGroups() {
		if mg.chatID == chatID {
			out = append(out, r.snapshot(mg, false))
		}
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (r *MemoryRepo) ListActiveGroups(ctx context.Context) ([]model.ScheduleGroup, error) {
	if err := ctx.Err(); err != nil {
		return nil, unavailable("list active", err)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []model.ScheduleGroup
	for _, mg := range r.sortedGroups() {
		g := r.snapshot(mg, true)
		if len(g.Items) > 0 {
			out = append(out, g)
		}
	}
	return out, nil
}

func (r *MemoryRepo) CancelGroup(ctx context.Context, groupID, reason string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, unavailable("cancel group", err)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	mg, ok := r.groups[groupID]
	if !ok {
		return 0, ErrNotFound
	}
	changed := 0
	for _, id := range mg.itemIDs {
		if r.items[id].transition(model.Cancelled, reason, r.now()) {
			changed++
		}
	}
	return changed, nil
}

func (r *MemoryRepo) CancelItem(ctx context.Context, itemID, reason string) (bool, error) {
	mi, err := r.item(ctx, "cancel item", itemID)
	if err != nil || mi == nil {
		return false, err
	}
	return mi.transition(model.Cancelled, reason, r.now()), nil
}

func (r *MemoryRepo) ExpireItem(ctx context.Context, itemID string) (bool, error) {
	mi, err := r.item(ctx, "expire item", itemID)
	if err != nil || mi == nil {
		return false, err
	}
	return mi.transition(model.Expired, reasonExpired, r.now()), nil
}

func (r *MemoryRepo) MarkFired(ctx context.Context, itemID string, date model.Date) (bool, error) {
	mi, err := r.item(ctx, "mark fired", itemID)
	if err != nil || mi == nil {
		return false, err
	}

	mi.mu.Lock()
	defer mi.mu.Unlock()

	if mi.item.FiredOn(date) {
		return false, nil
	}
	d := date
	mi.item.LastFiredDate = &d
	mi.item.FailureCount = 0
	mi.item.LastError = nil
	mi.item.UpdatedAt = r.now()
	return true, nil
}

func (r *MemoryRepo) RecordFailure(ctx context.Context, itemID, reason string) error {
	mi, err := r.item(ctx, "record failure", itemID)
	if err != nil || mi == nil {
		return err
	}

	mi.mu.Lock()
	defer mi.mu.Unlock()

	mi.item.FailureCount++
	msg := reason
	mi.item.LastError = &msg
	mi.item.UpdatedAt = r.now()
	return nil
}

func (r *MemoryRepo) CountItemsByState(ctx context.Context) (map[model.State]int, error) {
	if err := ctx.Err(); err != nil {
		return nil, unavailable("count items", err)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	out := map[model.State]int{}
	for _, mi := range r.items {
		mi.mu.Lock()
		out[mi.item.State]++
		mi.mu.Unlock()
	}
	return out, nil
}

func (r *MemoryRepo) item(ctx context.Context, op, itemID string) (*memItem, error) {
	if err := ctx.Err(); err != nil {
		return nil, unavailable(op, err)
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.items[itemID], nil
}

// sortedGroups must be called with r.mu held.
func (r *MemoryRepo) sortedGroups() []*memGroup {
	out := make([]*memGroup, 0, len(r.groups))
	for _, mg := range r.groups {
		out = append(out, mg)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].createdAt.Equal(out[j].createdAt) {
			return out[i].createdAt.Before(out[j].createdAt)
		}
		return out[i].id < out[j].id
	})
	return out
}

// snapshot must be called with r.mu held.
func (r *MemoryRepo) snapshot(mg *memGroup, activeOnly bool) model.ScheduleGroup {
	g := model.ScheduleGroup{ID: mg.id, ChatID: mg.chatID, CreatedAt: mg.createdAt}
	for _, id := range mg.itemIDs {
		mi := r.items[id]
		mi.mu.Lock()
		it := cloneItem(mi.item)
		mi.mu.Unlock()
		if activeOnly && it.State != model.Active {
			continue
		}
		g.Items = append(g.Items, it)
	}
	sort.SliceStable(g.Items, func(i, j int) bool { return g.Items[i].Position < g.Items[j].Position })
	return g
}

func (mi *memItem) transition(to model.State, reason string, at time.Time) bool {
	mi.mu.Lock()
	defer mi.mu.Unlock()

	if mi.item.State != model.Active {
		return false
	}
	mi.item.State = to
	msg := reason
	mi.item.StateReason = &msg
	mi.item.UpdatedAt = at
	return true
}

func cloneItem(it model.ScheduleItem) model.ScheduleItem {
	out := it
	if it.LastFiredDate != nil {
		d := *it.LastFiredDate
		out.LastFiredDate = &d
	}
	if it.StateReason != nil {
		s := *it.StateReason
		out.StateReason = &s
	}
	if it.LastError != nil {
		s := *it.LastError
		out.LastError = &s
	}
	return out
}
