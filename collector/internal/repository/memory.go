package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/edamame-systems/edamame-stack/common/models"
)

type storedBlock struct {
	req       models.BlockRequest
	delivered bool
}

// InMemoryRepository keeps everything in process memory. Used for development
// and tests.
type InMemoryRepository struct {
	entries       map[string]models.LogEntry
	alerts        map[string][]models.ModSecAlert
	registrations map[string]*models.AgentRegistration
	blocks        []*storedBlock
	mu            sync.RWMutex
}

func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{
		entries:       make(map[string]models.LogEntry),
		alerts:        make(map[string][]models.ModSecAlert),
		registrations: make(map[string]*models.AgentRegistration),
	}
}

func (r *InMemoryRepository) SaveEntry(_ context.Context, entry *models.LogEntry) (string, error) {
	id := uuid.New().String()

	r.mu.Lock()
	r.entries[id] = *entry
	r.mu.Unlock()

	return id, nil
}

func (r *InMemoryRepository) SaveAlert(_ context.Context, recordID string, alert models.ModSecAlert) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[recordID]; !ok {
		return ErrRecordNotFound
	}
	r.alerts[recordID] = append(r.alerts[recordID], alert)
	return nil
}

// Entries returns a copy of every stored entry keyed by record id.
func (r *InMemoryRepository) Entries() map[string]models.LogEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]models.LogEntry, len(r.entries))
	for k, v := range r.entries {
		out[k] = v
	}
	return out
}

// Alerts returns the alerts linked to recordID.
func (r *InMemoryRepository) Alerts(recordID string) []models.ModSecAlert {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return append([]models.ModSecAlert(nil), r.alerts[recordID]...)
}

func (r *InMemoryRepository) CreateRegistration(_ context.Context, reg *models.AgentRegistration) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	previous := make(map[string]struct{})
	for id, existing := range r.registrations {
		if existing.AgentName == reg.AgentName && existing.Active {
			existing.Active = false
			previous[id] = struct{}{}
		}
	}
	for _, b := range r.blocks {
		if _, ok := previous[b.req.RegistrationID]; ok && !b.delivered {
			b.req.RegistrationID = reg.RegistrationID
		}
	}

	stored := *reg
	stored.Active = true
	r.registrations[reg.RegistrationID] = &stored
	return nil
}

func (r *InMemoryRepository) GetRegistration(_ context.Context, id string) (*models.AgentRegistration, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	reg, ok := r.registrations[id]
	if !ok {
		return nil, ErrRegistrationNotFound
	}
	out := *reg
	return &out, nil
}

func (r *InMemoryRepository) DeactivateRegistration(_ context.Context, id string, _ time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	reg, ok := r.registrations[id]
	if !ok {
		return ErrRegistrationNotFound
	}
	reg.Active = false
	return nil
}

func (r *InMemoryRepository) RecordHeartbeat(_ context.Context, id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	reg, ok := r.registrations[id]
	if !ok {
		return ErrRegistrationNotFound
	}
	reg.LastHeartbeat = at
	reg.HeartbeatCount++
	return nil
}

func (r *InMemoryRepository) AddLogsProcessed(_ context.Context, id string, n int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	reg, ok := r.registrations[id]
	if !ok {
		return ErrRegistrationNotFound
	}
	reg.LogsProcessed += int64(n)
	return nil
}

func (r *InMemoryRepository) CountActiveRegistrations(_ context.Context) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, reg := range r.registrations {
		if reg.Active {
			n++
		}
	}
	return n, nil
}

func (r *InMemoryRepository) CreateBlockRequest(_ context.Context, req *models.BlockRequest) error {
	if req.ID == "" {
		req.ID = uuid.New().String()
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now()
	}

	r.mu.Lock()
	r.blocks = append(r.blocks, &storedBlock{req: *req})
	r.mu.Unlock()
	return nil
}

func (r *InMemoryRepository) TakePendingBlockRequests(_ context.Context, registrationID string, limit int) ([]models.BlockRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var pending []*storedBlock
	for _, b := range r.blocks {
		if !b.delivered && b.req.RegistrationID == registrationID {
			pending = append(pending, b)
		}
	}
	sort.SliceStable(pending, func(i, j int) bool {
		return pending[i].req.CreatedAt.After(pending[j].req.CreatedAt)
	})
	if limit > 0 && len(pending) > limit {
		pending = pending[:limit]
	}

	out := make([]models.BlockRequest, 0, len(pending))
	for _, b := range pending {
		b.delivered = true
		out = append(out, b.req)
	}
	return out, nil
}

func (r *InMemoryRepository) Ping(context.Context) error {
	return nil
}

func (r *InMemoryRepository) Close() {}
