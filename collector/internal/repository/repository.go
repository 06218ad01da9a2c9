package repository

import (
	"context"
	"errors"
	"time"

	"github.com/edamame-systems/edamame-stack/common/models"
)

var (
	ErrRegistrationNotFound = errors.New("registration not found")
	ErrRecordNotFound       = errors.New("access record not found")
)

// MaxPendingBlockRequests caps one BLOCK_REQUEST answer.
const MaxPendingBlockRequests = 10

// Sink persists processed access entries and the alerts linked to them.
type Sink interface {
	// SaveEntry stores entry and returns its record id.
	SaveEntry(ctx context.Context, entry *models.LogEntry) (string, error)
	// SaveAlert stores alert linked to the access record recordID.
	SaveAlert(ctx context.Context, recordID string, alert models.ModSecAlert) error
}

// Registrations tracks agent connection epochs.
type Registrations interface {
	// CreateRegistration stores reg as the agent's active registration. Earlier
	// active registrations of the same agent are deactivated and their
	// undelivered block requests move to reg.
	CreateRegistration(ctx context.Context, reg *models.AgentRegistration) error
	GetRegistration(ctx context.Context, id string) (*models.AgentRegistration, error)
	DeactivateRegistration(ctx context.Context, id string, at time.Time) error
	RecordHeartbeat(ctx context.Context, id string, at time.Time) error
	AddLogsProcessed(ctx context.Context, id string, n int) error
	CountActiveRegistrations(ctx context.Context) (int, error)
}

// BlockRequests queues IP blocks for agents to apply.
type BlockRequests interface {
	CreateBlockRequest(ctx context.Context, req *models.BlockRequest) error
	// TakePendingBlockRequests returns up to limit undelivered requests for the
	// registration, newest first, and marks them delivered.
	TakePendingBlockRequests(ctx context.Context, registrationID string, limit int) ([]models.BlockRequest, error)
}

// Repository is the collector's storage layer.
type Repository interface {
	Sink
	Registrations
	BlockRequests

	Ping(ctx context.Context) error
	Close()
}
