// Package services hosts the engines behind the event channel: presence,
// messaging, and conversation queries. Engines own no transport state;
// they consult the registry for liveness and the store for everything
// durable.
package services

import (
	"chat-core/contract"
	"chat-core/domain"
	"chat-core/errors"
	"chat-core/runtime"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

const (
	DefaultSweepInterval       = time.Minute
	DefaultInactivityThreshold = time.Hour
)

type IPresenceService interface {
	StoreUser(ctx context.Context, connID string, data domain.UserData, authenticate bool) (*domain.UserSession, error)
	DisconnectUser(ctx context.Context, connID string) (*domain.UserSession, error)
	GetUserByConnectionID(ctx context.Context, connID string) (*domain.UserSession, error)
	Touch(ctx context.Context, connID string) error
	RunSweeper(ctx context.Context)
}

// PresenceService owns the user session state machine: binding creation,
// authentication, disconnection, and the inactivity sweep. It is the only
// component that mutates the connection registry.
type PresenceService struct {
	log      *slog.Logger
	store    contract.Store
	registry *runtime.Registry
	validate *validator.Validate

	// mu serializes session read-modify-write cycles; the store itself
	// only ever sees whole snapshots.
	mu sync.Mutex

	sweepInterval       time.Duration
	inactivityThreshold time.Duration
}

func NewPresenceService(log *slog.Logger, store contract.Store, registry *runtime.Registry,
	sweepInterval, inactivityThreshold time.Duration) *PresenceService {
	if sweepInterval <= 0 {
		sweepInterval = DefaultSweepInterval
	}
	if inactivityThreshold <= 0 {
		inactivityThreshold = DefaultInactivityThreshold
	}
	return &PresenceService{
		log:                 log,
		store:               store,
		registry:            registry,
		validate:            validator.New(),
		sweepInterval:       sweepInterval,
		inactivityThreshold: inactivityThreshold,
	}
}

// StoreUser is an idempotent upsert: a known connection gets its activity
// and identity refreshed, an unknown one becomes a new binding on the
// addressed user, creating the session if absent. Validation failures are
// terminal and name the offending field.
func (s *PresenceService) StoreUser(ctx context.Context, connID string, data domain.UserData, authenticate bool) (*domain.UserSession, error) {
	if err := s.validate.Struct(data); err != nil {
		if fields, ok := err.(validator.ValidationErrors); ok && len(fields) > 0 {
			return nil, fmt.Errorf("%w: field %s", errors.ErrInvalidUserData, fields[0].Field())
		}
		return nil, fmt.Errorf("%w: %v", errors.ErrInvalidUserData, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	user, err := s.store.GetUser(ctx, data.UserID)
	if err != nil {
		return nil, err
	}
	if user == nil {
		user = &domain.UserSession{
			UserID:      data.UserID,
			ConnectedAt: now,
		}
	}
	user.UserName = data.UserName
	user.LastActivity = now

	binding := user.Binding(connID)
	if binding == nil {
		user.Connections = append(user.Connections, domain.ConnectionBinding{
			ConnectionID: connID,
			SessionID:    uuid.NewString(),
			State:        domain.StateConnected,
			ConnectedAt:  now,
		})
		binding = &user.Connections[len(user.Connections)-1]
	}
	if authenticate {
		binding.State = domain.StateAuthenticated
	}
	user.State = user.AggregateState()

	if err := s.store.StoreUser(ctx, *user); err != nil {
		return nil, err
	}
	s.registry.Register(connID, runtime.Binding{
		UserID:        user.UserID,
		SessionID:     binding.SessionID,
		Authenticated: binding.State == domain.StateAuthenticated,
	})

	s.log.Debug("stored user binding",
		"userId", user.UserID, "connectionId", connID, "state", user.State)
	return user, nil
}

// DisconnectUser transitions the owning binding offline. Losing the last
// non-offline binding takes the aggregate state offline with it. Unknown
// connections are a nil result, not an error.
func (s *PresenceService) DisconnectUser(ctx context.Context, connID string) (*domain.UserSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, err := s.store.GetUserByConnection(ctx, connID)
	if err != nil {
		return nil, err
	}
	if user == nil {
		s.registry.Unregister(connID)
		return nil, nil
	}

	if binding := user.Binding(connID); binding != nil {
		binding.State = domain.StateOffline
	}
	user.State = user.AggregateState()
	user.LastActivity = time.Now().UTC()

	if err := s.store.StoreUser(ctx, *user); err != nil {
		return nil, err
	}
	s.registry.Unregister(connID)

	s.log.Info("user disconnected",
		"userId", user.UserID, "connectionId", connID, "state", user.State)
	return user, nil
}

// GetUserByConnectionID returns the current snapshot, or nil if the
// connection is unknown or its session has since been purged.
func (s *PresenceService) GetUserByConnectionID(ctx context.Context, connID string) (*domain.UserSession, error) {
	return s.store.GetUserByConnection(ctx, connID)
}

// Touch refreshes lastActivity for the session owning connID. Unknown
// connections are ignored.
func (s *PresenceService) Touch(ctx context.Context, connID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, err := s.store.GetUserByConnection(ctx, connID)
	if err != nil || user == nil {
		return err
	}
	user.LastActivity = time.Now().UTC()
	return s.store.StoreUser(ctx, *user)
}

// RunSweeper blocks running the fixed-interval inactivity sweep until the
// context is cancelled. One unhealthy record never aborts the pass.
func (s *PresenceService) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}

// SweepOnce forces users idle past the threshold offline and drops their
// live registry entries. This is the only path allowed to transition a
// binding without caller action.
func (s *PresenceService) SweepOnce(ctx context.Context) {
	affected, err := s.store.CleanupInactiveUserSessions(ctx, s.inactivityThreshold)
	if err != nil {
		s.log.Warn("inactivity sweep failed", "error", err)
		return
	}
	for _, userID := range affected {
		dropped := s.registry.UnregisterUser(userID)
		s.log.Info("swept inactive user", "userId", userID, "connections", len(dropped))
	}
}
