package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"confreg/backend/internal/batch"
	"confreg/backend/internal/discount"
	"confreg/backend/internal/domain"
	"confreg/backend/internal/eligibility"
	"confreg/backend/internal/store"
	"confreg/backend/internal/xid"
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

// EventSink receives the events of an operation once it has committed.
type EventSink interface {
	Publish(ctx context.Context, events []domain.Event)
}

type Service struct {
	repo           store.Store
	sink           EventSink
	logger         *zap.Logger
	now            func() time.Time
	defaultDueDays int
}

type Option func(*Service)

func WithLogger(logger *zap.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithEventSink(sink EventSink) Option {
	return func(s *Service) { s.sink = sink }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithDefaultDueDays sets the due delta used for manual invoices that do not
// specify one.
func WithDefaultDueDays(days int) Option {
	return func(s *Service) {
		if days > 0 {
			s.defaultDueDays = days
		}
	}
}

func New(repo store.Store, opts ...Option) *Service {
	s := &Service{
		repo:           repo,
		logger:         zap.NewNop(),
		now:            func() time.Time { return time.Now().UTC() },
		defaultDueDays: 14,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// op carries everything one logical operation shares: the transaction, the
// batch scope for memoised eligibility results, a fixed clock reading and the
// events and audit entries produced so far.
type op struct {
	ctx    context.Context
	svc    *Service
	tx     store.Tx
	scope  *batch.Scope
	now    time.Time
	elig   *eligibility.Engine
	disc   *discount.Resolver
	events []domain.Event
	audits []domain.AuditLog
}

// run executes fn in one transaction. Events are published and audit entries
// written only after the transaction commits.
func (s *Service) run(ctx context.Context, fn func(o *op) error) ([]domain.Event, error) {
	scope := batch.New()
	exit := scope.Enter()
	defer exit()

	now := s.now()
	var committed *op
	err := s.repo.WithTx(ctx, func(tx store.Tx) error {
		elig := eligibility.New(tx, scope, now)
		o := &op{
			ctx:   ctx,
			svc:   s,
			tx:    tx,
			scope: scope,
			now:   now,
			elig:  elig,
			disc:  discount.New(elig),
		}
		if err := fn(o); err != nil {
			return err
		}
		committed = o
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.writeAudits(ctx, committed.audits)
	if s.sink != nil && len(committed.events) > 0 {
		s.sink.Publish(ctx, committed.events)
	}
	return committed.events, nil
}

func (o *op) emit(event domain.Event) {
	event.At = o.now
	if event.Email == "" && event.UserID != "" {
		if attendee, err := o.elig.Reader().GetAttendee(o.ctx, event.UserID); err == nil {
			event.Email = attendee.Email
		}
	}
	o.events = append(o.events, event)
}

func (o *op) audit(action string, entityType string, entityID string, detail string) {
	o.audits = append(o.audits, newAuditLog(o.ctx, o.now, action, entityType, entityID, detail))
}

func newAuditLog(ctx context.Context, at time.Time, action string, entityType string, entityID string, detail string) domain.AuditLog {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		actor = domain.Actor{Username: "system", Role: "system"}
	}
	return domain.AuditLog{
		ID:            xid.New("audit"),
		ActorUsername: actor.Username,
		ActorRole:     actor.Role,
		Action:        action,
		EntityType:    entityType,
		EntityID:      entityID,
		Detail:        detail,
		CreatedAt:     at,
	}
}

// writeAudits never fails the operation it belongs to.
func (s *Service) writeAudits(ctx context.Context, entries []domain.AuditLog) {
	if len(entries) == 0 {
		return
	}
	err := s.repo.WithTx(ctx, func(tx store.Tx) error {
		for _, entry := range entries {
			if err := tx.CreateAuditLog(ctx, entry); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		s.logger.Warn("failed to write audit log",
			zap.String("action", entries[0].Action),
			zap.String("entity", entries[0].EntityType+"/"+entries[0].EntityID),
			zap.Error(err))
	}
}

func requireStaff(ctx context.Context) error {
	actor, ok := ActorFromContext(ctx)
	if !ok || !actor.IsStaff() {
		return fmt.Errorf("%w: staff role required", domain.ErrForbidden)
	}
	return nil
}

// attendee returns the user's attendee record, creating one with a fresh
// access code on first use.
func (o *op) attendee(userID string) (*domain.Attendee, error) {
	attendee, err := o.tx.GetAttendee(o.ctx, userID)
	if err == nil {
		return attendee, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	created := domain.Attendee{UserID: userID, Name: userID, AccessCode: xid.AccessCode()}
	if err := o.tx.UpsertAttendee(o.ctx, created); err != nil {
		return nil, err
	}
	o.scope.Invalidate(batch.UserKey(userID, ""))
	return &created, nil
}

// RegisterAttendee stores identity details supplied by the identity layer.
// The access code is kept when one exists and generated otherwise.
func (s *Service) RegisterAttendee(ctx context.Context, attendee domain.Attendee) (domain.Attendee, error) {
	if err := requireStaff(ctx); err != nil {
		return domain.Attendee{}, err
	}
	if attendee.UserID == "" {
		return domain.Attendee{}, domain.NewValidationError("", "user id is required")
	}
	var out domain.Attendee
	_, err := s.run(ctx, func(o *op) error {
		existing, err := o.attendee(attendee.UserID)
		if err != nil {
			return err
		}
		if attendee.AccessCode == "" {
			attendee.AccessCode = existing.AccessCode
		}
		if err := o.tx.UpsertAttendee(o.ctx, attendee); err != nil {
			return err
		}
		o.audit("register_attendee", "attendee", attendee.UserID, attendee.Email)
		out = attendee
		return nil
	})
	return out, err
}

func (s *Service) ListAuditLogs(ctx context.Context, limit int) ([]domain.AuditLog, error) {
	if err := requireStaff(ctx); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var out []domain.AuditLog
	err := s.repo.WithTx(ctx, func(tx store.Tx) error {
		var err error
		out, err = tx.ListAuditLogs(ctx, limit)
		return err
	})
	return out, err
}
