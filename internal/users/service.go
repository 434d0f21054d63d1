package users

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/bloggies/internal/apperr"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opServiceNew             = "users.service.new"
	opRegister               = "users.register"
	opGetUser                = "users.get_user"
	opSearchUsers            = "users.search_users"
	opCheckMembershipStatus  = "users.check_membership_status"
	opUpdateMembership       = "users.update_membership"
	opApplySubscriptionEvent = "users.apply_subscription_event"

	queryUserID          = "user_id = ?"
	queryDisplayName     = "display_name = ?"
	queryDisplayNameLike = "LOWER(display_name) LIKE ?"
	maxSearchResults     = 50

	messageDisplayNameTaken  = "Display name is already taken."
	messageAlreadyRegistered = "User is already registered."
	messageUserNotFound      = "User not found."
)

var (
	errMissingDatabase           = errors.New("database handle is required")
	errPendingOnlyAtRegistration = errors.New("pending status is only assigned at registration")
	noOpLogger                   = zap.NewNop()
)

// ServiceConfig describes the dependencies required by the membership state store.
type ServiceConfig struct {
	Database               *gorm.DB
	Clock                  func() time.Time
	Logger                 *zap.Logger
	MembershipPeriodMonths int
}

// Service is the single source of truth for user membership state.
type Service struct {
	db           *gorm.DB
	now          func() time.Time
	logger       *zap.Logger
	periodMonths int
}

// NewService constructs the user service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, apperr.Internal(opServiceNew, "missing_database", errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	periodMonths := cfg.MembershipPeriodMonths
	if periodMonths <= 0 {
		periodMonths = DefaultMembershipPeriodMonths
	}
	return &Service{
		db:           cfg.Database,
		now:          clock,
		logger:       logger,
		periodMonths: periodMonths,
	}, nil
}

// Register creates a pending user for an identity that has not registered yet.
func (s *Service) Register(ctx context.Context, userID UserID, rawDisplayName string) (User, error) {
	displayName, err := NewDisplayName(rawDisplayName)
	if err != nil {
		return User{}, apperr.InvalidInput(opRegister, "invalid_display_name", err)
	}

	user := User{
		UserID:           userID.String(),
		DisplayName:      displayName,
		MembershipStatus: MembershipPending,
	}
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing User
		err := tx.Where(queryUserID, userID.String()).Take(&existing).Error
		if err == nil {
			return apperr.Conflict(opRegister, "already_registered", messageAlreadyRegistered, nil)
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return apperr.Internal(opRegister, "user_lookup_failed", err)
		}

		err = tx.Where(queryDisplayName, displayName).Take(&existing).Error
		if err == nil {
			return apperr.Conflict(opRegister, "display_name_taken", messageDisplayNameTaken, nil)
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return apperr.Internal(opRegister, "display_name_lookup_failed", err)
		}

		if err := tx.Create(&user).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return apperr.Conflict(opRegister, "display_name_taken", messageDisplayNameTaken, err)
			}
			return apperr.Internal(opRegister, "user_insert_failed", err)
		}
		return nil
	})
	if txErr != nil {
		s.logFailure(opRegister, txErr, zap.String("user_id", userID.String()))
		return User{}, txErr
	}

	s.logger.Info("user registered", zap.String("user_id", user.UserID), zap.String("display_name", user.DisplayName))
	return user, nil
}

// GetUser loads the user row for userID.
func (s *Service) GetUser(ctx context.Context, userID UserID) (User, error) {
	var user User
	err := s.db.WithContext(ctx).Where(queryUserID, userID.String()).Take(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return User{}, apperr.NotFound(opGetUser, "user_not_found", messageUserNotFound)
	}
	if err != nil {
		s.logError(opGetUser, "query_failed", err, zap.String("user_id", userID.String()))
		return User{}, apperr.Internal(opGetUser, "query_failed", err)
	}
	return user, nil
}

// SearchUsers performs a case-insensitive substring match on display names.
func (s *Service) SearchUsers(ctx context.Context, term string) ([]User, error) {
	pattern := "%" + strings.ToLower(normalize(term)) + "%"
	var found []User
	if err := s.db.WithContext(ctx).
		Where(queryDisplayNameLike, pattern).
		Order("display_name ASC").
		Limit(maxSearchResults).
		Find(&found).Error; err != nil {
		s.logError(opSearchUsers, "query_failed", err)
		return nil, apperr.Internal(opSearchUsers, "query_failed", err)
	}
	return found, nil
}

// CheckMembershipStatus reads the current membership for userID straight from storage.
func (s *Service) CheckMembershipStatus(ctx context.Context, userID UserID) (Membership, error) {
	membership, err := ReadMembership(s.db.WithContext(ctx), userID.String())
	if err != nil {
		if !apperr.Is(err, apperr.KindNotFound) {
			s.logError(opCheckMembershipStatus, "query_failed", err, zap.String("user_id", userID.String()))
		}
		return Membership{}, err
	}
	return membership, nil
}

// UpdateMembership transitions userID to status and recomputes the validity window from now.
func (s *Service) UpdateMembership(ctx context.Context, userID UserID, status MembershipStatus) (Membership, error) {
	var updated Membership
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		updated, err = s.transitionMembership(tx, opUpdateMembership, userID.String(), status)
		return err
	})
	if txErr != nil {
		s.logFailure(opUpdateMembership, txErr, zap.String("user_id", userID.String()), zap.String("status", status.String()))
		return Membership{}, txErr
	}
	s.logger.Info("membership updated",
		zap.String("user_id", updated.UserID),
		zap.String("status", updated.Status.String()))
	return updated, nil
}

// SubscriptionEvent is the inbound notification emitted by the billing collaborator.
type SubscriptionEvent struct {
	EventID    string
	UserID     string
	Status     MembershipStatus
	OccurredAt time.Time
}

// ApplySubscriptionEvent applies a billing event exactly once.
// The returned flag is false when the event had already been processed, or when it
// occurred before the last billing event applied to the same user.
func (s *Service) ApplySubscriptionEvent(ctx context.Context, event SubscriptionEvent) (Membership, bool, error) {
	eventID := normalize(event.EventID)
	if eventID == "" {
		return Membership{}, false, apperr.InvalidInput(opApplySubscriptionEvent, "missing_event_id", fmt.Errorf("event id is required"))
	}
	userID, err := NewUserID(event.UserID)
	if err != nil {
		return Membership{}, false, apperr.InvalidInput(opApplySubscriptionEvent, "invalid_user_id", err)
	}

	var (
		result     Membership
		applied    bool
		superseded bool
	)
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := validateTransition(opApplySubscriptionEvent, event.Status); err != nil {
			return err
		}
		user, err := lockUser(tx, opApplySubscriptionEvent, userID.String())
		if err != nil {
			return err
		}

		record := ProcessedBillingEvent{
			EventID:          eventID,
			UserID:           userID.String(),
			Status:           event.Status,
			AppliedAtSeconds: s.now().UTC().Unix(),
		}
		insert := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&record)
		if insert.Error != nil {
			return apperr.Internal(opApplySubscriptionEvent, "event_insert_failed", insert.Error)
		}
		if insert.RowsAffected == 0 {
			result = user.Membership()
			return nil
		}

		var occurredAt *time.Time
		if !event.OccurredAt.IsZero() {
			at := event.OccurredAt.UTC()
			if user.BillingEventAt != nil && !at.After(*user.BillingEventAt) {
				superseded = true
				result = user.Membership()
				return nil
			}
			occurredAt = &at
		}

		result, err = s.writeMembership(tx, opApplySubscriptionEvent, userID.String(), event.Status, occurredAt)
		if err != nil {
			return err
		}
		applied = true
		return nil
	})
	if txErr != nil {
		s.logFailure(opApplySubscriptionEvent, txErr,
			zap.String("event_id", eventID),
			zap.String("user_id", userID.String()))
		return Membership{}, false, txErr
	}
	switch {
	case superseded:
		s.logger.Info("billing event superseded",
			zap.String("event_id", eventID),
			zap.String("user_id", userID.String()),
			zap.Time("occurred_at", event.OccurredAt))
	case !applied:
		s.logger.Debug("billing event already applied", zap.String("event_id", eventID))
	}
	return result, applied, nil
}

func (s *Service) transitionMembership(tx *gorm.DB, operation, userID string, status MembershipStatus) (Membership, error) {
	if err := validateTransition(operation, status); err != nil {
		return Membership{}, err
	}
	if _, err := lockUser(tx, operation, userID); err != nil {
		return Membership{}, err
	}
	return s.writeMembership(tx, operation, userID, status, nil)
}

func validateTransition(operation string, status MembershipStatus) error {
	switch status {
	case MembershipActive, MembershipInactive:
		return nil
	case MembershipPending:
		return apperr.InvalidInput(operation, "invalid_transition", errPendingOnlyAtRegistration)
	default:
		return apperr.InvalidInput(operation, "invalid_status", fmt.Errorf("%w: %q", ErrInvalidMembershipStatus, status))
	}
}

// lockUser takes the row lock that serializes membership writes for one user.
func lockUser(tx *gorm.DB, operation, userID string) (User, error) {
	var user User
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where(queryUserID, userID).Take(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return User{}, apperr.NotFound(operation, "user_not_found", messageUserNotFound)
	}
	if err != nil {
		return User{}, apperr.Internal(operation, "user_lookup_failed", err)
	}
	return user, nil
}

func (s *Service) writeMembership(tx *gorm.DB, operation, userID string, status MembershipStatus, billingEventAt *time.Time) (Membership, error) {
	start, end := membershipWindow(status, s.now(), s.periodMonths)
	updates := map[string]interface{}{
		"membership_status":   status,
		"membership_start_at": start,
		"membership_end_at":   end,
	}
	if billingEventAt != nil {
		updates["billing_event_at"] = *billingEventAt
	}
	if err := tx.Model(&User{}).Where(queryUserID, userID).Updates(updates).Error; err != nil {
		return Membership{}, apperr.Internal(operation, "user_update_failed", err)
	}
	return Membership{UserID: userID, Status: status, StartAt: start, EndAt: end}, nil
}

// ReadMembership loads the membership of userID through the supplied handle, which may be
// an open transaction so that the read and the guarded write share one unit of work.
func ReadMembership(db *gorm.DB, userID string) (Membership, error) {
	var user User
	err := db.Select("user_id", "membership_status", "membership_start_at", "membership_end_at").
		Where(queryUserID, userID).
		Take(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Membership{}, apperr.NotFound(opCheckMembershipStatus, "user_not_found", messageUserNotFound)
	}
	if err != nil {
		return Membership{}, apperr.Internal(opCheckMembershipStatus, "query_failed", err)
	}
	return user.Membership(), nil
}

func (s *Service) logFailure(operation string, err error, fields ...zap.Field) {
	var appErr *apperr.Error
	if errors.As(err, &appErr) && appErr.Kind() != apperr.KindInternal {
		s.logger.Info("users request rejected",
			append([]zap.Field{zap.String("operation", operation), zap.String("code", appErr.Code())}, fields...)...)
		return
	}
	s.logError(operation, "failed", err, fields...)
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("users service error", attrs...)
}
