package invitebroker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// assignPrivateBotInstanceSQL assigns the least-loaded private bot instance
// with remaining capacity to an unassigned guild, in a single statement.
//
// If no instance has capacity, the subquery is NULL and the returned row
// is still unassigned. If the guild was already assigned (or doesn't
// exist) no rows are returned.
const assignPrivateBotInstanceSQL = `UPDATE guild_specification
SET assigned_private_bot_instance = (
	SELECT pbi.identifier
	FROM private_bot_instance pbi
	LEFT JOIN guild_specification gs2
		ON pbi.identifier = gs2.assigned_private_bot_instance
	GROUP BY pbi.identifier, pbi.server_limit
	HAVING COUNT(gs2.pk) < pbi.server_limit
	ORDER BY COUNT(gs2.pk) ASC, pbi.identifier ASC
	LIMIT 1
)
WHERE guild_id = ? AND assigned_private_bot_instance IS NULL
RETURNING *`

var errConcurrentAssignment = errors.New("guild was assigned by a concurrent transaction")

// Assignment is the result of a successful [Allocator.Assign].
type Assignment struct {
	// InstanceID is the identifier of the assigned PrivateBotInstance
	InstanceID string `json:"instance_id"`

	// InviteLink is the assigned instance's invite link
	InviteLink string `json:"invite_link"`

	// NewlyAssigned is true if this call made the assignment, false if
	// the guild was already assigned
	NewlyAssigned bool `json:"newly_assigned"`
}

func (a Assignment) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("instance_id", a.InstanceID),
		slog.Bool("newly_assigned", a.NewlyAssigned),
	)
}

// Allocator assigns guilds to private bot instances, and reports on
// remaining capacity.
type Allocator struct {
	db             *gorm.DB
	acquireTimeout time.Duration
	metrics        *metrics
	logger         *slog.Logger
}

// NewAllocator returns an Allocator using db. acquireTimeout limits how
// long each operation waits for a pooled connection (DefaultAcquireTimeout
// if zero). m may be nil.
func NewAllocator(
	db *gorm.DB,
	acquireTimeout time.Duration,
	m *metrics,
	logger *slog.Logger,
) *Allocator {
	if acquireTimeout <= 0 {
		acquireTimeout = DefaultAcquireTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Allocator{
		db:             db,
		acquireTimeout: acquireTimeout,
		metrics:        m,
		logger:         logger.With(loggerNameKey, "allocator"),
	}
}

func (a *Allocator) transactionOptions() []TransactionOption {
	return []TransactionOption{
		WithAcquireTimeout(a.acquireTimeout),
		WithAttemptObserver(a.metrics.observeAttempt),
	}
}

// Assign returns the private bot instance assigned to the guild with the
// given ID, assigning the least-loaded instance with remaining capacity if
// the guild isn't assigned yet.
//
// The guild must already have a GuildSpecification row. Once assigned, a
// guild keeps the same instance, so repeated calls return the same
// Assignment (with NewlyAssigned false).
//
// Errors:
//   - KindInvalidContext: guildID is empty, or there's no such guild.
//   - KindCapacityExhausted: every instance is at its server limit.
//   - KindNotFound: the assigned instance doesn't exist.
//   - KindConflict, KindConnection, KindQuery: database failures.
func (a *Allocator) Assign(ctx context.Context, guildID string) (
	*Assignment,
	error,
) {
	if guildID == "" {
		a.metrics.observeAssignment(nil, ErrInvalidContext)
		return nil, invalidContextError("")
	}

	assignment, err := RunTransaction[*Assignment](
		ctx,
		a.db,
		IsolationSerializable,
		UnitOfWorkFunc[*Assignment](
			func(_ context.Context, tx *gorm.DB) (*Assignment, error) {
				return assignGuild(tx, guildID)
			},
		),
		a.transactionOptions()...,
	)
	a.metrics.observeAssignment(assignment, err)
	if err != nil {
		return nil, err
	}

	if assignment.NewlyAssigned {
		a.logger.InfoContext(
			ctx,
			"assigned private bot instance",
			columnGuildID, guildID,
			"assignment", assignment,
		)
	}
	return assignment, nil
}

// assignGuild is the unit of work for Assign
func assignGuild(tx *gorm.DB, guildID string) (*Assignment, error) {
	var guild GuildSpecification
	err := tx.Where(columnGuildID+" = ?", guildID).Take(&guild).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, rollback(invalidContextError(""))
		}
		return nil, err
	}

	if guild.AssignedPrivateBotInstance != nil {
		instance, findErr := findPrivateBotInstance(
			tx,
			*guild.AssignedPrivateBotInstance,
		)
		if findErr != nil {
			return nil, findErr
		}
		return &Assignment{
			InstanceID: instance.Identifier,
			InviteLink: instance.InviteLink,
		}, nil
	}

	var rows []GuildSpecification
	if err = tx.Raw(assignPrivateBotInstanceSQL, guildID).Scan(&rows).Error; err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, retryable(errConcurrentAssignment)
	}

	assigned := rows[0].AssignedPrivateBotInstance
	if assigned == nil {
		return nil, rollback(capacityExhaustedError())
	}

	instance, err := findPrivateBotInstance(tx, *assigned)
	if err != nil {
		return nil, err
	}
	return &Assignment{
		InstanceID:    instance.Identifier,
		InviteLink:    instance.InviteLink,
		NewlyAssigned: true,
	}, nil
}

func findPrivateBotInstance(tx *gorm.DB, identifier string) (
	*PrivateBotInstance,
	error,
) {
	var instance PrivateBotInstance
	err := tx.Where(columnIdentifier+" = ?", identifier).Take(&instance).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, rollback(notFoundError("private bot instance", identifier))
		}
		return nil, err
	}
	return &instance, nil
}

// AssignedInstance returns the instance assigned to the given guild, or
// nil if the guild isn't assigned (or doesn't exist). It never assigns.
func (a *Allocator) AssignedInstance(ctx context.Context, guildID string) (
	*PrivateBotInstance,
	error,
) {
	if guildID == "" {
		return nil, invalidContextError("")
	}
	return RunTransaction[*PrivateBotInstance](
		ctx,
		a.db,
		IsolationReadCommitted,
		UnitOfWorkFunc[*PrivateBotInstance](
			func(_ context.Context, tx *gorm.DB) (*PrivateBotInstance, error) {
				var guild GuildSpecification
				err := tx.Where(columnGuildID+" = ?", guildID).Take(&guild).Error
				if err != nil {
					if errors.Is(err, gorm.ErrRecordNotFound) {
						return nil, nil
					}
					return nil, err
				}
				if guild.AssignedPrivateBotInstance == nil {
					return nil, nil
				}
				return findPrivateBotInstance(tx, *guild.AssignedPrivateBotInstance)
			},
		),
		a.transactionOptions()...,
	)
}

// GetGuildSpecification returns the GuildSpecification for the given
// guild ID, with its assigned PrivateBotInstance (if any) preloaded.
func (a *Allocator) GetGuildSpecification(
	ctx context.Context,
	guildID string,
) (*GuildSpecification, error) {
	ctx, cancel := dbContext(ctx)
	defer cancel()

	var guild GuildSpecification
	err := a.db.WithContext(ctx).
		Preload("PrivateBotInstance").
		Where(columnGuildID+" = ?", guildID).
		Take(&guild).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, notFoundError("guild", guildID)
		}
		return nil, queryError(err)
	}
	return &guild, nil
}

// ensureGuildSpecification inserts a GuildSpecification for the given
// guild if one doesn't exist. Existing rows are left unchanged.
// Returns true if a row was created.
func (a *Allocator) ensureGuildSpecification(
	ctx context.Context,
	guildID string,
	guildName string,
) (bool, error) {
	if guildID == "" {
		return false, invalidContextError("")
	}
	ctx, cancel := dbContext(ctx)
	defer cancel()

	guild := GuildSpecification{
		GuildID:     &guildID,
		Initialized: ptr(false),
	}
	if guildName != "" {
		guild.GuildName = &guildName
	}
	rv := a.db.WithContext(ctx).Clauses(
		clause.OnConflict{
			Columns:   []clause.Column{{Name: columnGuildID}},
			DoNothing: true,
		},
	).Create(&guild)
	if rv.Error != nil {
		return false, queryError(rv.Error)
	}
	if rv.RowsAffected > 0 {
		a.logger.InfoContext(ctx, "new guild seen", "guild", guild)
		return true, nil
	}
	return false, nil
}

// RegisterInstance creates the given PrivateBotInstance, or updates the
// invite link and server limit of an existing instance with the same
// identifier. The update runs in a serializable transaction and is
// rejected with a KindValidation error if ServerLimit is lower than the
// number of guilds already assigned to the instance.
func (a *Allocator) RegisterInstance(
	ctx context.Context,
	instance PrivateBotInstance,
) (*PrivateBotInstance, error) {
	if err := structValidator.Struct(instance); err != nil {
		return nil, validationError(
			fmt.Sprintf("invalid private bot instance %q", instance.Identifier),
			err,
		)
	}

	registered, err := RunTransaction[*PrivateBotInstance](
		ctx,
		a.db,
		IsolationSerializable,
		UnitOfWorkFunc[*PrivateBotInstance](
			func(_ context.Context, tx *gorm.DB) (*PrivateBotInstance, error) {
				return upsertInstance(tx, instance)
			},
		),
		a.transactionOptions()...,
	)
	if err != nil {
		return nil, err
	}
	a.logger.InfoContext(
		ctx,
		"registered private bot instance",
		columnIdentifier, registered.Identifier,
		"server_limit", registered.ServerLimit,
	)
	return registered, nil
}

// upsertInstance is the unit of work for RegisterInstance
func upsertInstance(tx *gorm.DB, instance PrivateBotInstance) (*PrivateBotInstance, error) {
	var assigned int64
	err := tx.Model(&GuildSpecification{}).
		Where(columnAssignedPrivateBotInstance+" = ?", instance.Identifier).
		Count(&assigned).Error
	if err != nil {
		return nil, err
	}
	if int64(instance.ServerLimit) < assigned {
		return nil, rollback(
			validationError(
				fmt.Sprintf(
					"server limit %d of private bot instance %q is below its %d assigned guilds",
					instance.ServerLimit, instance.Identifier, assigned,
				),
				nil,
			),
		)
	}

	err = tx.Clauses(
		clause.OnConflict{
			Columns: []clause.Column{{Name: columnIdentifier}},
			DoUpdates: clause.AssignmentColumns(
				[]string{"invite_link", "server_limit", "updated_at"},
			),
		},
	).Create(&instance).Error
	if err != nil {
		return nil, err
	}
	return &instance, nil
}
