package invitebroker

import (
	"context"
)

const remainingCapacitySQL = `SELECT
	(SELECT COALESCE(SUM(server_limit), 0) FROM private_bot_instance)
	- (SELECT COUNT(*) FROM guild_specification WHERE assigned_private_bot_instance IS NOT NULL)
	AS available_slots`

const instanceLoadsSQL = `SELECT
	pbi.identifier AS identifier,
	pbi.invite_link AS invite_link,
	pbi.server_limit AS server_limit,
	COUNT(gs.pk) AS assigned
FROM private_bot_instance pbi
LEFT JOIN guild_specification gs
	ON pbi.identifier = gs.assigned_private_bot_instance
GROUP BY pbi.identifier, pbi.invite_link, pbi.server_limit
ORDER BY pbi.identifier ASC`

// InstanceLoad is the number of guilds assigned to a PrivateBotInstance
type InstanceLoad struct {
	Identifier  string `json:"identifier" gorm:"column:identifier"`
	InviteLink  string `json:"invite_link" gorm:"column:invite_link"`
	ServerLimit int    `json:"server_limit" gorm:"column:server_limit"`
	Assigned    int64  `json:"assigned" gorm:"column:assigned"`
}

// Available returns the remaining capacity of the instance, which is
// never negative.
func (l InstanceLoad) Available() int64 {
	return max(0, int64(l.ServerLimit)-l.Assigned)
}

// RemainingCapacity returns the total number of guilds that could still
// be assigned across all private bot instances: the sum of every
// instance's server limit, minus the number of assigned guilds.
// The result is never negative.
func (a *Allocator) RemainingCapacity(ctx context.Context) (int64, error) {
	ctx, cancel := dbContext(ctx)
	defer cancel()

	var available int64
	if err := a.db.WithContext(ctx).Raw(remainingCapacitySQL).Scan(&available).Error; err != nil {
		return 0, queryError(err)
	}
	available = max(0, available)
	a.metrics.setAvailableSlots(available)
	return available, nil
}

// InstanceLoads returns the current load of every private bot instance,
// ordered by identifier.
func (a *Allocator) InstanceLoads(ctx context.Context) ([]InstanceLoad, error) {
	ctx, cancel := dbContext(ctx)
	defer cancel()

	var loads []InstanceLoad
	if err := a.db.WithContext(ctx).Raw(instanceLoadsSQL).Scan(&loads).Error; err != nil {
		return nil, queryError(err)
	}
	return loads, nil
}
