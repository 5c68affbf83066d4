package invitebroker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func TestAllocator_Assign_LeastLoaded(t *testing.T) {
	allocator, db := newTestAllocator(t)
	ctx := context.Background()

	seedInstance(t, db, "alpha", 5)
	seedInstance(t, db, "bravo", 5)
	seedAssignedGuilds(t, db, "alpha", 2)
	seedGuild(t, db, "new-guild", "")

	assignment, err := allocator.Assign(ctx, "new-guild")
	require.NoError(t, err)
	assert.Equal(t, "bravo", assignment.InstanceID)
	assert.True(t, assignment.NewlyAssigned)
	assert.Contains(t, assignment.InviteLink, "client_id=bravo")

	guild, err := allocator.GetGuildSpecification(ctx, "new-guild")
	require.NoError(t, err)
	require.NotNil(t, guild.AssignedPrivateBotInstance)
	assert.Equal(t, "bravo", *guild.AssignedPrivateBotInstance)
	require.NotNil(t, guild.PrivateBotInstance)
	assert.Equal(t, "bravo", guild.PrivateBotInstance.Identifier)
}

func TestAllocator_Assign_TieBreak(t *testing.T) {
	allocator, db := newTestAllocator(t)

	// inserted out of order, so the tie is broken by identifier rather
	// than insertion order
	seedInstance(t, db, "charlie", 3)
	seedInstance(t, db, "alpha", 3)
	seedInstance(t, db, "bravo", 3)
	seedGuild(t, db, "guild-1", "")

	assignment, err := allocator.Assign(context.Background(), "guild-1")
	require.NoError(t, err)
	assert.Equal(t, "alpha", assignment.InstanceID)
}

func TestAllocator_Assign_SkipsFullInstances(t *testing.T) {
	allocator, db := newTestAllocator(t)

	seedInstance(t, db, "alpha", 1)
	seedInstance(t, db, "bravo", 10)
	seedAssignedGuilds(t, db, "alpha", 1)
	seedAssignedGuilds(t, db, "bravo", 3)
	seedGuild(t, db, "guild-1", "")

	assignment, err := allocator.Assign(context.Background(), "guild-1")
	require.NoError(t, err)
	assert.Equal(t, "bravo", assignment.InstanceID)
	assert.Equal(t, int64(4), countAssigned(t, db, "bravo"))
	assert.Equal(t, int64(1), countAssigned(t, db, "alpha"))
}

func TestAllocator_Assign_SpreadsLoad(t *testing.T) {
	allocator, db := newTestAllocator(t)
	ctx := context.Background()

	seedInstance(t, db, "alpha", 2)
	seedInstance(t, db, "bravo", 2)

	expected := []string{"alpha", "bravo", "alpha", "bravo"}
	for i, want := range expected {
		guildID := fmt.Sprintf("guild-%d", i)
		seedGuild(t, db, guildID, "")
		assignment, err := allocator.Assign(ctx, guildID)
		require.NoError(t, err)
		assert.Equal(t, want, assignment.InstanceID, "guild %d", i)
	}

	seedGuild(t, db, "guild-overflow", "")
	_, err := allocator.Assign(ctx, "guild-overflow")
	assert.ErrorIs(t, err, ErrCapacityExhausted)
}

func TestAllocator_Assign_CapacityExhausted(t *testing.T) {
	allocator, db := newTestAllocator(t)
	ctx := context.Background()

	seedInstance(t, db, "alpha", 2)
	seedAssignedGuilds(t, db, "alpha", 2)
	seedGuild(t, db, "guild-1", "")

	assignment, err := allocator.Assign(ctx, "guild-1")
	require.Error(t, err)
	assert.Nil(t, assignment)
	assert.ErrorIs(t, err, ErrCapacityExhausted)

	var e *Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, noPrivateBotMessage, e.UserMessage())

	guild, err := allocator.GetGuildSpecification(ctx, "guild-1")
	require.NoError(t, err)
	assert.Nil(t, guild.AssignedPrivateBotInstance)
	assert.Equal(t, int64(2), countAssigned(t, db, "alpha"))
}

func TestAllocator_Assign_NoInstances(t *testing.T) {
	allocator, db := newTestAllocator(t)
	seedGuild(t, db, "guild-1", "")

	_, err := allocator.Assign(context.Background(), "guild-1")
	assert.ErrorIs(t, err, ErrCapacityExhausted)
}

func TestAllocator_Assign_Idempotent(t *testing.T) {
	allocator, db := newTestAllocator(t)
	ctx := context.Background()

	seedInstance(t, db, "alpha", 5)
	seedInstance(t, db, "bravo", 5)
	seedGuild(t, db, "guild-1", "")

	first, err := allocator.Assign(ctx, "guild-1")
	require.NoError(t, err)
	assert.True(t, first.NewlyAssigned)

	// make the other instance less loaded, which must not move the guild
	seedAssignedGuilds(t, db, first.InstanceID, 3)

	for i := 0; i < 3; i++ {
		again, againErr := allocator.Assign(ctx, "guild-1")
		require.NoError(t, againErr)
		assert.Equal(t, first.InstanceID, again.InstanceID)
		assert.Equal(t, first.InviteLink, again.InviteLink)
		assert.False(t, again.NewlyAssigned)
	}
	assert.Equal(t, int64(4), countAssigned(t, db, first.InstanceID))
}

func TestAllocator_Assign_ExistingAssignmentAtLimit(t *testing.T) {
	allocator, db := newTestAllocator(t)
	ctx := context.Background()

	seedInstance(t, db, "alpha", 5)
	seedAssignedGuilds(t, db, "alpha", 3)

	// lowering the limit to the current load leaves no capacity
	_, err := allocator.RegisterInstance(
		ctx,
		PrivateBotInstance{
			Identifier:  "alpha",
			InviteLink:  "https://discord.com/oauth2/authorize?client_id=alpha",
			ServerLimit: 3,
		},
	)
	require.NoError(t, err)

	assignment, err := allocator.Assign(ctx, "alpha-guild-0")
	require.NoError(t, err)
	assert.Equal(t, "alpha", assignment.InstanceID)
	assert.False(t, assignment.NewlyAssigned)

	seedGuild(t, db, "guild-new", "")
	_, err = allocator.Assign(ctx, "guild-new")
	assert.ErrorIs(t, err, ErrCapacityExhausted)
}

func TestAllocator_Assign_InvalidContext(t *testing.T) {
	allocator, db := newTestAllocator(t)
	ctx := context.Background()

	seedInstance(t, db, "alpha", 5)
	seedGuild(t, db, "guild-1", "")

	_, err := allocator.Assign(ctx, "")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidContext)

	var e *Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, guildOnlyMessage, e.UserMessage())
	assert.Equal(t, int64(0), countAssigned(t, db, "alpha"))
}

func TestAllocator_Assign_UnknownGuild(t *testing.T) {
	allocator, db := newTestAllocator(t)
	seedInstance(t, db, "alpha", 5)

	_, err := allocator.Assign(context.Background(), "never-seen")
	assert.ErrorIs(t, err, ErrInvalidContext)
	assert.Equal(t, int64(0), countAssigned(t, db, "alpha"))
}

// TestAllocator_Assign_Concurrent runs more assignments than there's
// capacity for, concurrently, and checks no instance exceeds its limit.
func TestAllocator_Assign_Concurrent(t *testing.T) {
	allocator, db := newTestAllocator(t)
	ctx := context.Background()

	limits := map[string]int{"alpha": 2, "bravo": 3, "charlie": 4}
	totalCapacity := 0
	for id, limit := range limits {
		seedInstance(t, db, id, limit)
		totalCapacity += limit
	}

	guildCount := totalCapacity + 6
	for i := 0; i < guildCount; i++ {
		seedGuild(t, db, fmt.Sprintf("guild-%d", i), "")
	}

	var mu sync.Mutex
	assigned := 0
	exhausted := 0

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < guildCount; i++ {
		guildID := fmt.Sprintf("guild-%d", i)
		g.Go(
			func() error {
				_, err := allocator.Assign(gctx, guildID)
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					assigned++
				case errors.Is(err, ErrCapacityExhausted):
					exhausted++
				default:
					return err
				}
				return nil
			},
		)
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, totalCapacity, assigned)
	assert.Equal(t, guildCount-totalCapacity, exhausted)
	for id, limit := range limits {
		assert.Equal(t, int64(limit), countAssigned(t, db, id), id)
	}

	remaining, err := allocator.RemainingCapacity(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), remaining)
}

// TestAllocator_Assign_ConcurrentSameGuild checks that concurrent
// requests for the same guild all get the same instance, and only one of
// them makes the assignment.
func TestAllocator_Assign_ConcurrentSameGuild(t *testing.T) {
	allocator, db := newTestAllocator(t)
	seedInstance(t, db, "alpha", 5)
	seedInstance(t, db, "bravo", 5)
	seedGuild(t, db, "guild-1", "")

	results := make(chan *Assignment, 10)
	g, gctx := errgroup.WithContext(context.Background())
	for i := 0; i < cap(results); i++ {
		g.Go(
			func() error {
				a, err := allocator.Assign(gctx, "guild-1")
				if err != nil {
					return err
				}
				results <- a
				return nil
			},
		)
	}
	require.NoError(t, g.Wait())
	close(results)

	newlyAssigned := 0
	instances := map[string]bool{}
	for a := range results {
		instances[a.InstanceID] = true
		if a.NewlyAssigned {
			newlyAssigned++
		}
	}
	assert.Equal(t, 1, newlyAssigned)
	assert.Len(t, instances, 1)
}

func TestAllocator_AssignedInstance(t *testing.T) {
	allocator, db := newTestAllocator(t)
	ctx := context.Background()

	seedInstance(t, db, "alpha", 5)
	seedGuild(t, db, "guild-1", "")

	instance, err := allocator.AssignedInstance(ctx, "guild-1")
	require.NoError(t, err)
	assert.Nil(t, instance)

	instance, err = allocator.AssignedInstance(ctx, "unknown-guild")
	require.NoError(t, err)
	assert.Nil(t, instance)

	_, err = allocator.Assign(ctx, "guild-1")
	require.NoError(t, err)

	instance, err = allocator.AssignedInstance(ctx, "guild-1")
	require.NoError(t, err)
	require.NotNil(t, instance)
	assert.Equal(t, "alpha", instance.Identifier)

	_, err = allocator.AssignedInstance(ctx, "")
	assert.ErrorIs(t, err, ErrInvalidContext)
}

func TestAllocator_GetGuildSpecification_NotFound(t *testing.T) {
	allocator, _ := newTestAllocator(t)
	_, err := allocator.GetGuildSpecification(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAllocator_EnsureGuildSpecification(t *testing.T) {
	allocator, _ := newTestAllocator(t)
	ctx := context.Background()

	created, err := allocator.ensureGuildSpecification(ctx, "guild-1", "First Name")
	require.NoError(t, err)
	assert.True(t, created)

	created, err = allocator.ensureGuildSpecification(ctx, "guild-1", "Second Name")
	require.NoError(t, err)
	assert.False(t, created)

	guild, err := allocator.GetGuildSpecification(ctx, "guild-1")
	require.NoError(t, err)
	require.NotNil(t, guild.GuildName)
	assert.Equal(t, "First Name", *guild.GuildName)
	assert.Nil(t, guild.AssignedPrivateBotInstance)

	_, err = allocator.ensureGuildSpecification(ctx, "", "")
	assert.ErrorIs(t, err, ErrInvalidContext)
}

func TestAllocator_RegisterInstance(t *testing.T) {
	allocator, db := newTestAllocator(t)
	ctx := context.Background()

	instance, err := allocator.RegisterInstance(
		ctx,
		PrivateBotInstance{
			Identifier:  "alpha",
			InviteLink:  "https://discord.com/oauth2/authorize?client_id=1",
			ServerLimit: 10,
		},
	)
	require.NoError(t, err)
	assert.Equal(t, "alpha", instance.Identifier)

	_, err = allocator.RegisterInstance(
		ctx,
		PrivateBotInstance{
			Identifier:  "alpha",
			InviteLink:  "https://discord.com/oauth2/authorize?client_id=2",
			ServerLimit: 20,
		},
	)
	require.NoError(t, err)

	var stored []PrivateBotInstance
	require.NoError(t, db.Find(&stored).Error)
	require.Len(t, stored, 1)
	assert.Equal(t, 20, stored[0].ServerLimit)
	assert.Equal(t, "https://discord.com/oauth2/authorize?client_id=2", stored[0].InviteLink)
}

func TestAllocator_RegisterInstance_LimitBelowAssigned(t *testing.T) {
	allocator, db := newTestAllocator(t)
	ctx := context.Background()
	seedInstance(t, db, "alpha", 3)
	seedAssignedGuilds(t, db, "alpha", 3)

	_, err := allocator.RegisterInstance(
		ctx,
		PrivateBotInstance{
			Identifier:  "alpha",
			InviteLink:  "https://discord.com/oauth2/authorize?client_id=2",
			ServerLimit: 1,
		},
	)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrValidation)

	var stored PrivateBotInstance
	require.NoError(t, db.Where(columnIdentifier+" = ?", "alpha").Take(&stored).Error)
	assert.Equal(t, 3, stored.ServerLimit)
	assert.Equal(t, "https://discord.com/oauth2/authorize?client_id=alpha", stored.InviteLink)
	assert.Equal(t, int64(3), countAssigned(t, db, "alpha"))

	// lowering to exactly the assigned count is allowed
	updated, err := allocator.RegisterInstance(
		ctx,
		PrivateBotInstance{
			Identifier:  "alpha",
			InviteLink:  "https://discord.com/oauth2/authorize?client_id=alpha",
			ServerLimit: 3,
		},
	)
	require.NoError(t, err)
	assert.Equal(t, 3, updated.ServerLimit)

	available, err := allocator.RemainingCapacity(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), available)
}

func TestAllocator_RegisterInstance_Invalid(t *testing.T) {
	allocator, db := newTestAllocator(t)

	tests := map[string]PrivateBotInstance{
		"missing identifier": {InviteLink: "https://example.com/invite", ServerLimit: 1},
		"missing link":       {Identifier: "alpha", ServerLimit: 1},
		"invalid link":       {Identifier: "alpha", InviteLink: "not a url", ServerLimit: 1},
		"zero limit":         {Identifier: "alpha", InviteLink: "https://example.com/invite"},
		"negative limit": {
			Identifier:  "alpha",
			InviteLink:  "https://example.com/invite",
			ServerLimit: -1,
		},
	}
	for name, instance := range tests {
		t.Run(
			name, func(t *testing.T) {
				_, err := allocator.RegisterInstance(context.Background(), instance)
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrValidation)
			},
		)
	}

	var n int64
	require.NoError(t, db.Model(&PrivateBotInstance{}).Count(&n).Error)
	assert.Equal(t, int64(0), n)
}
