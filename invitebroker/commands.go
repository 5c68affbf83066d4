package invitebroker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

const (
	embedColorDefault = 0x5865f2
	embedColorError   = 0xed4245

	publicInviteDisabledMessage = "The public instance is disabled"
	commandNotImplementedTitle  = "Command not implemented"

	overviewDescription = "Provides invite links for the public bot, as well as " +
		"private bots for [supporters](https://ko-fi.com/R5R0XAC5J). Private " +
		"bots are limited in the number of servers per bot, with more bots " +
		"being created on demand. "
	overviewSupporterDescription = "Use `/invite private` to assign a private " +
		"bot to your server and receive an invitation."

	helpDescription = "Use `/invite public` to get an invite link for the public bot.\n" +
		"Use `/invite private` to assign a private bot to this server and get " +
		"its invite link (supporters only).\n" +
		"Use `/overview` to see all invite links and remaining private bot capacity."
)

// InteractionHandler defines the interface for handling Discord interactions.
// It provides methods for responding to interactions, retrieving responses,
// editing messages, and managing interaction lifecycle.
type InteractionHandler interface {
	// Respond sends an initial response to a Discord interaction.
	Respond(ctx context.Context, i *discordgo.InteractionResponse) error

	// GetResponse retrieves the current response for an interaction.
	GetResponse(ctx context.Context) (*discordgo.Message, error)

	// Edit modifies an existing interaction response.
	Edit(
		ctx context.Context,
		e *discordgo.WebhookEdit,
		opts ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// Delete removes an interaction response.
	Delete(ctx context.Context, opts ...discordgo.RequestOption)

	// GetInteraction returns the original InteractionCreate event.
	GetInteraction() *discordgo.InteractionCreate

	// InteractionReceiveMethod returns the method used to receive the
	// interaction (webhook or gateway).
	InteractionReceiveMethod() DiscordInteractionReceiveMethod

	// Logger returns the logger associated with this handler.
	Logger() *slog.Logger
}

// GatewayHandler implements [InteractionHandler] when receiving interactions
// via the discord websocket gateway.
type GatewayHandler struct {
	session     DiscordSessionHandler
	interaction *discordgo.InteractionCreate
	logger      *slog.Logger
}

func (GatewayHandler) InteractionReceiveMethod() DiscordInteractionReceiveMethod {
	return discordInteractionReceiveMethodGateway
}

func (w GatewayHandler) Respond(
	ctx context.Context,
	response *discordgo.InteractionResponse,
) error {
	err := w.session.InteractionRespond(w.interaction.Interaction, response)
	if err != nil {
		w.logger.ErrorContext(ctx, "error responding to interaction", tint.Err(err))
	} else {
		w.logger.DebugContext(ctx, "responded to interaction")
	}
	return err
}

func (w GatewayHandler) GetResponse(ctx context.Context) (
	*discordgo.Message,
	error,
) {
	msg, err := w.session.InteractionResponse(w.interaction.Interaction)
	if err != nil {
		w.logger.ErrorContext(ctx, "error getting interaction", tint.Err(err))
	}
	return msg, err
}

func (w GatewayHandler) GetInteraction() *discordgo.InteractionCreate {
	return w.interaction
}

func (w GatewayHandler) Edit(
	ctx context.Context,
	wh *discordgo.WebhookEdit,
	opts ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	msg, err := w.session.InteractionResponseEdit(
		w.interaction.Interaction,
		wh,
		opts...,
	)
	if err != nil {
		w.logger.ErrorContext(ctx, "error editing interaction response", tint.Err(err))
	} else {
		w.logger.DebugContext(ctx, "edited interaction")
	}
	return msg, err
}

func (w GatewayHandler) Delete(ctx context.Context, opts ...discordgo.RequestOption) {
	err := w.session.InteractionResponseDelete(
		w.interaction.Interaction,
		opts...,
	)
	if err != nil {
		w.logger.ErrorContext(ctx, "error deleting interaction response", tint.Err(err))
	}
}

func (w GatewayHandler) Logger() *slog.Logger {
	return w.logger
}

// handleInteraction processes an incoming Discord interaction.
//
// For application commands, this:
//  1. Ensures a GuildSpecification exists for the interaction's guild.
//  2. Acknowledges the interaction with a deferred response.
//  3. Runs the command.
//  4. Edits the deferred response with the command's embed, or an error
//     embed if the command failed.
//
// Ping interactions (only received via webhook) are answered with a pong.
func (ib *InviteBroker) handleInteraction(
	ctx context.Context,
	handler InteractionHandler,
) {
	i := handler.GetInteraction()
	logger := handler.Logger()

	discordUser := getDiscordUser(i)
	if discordUser == nil && i.Type != discordgo.InteractionPing {
		logger.ErrorContext(ctx, "no user found in interaction")
		return
	}

	logger = logger.With(slog.Group("interaction", interactionLogAttrs(i)...))
	ctx = WithLogger(ctx, logger)

	switch i.Type {
	case discordgo.InteractionPing:
		_ = handler.Respond(
			ctx, &discordgo.InteractionResponse{
				Type: discordgo.InteractionResponsePong,
			},
		)
		return
	case discordgo.InteractionApplicationCommand:
	default:
		logger.WarnContext(ctx, "unhandled interaction type")
		return
	}

	if discordUser.Bot {
		logger.WarnContext(ctx, "user is bot, ignoring", "user_id", discordUser.ID)
		return
	}

	data := i.ApplicationCommandData()
	subcommand := commandSubcommand(data)
	logger.InfoContext(
		ctx,
		"received command",
		"command", data.Name,
		"subcommand", subcommand,
		slog.Group("user", "id", discordUser.ID, "username", discordUser.Username),
	)
	ib.metrics.observeInteraction(data.Name)

	if i.GuildID != "" {
		if _, err := ib.allocator.ensureGuildSpecification(ctx, i.GuildID, ""); err != nil {
			logger.ErrorContext(ctx, "error ensuring guild specification", tint.Err(err))
		}
	}

	if ackErr := handler.Respond(ctx, ib.discord.ackResponse(data.Name, subcommand)); ackErr != nil {
		logger.ErrorContext(ctx, "error acknowledging interaction", tint.Err(ackErr))
		return
	}

	embed, err := ib.runCommand(ctx, i, discordUser, data.Name, subcommand)
	if err != nil {
		embed = errorEmbed(ctx, err)
	}

	if _, editErr := handler.Edit(
		ctx,
		&discordgo.WebhookEdit{Embeds: &[]*discordgo.MessageEmbed{embed}},
	); editErr != nil {
		logger.ErrorContext(ctx, "error sending command response", tint.Err(editErr))
	}
}

// runCommand returns the response embed for the given command
func (ib *InviteBroker) runCommand(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	user *discordgo.User,
	command string,
	subcommand string,
) (*discordgo.MessageEmbed, error) {
	switch command {
	case DiscordSlashCommandHelp:
		return helpEmbed(), nil
	case DiscordSlashCommandInvite:
		switch subcommand {
		case discordSubcommandPublic:
			return publicInviteEmbed(ib.config.PublicInvite), nil
		case discordSubcommandPrivate:
			return ib.runPrivateInvite(ctx, i.GuildID, user.ID)
		}
	case DiscordSlashCommandOverview:
		return ib.runOverview(ctx, i.GuildID, user.ID)
	}
	return notImplementedEmbed(), nil
}

// runPrivateInvite checks that the user is a supporter, then assigns a
// private bot instance to the guild (or returns the one already assigned).
func (ib *InviteBroker) runPrivateInvite(
	ctx context.Context,
	guildID string,
	userID string,
) (*discordgo.MessageEmbed, error) {
	if !ib.isSupporter(ctx, userID) {
		return nil, notSupporterError()
	}

	assignment, err := ib.allocator.Assign(ctx, guildID)
	if err != nil {
		return nil, err
	}
	return privateInviteEmbed(assignment.InviteLink), nil
}

// runOverview returns the public invite link, and the private invite link
// if the guild has already been assigned an instance. Otherwise the number
// of remaining private bot slots is shown.
func (ib *InviteBroker) runOverview(
	ctx context.Context,
	guildID string,
	userID string,
) (*discordgo.MessageEmbed, error) {
	supporter := ib.isSupporter(ctx, userID)

	instance, err := ib.allocator.AssignedInstance(ctx, guildID)
	if err != nil {
		return nil, err
	}

	var availableSlots int64
	if instance == nil {
		availableSlots, err = ib.allocator.RemainingCapacity(ctx)
		if err != nil {
			return nil, err
		}
	}
	return overviewEmbed(ib.config.PublicInvite, supporter, instance, availableSlots), nil
}

// isSupporter returns true if the user is a supporter. Errors from the
// SupporterVerifier are logged, and the user treated as a non-supporter.
func (ib *InviteBroker) isSupporter(ctx context.Context, userID string) bool {
	supporter, err := ib.supporters.IsSupporter(ctx, userID)
	if err != nil {
		logger, ok := ContextLogger(ctx)
		if !ok || logger == nil {
			logger = ib.logger
		}
		logger.ErrorContext(ctx, "error checking supporter status", tint.Err(err), "user_id", userID)
		return false
	}
	return supporter
}

// commandSubcommand returns the name of the invoked subcommand, if any
func commandSubcommand(data discordgo.ApplicationCommandInteractionData) string {
	for _, opt := range data.Options {
		if opt.Type == discordgo.ApplicationCommandOptionSubCommand {
			return opt.Name
		}
	}
	return ""
}

func inviteLinkMarkdown(link string) string {
	return fmt.Sprintf("[Invite link](%s)", link)
}

func helpEmbed() *discordgo.MessageEmbed {
	return &discordgo.MessageEmbed{
		Title:       "Help",
		Description: helpDescription,
		Color:       embedColorDefault,
	}
}

func publicInviteEmbed(cfg PublicInviteConfig) *discordgo.MessageEmbed {
	embed := &discordgo.MessageEmbed{
		Title: "Public Invite",
		Color: embedColorDefault,
	}
	if cfg.Enabled {
		embed.Description = inviteLinkMarkdown(publicInviteURL(cfg))
	} else {
		embed.Description = publicInviteDisabledMessage
	}
	return embed
}

func publicInviteURL(cfg PublicInviteConfig) string {
	if cfg.URL == "" {
		return DefaultPublicInviteURL
	}
	return cfg.URL
}

func privateInviteEmbed(link string) *discordgo.MessageEmbed {
	return &discordgo.MessageEmbed{
		Title:       "Private Invite",
		Description: inviteLinkMarkdown(link),
		Color:       embedColorDefault,
	}
}

func overviewEmbed(
	cfg PublicInviteConfig,
	supporter bool,
	instance *PrivateBotInstance,
	availableSlots int64,
) *discordgo.MessageEmbed {
	description := overviewDescription
	if supporter {
		description += overviewSupporterDescription
	} else {
		description += supporterMessage
	}

	publicField := &discordgo.MessageEmbedField{Name: "Public Invite", Inline: true}
	if cfg.Enabled {
		publicField.Value = inviteLinkMarkdown(publicInviteURL(cfg))
	} else {
		publicField.Value = publicInviteDisabledMessage
	}

	privateField := &discordgo.MessageEmbedField{Name: "Private Invite", Inline: true}
	if instance != nil {
		privateField.Value = inviteLinkMarkdown(instance.InviteLink)
	} else {
		privateField.Value = fmt.Sprintf("%d slots available", max(availableSlots, 0))
	}

	return &discordgo.MessageEmbed{
		Title:       "Invite Links",
		Description: description,
		Color:       embedColorDefault,
		Fields:      []*discordgo.MessageEmbedField{publicField, privateField},
	}
}

func notImplementedEmbed() *discordgo.MessageEmbed {
	return &discordgo.MessageEmbed{
		Title: commandNotImplementedTitle,
		Color: embedColorError,
	}
}

// errorEmbed returns a red "Error" embed for err. Internal errors are
// logged, and shown with their error code.
func errorEmbed(ctx context.Context, err error) *discordgo.MessageEmbed {
	logger, ok := ContextLogger(ctx)
	if !ok || logger == nil {
		logger = slog.Default()
	}

	var e *Error
	if !errors.As(err, &e) {
		e = queryError(err)
	}
	if e.Internal() {
		logger.ErrorContext(ctx, "error running command", tint.Err(err), "code", e.Code())
	} else {
		logger.InfoContext(ctx, "command returned error", "kind", e.Kind.String())
	}

	return &discordgo.MessageEmbed{
		Title:       "Error",
		Description: e.UserMessage(),
		Color:       embedColorError,
	}
}

// handleRecover handles the recovery from a panic in a goroutine
// handling an interaction.
func (*InviteBroker) handleRecover(ctx context.Context, rc any) {
	logger, ok := ContextLogger(ctx)
	if logger == nil || !ok {
		logger = slog.Default()
	}
	stackTrace := string(debug.Stack())
	if nerr, ok := rc.(error); ok {
		logger.ErrorContext(
			ctx,
			"recovered from panic",
			tint.Err(nerr),
			"stack_trace", stackTrace,
		)
		return
	}
	if nerr, ok := rc.(string); ok {
		logger.ErrorContext(
			ctx,
			"recovered from panic",
			tint.Err(errors.New(nerr)),
			"stack_trace", stackTrace,
		)
		return
	}
	logger.ErrorContext(
		ctx,
		"recovered from panic",
		"panic_arg", rc,
		"stack_trace", stackTrace,
	)
}
