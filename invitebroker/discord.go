package invitebroker

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

// Discord manages the Discord session, slash command registration and
// gateway event handlers for an InviteBroker.
type Discord struct {
	session   DiscordSessionHandler
	config    *DiscordConfig
	logger    *slog.Logger
	publicKey ed25519.PublicKey

	// connected is true between gateway Connect and Disconnect events
	connected                   atomic.Bool
	discordgoRemoveHandlerFuncs []func()
}

func newDiscord(config *DiscordConfig) (*Discord, error) {
	d := &Discord{config: config}
	if config.WebhookServer.PublicKey == "" {
		return d, nil
	}

	key, err := hex.DecodeString(config.WebhookServer.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("error decoding public key: %w", err)
	}
	if len(key) != ed25519.PublicKeySize {
		return nil, fmt.Errorf(
			"invalid public key length: %d (expected %d)",
			len(key), ed25519.PublicKeySize,
		)
	}
	d.publicKey = key
	return d, nil
}

// newSession creates a discordgo session for the configured bot token.
// State tracking is disabled, as guilds are tracked in the database.
func (d *Discord) newSession() (DiscordSessionHandler, error) {
	disc, err := discordgo.New("Bot " + d.config.Token)
	if err != nil {
		return nil, fmt.Errorf("error creating discord session: %w", err)
	}
	disc.StateEnabled = false
	if d.config.httpClient != nil {
		disc.Client = d.config.httpClient
	}

	session := &DiscordSession{
		Session: disc,
		logger:  d.logger.With(loggerNameKey, "discord_session"),
	}
	if err = session.SetLogLevel(d.config.DiscordGoLogLevel.Level()); err != nil {
		return nil, err
	}
	return session, nil
}

// guildOnly hides cmd in DMs, as guild assignment requires a guild
func guildOnly(cmd *discordgo.ApplicationCommand) *discordgo.ApplicationCommand {
	cmd.DMPermission = ptr(false)
	return cmd
}

// slashCommands returns the commands registered on startup
func slashCommands() []*discordgo.ApplicationCommand {
	return []*discordgo.ApplicationCommand{
		{
			Name:        DiscordSlashCommandHelp,
			Type:        discordgo.ChatApplicationCommand,
			Description: "Receive help with the bot.",
		},
		guildOnly(
			&discordgo.ApplicationCommand{
				Name:        DiscordSlashCommandInvite,
				Type:        discordgo.ChatApplicationCommand,
				Description: "Check for available instances and invite one.",
				Options: []*discordgo.ApplicationCommandOption{
					{
						Type:        discordgo.ApplicationCommandOptionSubCommand,
						Name:        discordSubcommandPublic,
						Description: "Get the invite link for the public bot.",
					},
					{
						Type:        discordgo.ApplicationCommandOptionSubCommand,
						Name:        discordSubcommandPrivate,
						Description: "Assign a private bot to this server and get its invite link.",
					},
				},
			},
		),
		guildOnly(
			&discordgo.ApplicationCommand{
				Name:        DiscordSlashCommandOverview,
				Type:        discordgo.ChatApplicationCommand,
				Description: "Get an overview of available invite links.",
			},
		),
	}
}

// sessionAttrs returns the session and bot user IDs known to s, for
// logging gateway events
func sessionAttrs(s *discordgo.Session) []any {
	if s == nil || s.State == nil {
		return nil
	}
	attrs := []any{"session_id", s.State.SessionID}
	if s.State.User != nil {
		attrs = append(
			attrs,
			slog.Group("user", "id", s.State.User.ID, "username", s.State.User.Username),
		)
	}
	return attrs
}

func (d *Discord) handlerReady() func(*discordgo.Session, *discordgo.Ready) {
	return func(_ *discordgo.Session, r *discordgo.Ready) {
		attrs := []any{"session_id", r.SessionID, "guilds", len(r.Guilds)}
		if r.User != nil {
			attrs = append(attrs, slog.Group("user", "id", r.User.ID, "username", r.User.Username))
		}
		d.logger.Info("ready", attrs...)
	}
}

func (d *Discord) handlerConnect() func(*discordgo.Session, *discordgo.Connect) {
	return func(s *discordgo.Session, _ *discordgo.Connect) {
		d.connected.Store(true)
		d.logger.Info("connected", sessionAttrs(s)...)
	}
}

func (d *Discord) handlerDisconnect() func(*discordgo.Session, *discordgo.Disconnect) {
	return func(s *discordgo.Session, _ *discordgo.Disconnect) {
		d.connected.Store(false)
		d.logger.Warn("disconnected", sessionAttrs(s)...)
	}
}

// registerCommands replaces the application's commands (in the
// configured guild, or globally if no guild is set) with slashCommands
func (d *Discord) registerCommands(
	options ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	created, err := d.session.ApplicationCommandBulkOverwrite(
		d.config.ApplicationID,
		d.config.GuildID,
		slashCommands(),
		options...,
	)
	if err != nil {
		d.logger.Error("error overwriting discord commands", tint.Err(err))
		return created, discordError(err)
	}
	if len(created) == 0 {
		d.logger.Warn("no commands created")
	}
	return created, nil
}

// ackResponse returns the deferred acknowledgement for a command.
// Private invites are only shown to the user who requested them.
func (*Discord) ackResponse(command string, subcommand string) *discordgo.InteractionResponse {
	var flags discordgo.MessageFlags
	if command == DiscordSlashCommandInvite && subcommand == discordSubcommandPrivate {
		flags = discordgo.MessageFlagsEphemeral
	}
	return &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{Flags: flags},
	}
}

// DiscordSessionHandler defines the methods from `discordgo.Session` which
// are used in this application, to enable testing/mocking.
type DiscordSessionHandler interface {
	// Open creates a websocket connection to Discord
	Open() error

	// Close closes the websocket connection to Discord
	Close() error

	// ApplicationCommandBulkOverwrite overwrites Discord application commands in bulk.
	// If guildID is empty, commands are registered globally.
	ApplicationCommandBulkOverwrite(
		appID string,
		guildID string,
		commands []*discordgo.ApplicationCommand,
		options ...discordgo.RequestOption,
	) ([]*discordgo.ApplicationCommand, error)

	// AddHandler adds a discord gateway event handler, returning a
	// function that removes it
	AddHandler(handler any) func()

	InteractionRespond(
		interaction *discordgo.Interaction,
		resp *discordgo.InteractionResponse,
		options ...discordgo.RequestOption,
	) error

	InteractionResponse(
		interaction *discordgo.Interaction,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	InteractionResponseEdit(
		interaction *discordgo.Interaction,
		newresp *discordgo.WebhookEdit,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	InteractionResponseDelete(
		interaction *discordgo.Interaction,
		options ...discordgo.RequestOption,
	) error

	SetHTTPClient(client *http.Client)

	// SetIdentify sets the identify payload sent on the initial gateway
	// handshake
	SetIdentify(discordgo.Identify)

	SetLogLevel(lvl slog.Level) error
}

// DiscordSession implements DiscordSessionHandler with a
// [discordgo.Session](https://pkg.go.dev/github.com/bwmarrin/discordgo#Session).
// Methods not defined here are promoted from the embedded session.
type DiscordSession struct {
	*discordgo.Session
	logger *slog.Logger
}

// SetLogLevel sets the discordgo level matching lvl.
func (d *DiscordSession) SetLogLevel(lvl slog.Level) error {
	for discordgoLevel, level := range discordGoLogLevels {
		if level == lvl {
			d.LogLevel = discordgoLevel
			return nil
		}
	}
	return fmt.Errorf("invalid log level: %s", lvl)
}

func (d *DiscordSession) SetHTTPClient(client *http.Client) {
	d.Client = client
}

// SetIdentify replaces the session's identify payload. Token, properties,
// compression and the large threshold are kept from the current payload
// unless set in i.
func (d *DiscordSession) SetIdentify(i discordgo.Identify) {
	if i.Token == "" {
		i.Token = d.Identify.Token
	}
	if i.Properties == (discordgo.IdentifyProperties{}) {
		i.Properties = d.Identify.Properties
	}
	if i.LargeThreshold == 0 {
		i.LargeThreshold = d.Identify.LargeThreshold
	}
	i.Compress = i.Compress || d.Identify.Compress
	d.Identify = i
}

func (d *DiscordSession) ApplicationCommandBulkOverwrite(
	appID string,
	guildID string,
	commands []*discordgo.ApplicationCommand,
	options ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	created, err := d.Session.ApplicationCommandBulkOverwrite(
		appID,
		guildID,
		commands,
		options...,
	)
	if err != nil {
		return created, err
	}
	for _, c := range created {
		d.logger.Info("registered command", "command", c.Name, "id", c.ID)
	}
	return created, nil
}

// getDiscordUser returns the user who created the interaction. In guilds
// it's only set on the member.
func getDiscordUser(i *discordgo.InteractionCreate) *discordgo.User {
	if i.User != nil {
		return i.User
	}
	if i.Member != nil {
		return i.Member.User
	}
	return nil
}
