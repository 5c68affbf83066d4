package invitebroker

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/gin-gonic/gin"
	"github.com/lmittmann/tint"
)

const (
	headerSignatureEd25519 = "X-Signature-Ed25519"
	headerSignatureTime    = "X-Signature-Timestamp"

	// interaction payloads are small, anything larger is rejected
	maxWebhookBodyBytes = 1 << 20

	// signatures with timestamps further than this from the current time
	// are rejected, so captured requests can't be replayed
	maxWebhookSignatureAge = 5 * time.Minute
)

// DiscordWebhookServer receives Discord interactions via HTTP POST,
// rather than the gateway.
type DiscordWebhookServer struct {
	config     DiscordWebhookServerConfig
	httpServer *http.Server
	listener   net.Listener
	engine     *gin.Engine
	logger     *slog.Logger
}

func (d *DiscordWebhookServer) Serve(ctx context.Context) error {
	if d.listener == nil {
		ln, err := listen(ctx, d.config.ListenNetwork, d.config.Listen, d.httpServer.TLSConfig)
		if err != nil {
			return fmt.Errorf("error starting webhook listener: %w", err)
		}
		if d.httpServer.TLSConfig == nil {
			d.logger.WarnContext(ctx, "serving discord webhook without TLS")
		}
		d.listener = ln
	}
	d.logger.InfoContext(ctx, "serving discord webhook", "addr", d.listener.Addr().String())
	return d.httpServer.Serve(d.listener)
}

// newWebhookServer returns a [DiscordWebhookServer] handling interactions
// for ib. Requests are verified against the configured public key before
// they're handled.
func newWebhookServer(
	ctx context.Context,
	ib *InviteBroker,
	config DiscordWebhookServerConfig,
) (*DiscordWebhookServer, error) {
	if len(ib.discord.publicKey) == 0 {
		return nil, errors.New("discord webhook server requires a public key")
	}

	httpServer := &http.Server{
		Addr:              config.Listen,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
	}
	if config.SSL.Enabled() {
		tlsCfg, err := tlsConfig(config.SSL.Cert, config.SSL.Key, config.SSL.TLSMinVersion)
		if err != nil {
			return nil, fmt.Errorf("error loading webhook SSL certs: %w", err)
		}
		httpServer.TLSConfig = tlsCfg
	}

	r := gin.New()
	if !ib.config.Development {
		r.Use(gin.Recovery())
	}
	r.Use(
		requestIDMiddleware(),
		ginLoggingMiddleware(),
		verifyInteractionMiddleware(ib.discord.publicKey),
	)
	r.POST(apiDiscordInteractions, webhookReceiveHandler(ctx, ib))
	httpServer.Handler = r

	return &DiscordWebhookServer{
		config:     config,
		httpServer: httpServer,
		engine:     r,
		logger:     slog.New(newHandler(config.LogLevel)).With(loggerNameKey, "discord_webhook"),
	}, nil
}

// WebhookHandler handles Discord interactions received via webhook.
// The initial response is written as the HTTP response body, while edits
// go through the REST API like a GatewayHandler.
type WebhookHandler struct {
	ginContext *gin.Context
	InteractionHandler
}

func (WebhookHandler) InteractionReceiveMethod() DiscordInteractionReceiveMethod {
	return discordInteractionReceiveMethodWebhook
}

// Respond writes response as the HTTP response, flushing it so discord
// receives the acknowledgement before the command finishes
func (w WebhookHandler) Respond(
	_ context.Context,
	response *discordgo.InteractionResponse,
) error {
	w.ginContext.JSON(http.StatusOK, response)
	w.ginContext.Writer.Flush()
	return nil
}

// webhookReceiveHandler decodes the interaction in the request body and
// handles it before returning
func webhookReceiveHandler(ctx context.Context, ib *InviteBroker) gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID, _ := c.Get(xRequestIDHeader)
		logger := ginContextLogger(c).With(
			slog.Group(
				"webhook_request",
				"remote_ip", c.RemoteIP(),
				xRequestIDHeader, requestID,
			),
		)
		runCtx := WithLogger(ctx, logger)

		var interaction discordgo.InteractionCreate
		if err := json.NewDecoder(c.Request.Body).Decode(&interaction); err != nil {
			logger.WarnContext(runCtx, "invalid interaction body", tint.Err(err))
			c.JSON(http.StatusBadRequest, httpError{Error: "invalid interaction body"})
			return
		}
		handler := WebhookHandler{
			ginContext:         c,
			InteractionHandler: ib.getInteractionHandlerFunc(runCtx, &interaction),
		}

		defer func() {
			if rc := recover(); rc != nil {
				ib.handleRecover(runCtx, rc)
			}
		}()
		ib.handleInteraction(runCtx, handler)
	}
}

// verifyInteractionMiddleware rejects requests without a valid discord
// signature.
// See: https://discord.com/developers/docs/interactions/overview#setting-up-an-endpoint-validating-security-request-headers
//
//nolint:lll // can't split link
func verifyInteractionMiddleware(publicKey ed25519.PublicKey) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBodyBytes)
		if !verifyRequest(c.Request, publicKey) {
			ginContextLogger(c).WarnContext(c, "invalid signature")
			c.AbortWithStatusJSON(http.StatusUnauthorized, httpError{Error: "invalid signature"})
			return
		}
		c.Next()
	}
}

// verifyRequest checks the request's signature headers against its body
// and key, and that the signature timestamp is recent. The request body
// can still be read afterward.
func verifyRequest(r *http.Request, key ed25519.PublicKey) bool {
	ts, err := strconv.ParseInt(r.Header.Get(headerSignatureTime), 10, 64)
	if err != nil {
		return false
	}
	if age := time.Since(time.Unix(ts, 0)); age > maxWebhookSignatureAge || age < -maxWebhookSignatureAge {
		return false
	}
	return discordgo.VerifyInteraction(r, key)
}
