package invitebroker

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	ginPprof "github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	pprofPrefix            = "/debug"
	apiPrefix              = "/api"
	apiHealthCheck         = "/healthz"
	apiMetrics             = "/metrics"
	apiPathCapacity        = "/capacity"
	apiPathInstances       = "/instances"
	apiPathGuild           = "/guilds/:guild_id"
	apiPathGuildAssign     = "/guilds/:guild_id/assign"
	apiDiscordInteractions = "/discord/interactions"

	xRequestIDHeader = "X-Request-ID"

	healthStatusOK    = "ok"
	healthStatusError = "error"
)

var (
	structValidator = validator.New()
)

func init() {
	structValidator.SetTagName("binding")
}

// API is the operator HTTP API.
//
// It exposes health checks, capacity and instance management, guild
// lookups and manual assignment, and (optionally) prometheus metrics.
type API struct {
	config     *APIConfig
	httpServer *http.Server
	listener   net.Listener
	engine     *gin.Engine
	logger     *slog.Logger
	ib         *InviteBroker
}

// newAPI initializes and returns a new instance of the API struct.
//
// Parameters:
//   - ib: The InviteBroker the API serves.
//   - config: API settings. If SSL is enabled, the cert and key are loaded here.
//   - development: Enables gin debug mode and pprof endpoints.
func newAPI(ib *InviteBroker, config *APIConfig, development bool) (*API, error) {
	r := gin.New()

	api := &API{
		config: config,
		engine: r,
		ib:     ib,
		logger: slog.New(newHandler(config.LogLevel)).With(loggerNameKey, "api"),
	}

	httpServer := &http.Server{
		Addr:              config.Listen,
		Handler:           r,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}
	if config.SSL.Enabled() {
		tlsCfg, e := tlsConfig(
			config.SSL.Cert,
			config.SSL.Key,
			config.SSL.TLSMinVersion,
		)
		if e != nil {
			return nil, fmt.Errorf("error loading SSL certs: %w", e)
		}
		httpServer.TLSConfig = tlsCfg
	}
	api.httpServer = httpServer

	corsConfig := config.CORS.GINConfig()
	if len(corsConfig.AllowOrigins) == 0 {
		corsConfig.AllowAllOrigins = true
		corsConfig.AllowCredentials = false
	}

	if development {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
		r.Use(gin.Recovery())
	}
	r.Use(
		requestIDMiddleware(),
		ginLoggingMiddleware(),
		cors.New(corsConfig),
	)

	r.GET(apiHealthCheck, api.healthCheck)
	if config.MetricsEnabled && ib.metrics != nil {
		r.GET(
			apiMetrics,
			gin.WrapH(promhttp.HandlerFor(ib.metrics.registry, promhttp.HandlerOpts{})),
		)
	}
	if development {
		ginPprof.Register(r, pprofPrefix)
	}

	g := r.Group(apiPrefix)
	g.GET(apiPathCapacity, api.getCapacity)
	g.GET(apiPathInstances, api.getInstances)
	g.POST(apiPathInstances, api.registerInstance)
	g.GET(apiPathGuild, api.getGuild)
	g.POST(apiPathGuildAssign, api.assignGuild)

	return api, nil
}

func (a *API) Serve(ctx context.Context) error {
	if a.listener == nil {
		ln, err := listen(ctx, a.config.ListenNetwork, a.config.Listen, a.httpServer.TLSConfig)
		if err != nil {
			return fmt.Errorf("error starting API listener: %w", err)
		}
		if a.httpServer.TLSConfig == nil {
			a.logger.WarnContext(ctx, "serving API without TLS")
		}
		a.listener = ln
	}
	a.logger.InfoContext(ctx, "serving API", "addr", a.listener.Addr().String())
	return a.httpServer.Serve(a.listener)
}

// httpError represents an error message returned to the client
type httpError struct {
	Error string `json:"error"`
	Code  int    `json:"code,omitempty"`
}

type healthCheckResponse struct {
	DiscordGatewayConnected bool   `json:"discord_gateway_connected"`
	Database                string `json:"database"`
}

type capacityResponse struct {
	AvailableSlots int64 `json:"available_slots"`
}

type instancesResponse struct {
	Instances      []InstanceLoad `json:"instances"`
	AvailableSlots int64          `json:"available_slots"`
}

// healthCheck reports the discord gateway connection status and
// whether the database can be reached. Returns 503 if the database
// can't be reached.
func (a *API) healthCheck(c *gin.Context) {
	resp := healthCheckResponse{Database: healthStatusOK}
	if a.ib.discord != nil {
		resp.DiscordGatewayConnected = a.ib.discord.connected.Load()
	}

	status := http.StatusOK
	if err := a.ib.pingDB(c.Request.Context()); err != nil {
		ginContextLogger(c).Error("database ping failed", tint.Err(err))
		resp.Database = healthStatusError
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, resp)
}

func (a *API) getCapacity(c *gin.Context) {
	available, err := a.ib.allocator.RemainingCapacity(c.Request.Context())
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, capacityResponse{AvailableSlots: available})
}

func (a *API) getInstances(c *gin.Context) {
	ctx := c.Request.Context()
	loads, err := a.ib.allocator.InstanceLoads(ctx)
	if err != nil {
		abortWithError(c, err)
		return
	}
	available, err := a.ib.allocator.RemainingCapacity(ctx)
	if err != nil {
		abortWithError(c, err)
		return
	}
	if loads == nil {
		loads = []InstanceLoad{}
	}
	c.JSON(http.StatusOK, instancesResponse{Instances: loads, AvailableSlots: available})
}

func (a *API) registerInstance(c *gin.Context) {
	var instance PrivateBotInstance
	if err := c.ShouldBindJSON(&instance); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}
	created, err := a.ib.allocator.RegisterInstance(c.Request.Context(), instance)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, created)
}

func (a *API) getGuild(c *gin.Context) {
	guild, err := a.ib.allocator.GetGuildSpecification(
		c.Request.Context(),
		c.Param("guild_id"),
	)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, guild)
}

// assignGuild assigns a private bot instance to the given guild, creating
// the guild's GuildSpecification if needed. Unlike `/invite private`, no
// supporter check is done.
func (a *API) assignGuild(c *gin.Context) {
	ctx := c.Request.Context()
	guildID := c.Param("guild_id")

	if _, err := a.ib.allocator.ensureGuildSpecification(ctx, guildID, ""); err != nil {
		abortWithError(c, err)
		return
	}
	assignment, err := a.ib.allocator.Assign(ctx, guildID)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, assignment)
}

// errorStatus maps an error to the HTTP status code it should be
// returned with
func errorStatus(err error) int {
	var e *Error
	if !errors.As(err, &e) {
		return http.StatusInternalServerError
	}
	switch e.Kind {
	case KindInvalidContext, KindValidation:
		return http.StatusBadRequest
	case KindNotSupporter:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindCapacityExhausted:
		return http.StatusConflict
	case KindConflict, KindConnection:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// abortWithError logs err and aborts the request with the matching
// status code
func abortWithError(c *gin.Context, err error) {
	status := errorStatus(err)
	_ = c.Error(err)

	resp := httpError{Error: err.Error()}
	var e *Error
	if errors.As(err, &e) {
		resp.Code = e.Code()
	}
	c.AbortWithStatusJSON(status, resp)
}

// requestIDMiddleware generates a Gin middleware function that assigns a
// unique request ID to each incoming request.
//
// It generates a random hexadecimal string and sets it in the Gin context
// under the key "X-Request-ID".
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := generateRandomHexString(32)
		if err != nil {
			c.AbortWithStatus(http.StatusInternalServerError)
			return
		}
		c.Set(xRequestIDHeader, id)
		c.Header(xRequestIDHeader, id)
		c.Next()
	}
}

// ginContextLogger returns the slog.Logger from the given gin context,
// or, if it doesn't exist, creates a logger with request details included,
// and sets the logger in the context so the next call to ginContextLogger
// will return the new logger.
func ginContextLogger(c *gin.Context) *slog.Logger {
	var requestLogger *slog.Logger
	logger, ok := c.Get(string(loggerContextKey))
	if ok {
		requestLogger, ok = logger.(*slog.Logger)
		if ok {
			return requestLogger
		}
	}
	requestLogger = slog.Default()
	requestID, _ := c.Get(xRequestIDHeader)
	path := c.Request.URL.Path
	raw := c.Request.URL.RawQuery
	if raw != "" {
		path = path + "?" + raw
	}

	requestLogger = requestLogger.With(
		slog.Group(
			"request",
			"method", c.Request.Method,
			"path", path,
			"remote_ip", c.RemoteIP(),
			"user_agent", c.Request.UserAgent(),
		),
		slog.Any(xRequestIDHeader, requestID),
	)
	c.Set(string(loggerContextKey), requestLogger)
	return requestLogger
}

// ginLoggingMiddleware returns a Gin middleware function for logging HTTP requests.
//
// It logs the request method, path, and the duration of the request. If
// there are any errors, it logs them as well.
func ginLoggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		requestLogger := ginContextLogger(c)
		c.Next()
		latency := time.Since(start)

		errs := c.Errors.Errors()
		response := slog.Group(
			"response",
			"status_code", c.Writer.Status(),
			"body_size", c.Writer.Size(),
		)
		if len(errs) > 0 {
			requestLogger.Error(
				fmt.Sprintf("%s %s finished with errors", c.Request.Method, c.Request.URL),
				"duration", latency,
				"errors", errs,
				response,
			)
			return
		}
		requestLogger.Info(
			fmt.Sprintf("%s %s finished", c.Request.Method, c.Request.URL),
			"duration", latency,
			response,
		)
	}
}

// generateRandomHexString returns a random hex string of the given length
// (rounded up to an even number)
func generateRandomHexString(length int) (string, error) {
	if length%2 != 0 {
		length++
	}
	b := make([]byte, length/2)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
