package soundcord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/pprof"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/securecookie"
	"github.com/lmittmann/tint"
	"golang.org/x/time/rate"
)

const (
	xRequestIDHeader  = "X-Request-ID"
	sessionCookieName = "soundcord_session"
	sessionUserKey    = "username"
	requestIDLength   = 16
)

var structValidator = validator.New()

func init() {
	structValidator.SetTagName("binding")
}

// API is the companion web server: session-authenticated sound CRUD and
// playback triggering, alongside a health endpoint.
type API struct {
	config       *APIConfig
	bot          *Soundcord
	logger       *slog.Logger
	engine       *gin.Engine
	httpServer   *http.Server
	passwordHash string

	// loginLimiter throttles login attempts across all clients.
	loginLimiter *rate.Limiter
}

func newAPI(bot *Soundcord, config *APIConfig) (*API, error) {
	logger := bot.logger.With(loggerNameKey, "api")

	passwordHash, err := hashPassword(config.AdminPassword)
	if err != nil {
		return nil, fmt.Errorf("error hashing admin password: %w", err)
	}

	a := &API{
		config:       config,
		bot:          bot,
		logger:       logger,
		passwordHash: passwordHash,
		loginLimiter: rate.NewLimiter(rate.Every(time.Second), 1),
	}

	var sessionKey []byte
	if config.Secret == "" {
		sessionKey = securecookie.GenerateRandomKey(32)
		if sessionKey == nil {
			return nil, errors.New("error generating session key")
		}
		logger.Warn("no api secret configured, sessions will not survive restarts")
	} else {
		sessionKey = derive64ByteKey(config.Secret)[:32]
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(a.requestIDMiddleware())
	engine.Use(a.loggingMiddleware())

	corsConfig := config.GINCORSConfig()
	if len(corsConfig.AllowOrigins) == 0 {
		if bot.config.Development {
			corsConfig.AllowAllOrigins = true
			corsConfig.AllowCredentials = false
		} else {
			corsConfig.AllowOrigins = []string{"http://" + config.Listen}
		}
	}
	engine.Use(cors.New(corsConfig))

	store := cookie.NewStore(sessionKey)
	store.Options(sessions.Options{
		Path:     "/",
		MaxAge:   int(config.SessionMaxAge.Seconds()),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	engine.Use(sessions.Sessions(sessionCookieName, store))

	a.registerRoutes(engine)
	if bot.config.Development {
		pprof.Register(engine)
	}
	a.engine = engine

	a.httpServer = &http.Server{
		Addr:              config.Listen,
		Handler:           engine,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
	}
	return a, nil
}

func (a *API) registerRoutes(engine *gin.Engine) {
	engine.GET("/api/healthz", a.handleHealth)
	engine.POST("/api/login", a.handleLogin)
	engine.POST("/api/logout", a.handleLogout)

	authed := engine.Group("/api", a.requireSession())
	authed.GET("/guilds", a.handleListGuilds)
	authed.GET("/guilds/:guild_id", a.handleGetGuild)
	authed.PATCH("/guilds/:guild_id", a.handleUpdateGuild)
	authed.GET("/guilds/:guild_id/sounds", a.handleListSounds)
	authed.POST("/guilds/:guild_id/sounds", a.handleUploadSound)
	authed.DELETE("/guilds/:guild_id/sounds/:id", a.handleDeleteSound)
	authed.POST("/guilds/:guild_id/sounds/:id/play", a.handlePlaySound)
}

// Serve runs the HTTP server until ctx is cancelled, then shuts it down
// gracefully within the configured shutdown timeout.
func (a *API) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("api listening", "listen", a.config.Listen)
		err := a.httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(
		context.Background(),
		a.bot.config.ShutdownTimeout,
	)
	defer cancel()
	if err := a.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("error shutting down api server: %w", err)
	}
	return <-errCh
}

func (a *API) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader(xRequestIDHeader)
		if requestID == "" {
			generated, err := generateRandomHexString(requestIDLength)
			if err == nil {
				requestID = generated
			}
		}
		c.Header(xRequestIDHeader, requestID)
		c.Set("request_id", requestID)
		c.Next()
	}
}

func (a *API) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		a.logger.Info(
			"request",
			slog.Group(
				"http",
				"method", c.Request.Method,
				"path", c.Request.URL.Path,
				"status", c.Writer.Status(),
				"duration", time.Since(start),
				"request_id", c.GetString("request_id"),
				"client_ip", c.ClientIP(),
			),
		)
	}
}

// requireSession rejects requests without a logged-in session.
func (a *API) requireSession() gin.HandlerFunc {
	return func(c *gin.Context) {
		session := sessions.Default(c)
		username, _ := session.Get(sessionUserKey).(string)
		if username == "" {
			c.AbortWithStatusJSON(
				http.StatusUnauthorized,
				gin.H{"error": "authentication required"},
			)
			return
		}
		c.Set(sessionUserKey, username)
		c.Next()
	}
}

func (a *API) handleHealth(c *gin.Context) {
	c.JSON(
		http.StatusOK,
		gin.H{
			"discord_connected":  a.bot.discord.connected.Load(),
			"discord_connects":   a.bot.discord.metricConnects.Load(),
			"discord_reconnects": a.bot.discord.metricDisconnects.Load(),
			"active_guilds":      len(a.bot.voice.ActiveGuilds()),
			"uptime":             time.Since(a.bot.startedAt).String(),
		},
	)
}

type loginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

func (a *API) handleLogin(c *gin.Context) {
	if !a.loginLimiter.Allow() {
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "too many login attempts"})
		return
	}

	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "username and password required"})
		return
	}

	ok, err := verifyPassword(a.passwordHash, req.Password)
	if err != nil || !ok || req.Username != a.config.AdminUsername {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}

	session := sessions.Default(c)
	session.Set(sessionUserKey, req.Username)
	if err = session.Save(); err != nil {
		a.logger.Error("error saving session", tint.Err(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"username": req.Username})
}

func (a *API) handleLogout(c *gin.Context) {
	session := sessions.Default(c)
	session.Clear()
	session.Options(sessions.Options{Path: "/", MaxAge: -1})
	if err := session.Save(); err != nil {
		a.logger.Error("error clearing session", tint.Err(err))
	}
	c.Status(http.StatusNoContent)
}

func (a *API) handleListGuilds(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"active_guilds": a.bot.voice.ActiveGuilds()})
}

func (a *API) handleGetGuild(c *gin.Context) {
	guild, err := a.bot.guilds.Get(c.Request.Context(), c.Param("guild_id"))
	if err != nil {
		a.logger.Error("error loading guild", tint.Err(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, guild)
}

type guildUpdateRequest struct {
	SoundVolume       *float64 `json:"sound_volume" binding:"omitempty,min=0,max=5"`
	JoinSoundsEnabled *bool    `json:"join_sounds_enabled"`
}

func (a *API) handleUpdateGuild(c *gin.Context) {
	var req guildUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ctx := c.Request.Context()
	guildID := c.Param("guild_id")

	if req.SoundVolume != nil {
		if err := a.bot.guilds.SetSoundVolume(ctx, guildID, *req.SoundVolume); err != nil {
			if errors.Is(err, ErrVolumeOutOfRange) {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			a.logger.Error("error setting guild volume", tint.Err(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		}
	}
	if req.JoinSoundsEnabled != nil {
		guild, err := a.bot.guilds.Get(ctx, guildID)
		if err == nil {
			_, err = a.bot.writeDB.Update(
				guild,
				"join_sounds_enabled",
				*req.JoinSoundsEnabled,
			)
		}
		if err != nil {
			a.logger.Error("error updating guild", tint.Err(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		}
	}

	guild, err := a.bot.guilds.Get(ctx, guildID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, guild)
}

func (a *API) handleListSounds(c *gin.Context) {
	sounds, err := a.bot.sounds.ForGuild(c.Request.Context(), c.Param("guild_id"))
	if err != nil {
		a.logger.Error("error listing sounds", tint.Err(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"sounds": sounds})
}

func (a *API) handleUploadSound(c *gin.Context) {
	fileHeader, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file is required"})
		return
	}
	command := c.PostForm("command")
	if command == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "command is required"})
		return
	}

	f, err := fileHeader.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unable to read file"})
		return
	}
	defer func() {
		_ = f.Close()
	}()

	sound, err := a.bot.sounds.Create(
		c.Request.Context(),
		c.Param("guild_id"),
		"api:"+c.GetString(sessionUserKey),
		command,
		c.PostForm("description"),
		fileHeader.Filename,
		f,
	)
	switch {
	case errors.Is(err, ErrSoundExists):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, ErrSoundTooLarge),
		errors.Is(err, ErrSoundBadExtension),
		errors.Is(err, ErrSoundBadCommand):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case err != nil:
		a.logger.Error("error creating sound", tint.Err(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	default:
		c.JSON(http.StatusCreated, sound)
	}
}

func (a *API) soundFromParams(c *gin.Context) *Sound {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid sound id"})
		return nil
	}
	sound, err := a.bot.sounds.ByID(c.Request.Context(), c.Param("guild_id"), uint(id))
	if errors.Is(err, ErrSoundNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return nil
	}
	if err != nil {
		a.logger.Error("error loading sound", tint.Err(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return nil
	}
	return sound
}

func (a *API) handleDeleteSound(c *gin.Context) {
	sound := a.soundFromParams(c)
	if sound == nil {
		return
	}
	if err := a.bot.sounds.Remove(c.Request.Context(), sound); err != nil {
		a.logger.Error("error removing sound", tint.Err(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.Status(http.StatusNoContent)
}

type playSoundRequest struct {
	ChannelID string `json:"channel_id" binding:"required"`
}

// handlePlaySound triggers playback in a voice channel on behalf of the
// logged-in operator, who holds every capability.
func (a *API) handlePlaySound(c *gin.Context) {
	sound := a.soundFromParams(c)
	if sound == nil {
		return
	}
	var req playSoundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "channel_id is required"})
		return
	}

	guildID := c.Param("guild_id")
	channel := a.bot.discord.resolveVoiceChannel(req.ChannelID)
	if channel != nil && channel.GuildID != guildID {
		channel = nil
	}
	member := &Member{
		UserID:  "api:" + c.GetString(sessionUserKey),
		GuildID: guildID,
		Admin:   true,
	}

	result, err := a.bot.voice.PlaySound(c.Request.Context(), sound, member, channel)
	if err != nil {
		a.logger.Error("error playing sound", tint.Err(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "playback failed"})
		return
	}
	status := http.StatusOK
	if result.Denied != "" {
		status = http.StatusForbidden
	}
	c.JSON(status, result)
}
