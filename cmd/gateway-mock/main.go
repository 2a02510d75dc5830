package main

import (
	"context"
	"fmt"
	"math/rand"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// MessageResource mirrors the fields the relay reads from the gateway.
type MessageResource struct {
	SID          string  `json:"sid"`
	AccountSID   string  `json:"account_sid"`
	Status       string  `json:"status"`
	To           string  `json:"to"`
	From         string  `json:"from"`
	Body         string  `json:"body"`
	NumMedia     string  `json:"num_media"`
	ErrorCode    *int    `json:"error_code"`
	ErrorMessage *string `json:"error_message"`
	DateCreated  string  `json:"date_created"`
	DateUpdated  string  `json:"date_updated"`
}

type apiError struct {
	Code     int    `json:"code"`
	Message  string `json:"message"`
	MoreInfo string `json:"more_info"`
	Status   int    `json:"status"`
}

type callback struct {
	status string
	code   string
	msg    string
}

// MockGateway simulates a WhatsApp messaging gateway. Status callbacks can
// be delivered late, shuffled and duplicated to exercise reconciliation.
type MockGateway struct {
	mu            sync.Mutex
	deliveryRate  float64
	throttleRate  float64
	shuffleRate   float64
	duplicateRate float64
	readRate      float64
	minDelay      time.Duration
	maxDelay      time.Duration
	rng           *rand.Rand

	messages map[string]*MessageResource
	client   *http.Client
}

func NewMockGateway(deliveryRate float64, minDelay, maxDelay time.Duration) *MockGateway {
	return &MockGateway{
		deliveryRate: deliveryRate,
		readRate:     0.7,
		minDelay:     minDelay,
		maxDelay:     maxDelay,
		rng:          rand.New(rand.NewSource(time.Now().UnixNano())),
		messages:     make(map[string]*MessageResource),
		client:       &http.Client{Timeout: 5 * time.Second},
	}
}

func (m *MockGateway) chance(p float64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rng.Float64() < p
}

func (m *MockGateway) randomDelay() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	delta := m.maxDelay - m.minDelay
	if delta <= 0 {
		return m.minDelay
	}
	return m.minDelay + time.Duration(m.rng.Int63n(int64(delta)))
}

func (m *MockGateway) rates() (delivery, throttle, shuffle, duplicate, read float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deliveryRate, m.throttleRate, m.shuffleRate, m.duplicateRate, m.readRate
}

// plan builds the callback sequence for one message.
func (m *MockGateway) plan() []callback {
	delivery, _, shuffle, duplicate, read := m.rates()

	seq := []callback{{status: "sent"}}
	if m.chance(delivery) {
		seq = append(seq, callback{status: "delivered"})
		if m.chance(read) {
			seq = append(seq, callback{status: "read"})
		}
	} else {
		seq = append(seq, callback{status: "undelivered", code: "63024", msg: "Invalid message recipient"})
	}

	if m.chance(shuffle) {
		m.mu.Lock()
		m.rng.Shuffle(len(seq), func(i, j int) { seq[i], seq[j] = seq[j], seq[i] })
		m.mu.Unlock()
	}
	if m.chance(duplicate) {
		seq = append(seq, seq[len(seq)-1])
	}
	return seq
}

func (m *MockGateway) deliverCallbacks(sid, callbackURL string, seq []callback) {
	for _, cb := range seq {
		time.Sleep(m.randomDelay())

		form := url.Values{}
		form.Set("MessageSid", sid)
		form.Set("MessageStatus", cb.status)
		if cb.code != "" {
			form.Set("ErrorCode", cb.code)
			form.Set("ErrorMessage", cb.msg)
		}

		m.mu.Lock()
		if res, ok := m.messages[sid]; ok {
			res.Status = cb.status
			res.DateUpdated = time.Now().UTC().Format(time.RFC1123Z)
		}
		m.mu.Unlock()

		resp, err := m.client.PostForm(callbackURL, form)
		if err != nil {
			log.Warn().Err(err).Str("sid", sid).Str("status", cb.status).Msg("Status callback failed")
			continue
		}
		resp.Body.Close()
		log.Info().Str("sid", sid).Str("status", cb.status).Int("code", resp.StatusCode).Msg("Status callback delivered")
	}
}

type Handler struct {
	gateway         *MockGateway
	inboundCallback string
}

func NewHandler(gateway *MockGateway, inboundCallback string) *Handler {
	return &Handler{gateway: gateway, inboundCallback: inboundCallback}
}

func writeAPIError(c *gin.Context, status, code int, msg string) {
	c.JSON(status, apiError{Code: code, Message: msg, Status: status, MoreInfo: "https://www.twilio.com/docs/errors/" + strconv.Itoa(code)})
}

// CreateMessage handles POST /2010-04-01/Accounts/:sid/Messages.json
func (h *Handler) CreateMessage(c *gin.Context) {
	accountSID := c.Param("sid")
	if user, _, ok := c.Request.BasicAuth(); !ok || user != accountSID {
		writeAPIError(c, http.StatusUnauthorized, 20003, "Authenticate")
		return
	}

	_, throttle, _, _, _ := h.gateway.rates()
	if h.gateway.chance(throttle) {
		log.Warn().Msg("Throttling submission")
		writeAPIError(c, http.StatusTooManyRequests, 20429, "Too Many Requests")
		return
	}

	to, from := c.PostForm("To"), c.PostForm("From")
	if !strings.HasPrefix(to, "whatsapp:+") || !strings.HasPrefix(from, "whatsapp:+") {
		writeAPIError(c, http.StatusBadRequest, 21211, "Invalid 'To' or 'From' WhatsApp address")
		return
	}
	body, contentSID := c.PostForm("Body"), c.PostForm("ContentSid")
	media := c.PostFormArray("MediaUrl")
	if body == "" && contentSID == "" && len(media) == 0 {
		writeAPIError(c, http.StatusBadRequest, 21619, "A text message body, media url or content sid is required")
		return
	}

	now := time.Now().UTC().Format(time.RFC1123Z)
	res := &MessageResource{
		SID:         "SM" + strings.ReplaceAll(uuid.NewString(), "-", ""),
		AccountSID:  accountSID,
		Status:      "queued",
		To:          to,
		From:        from,
		Body:        body,
		NumMedia:    strconv.Itoa(len(media)),
		DateCreated: now,
		DateUpdated: now,
	}
	h.gateway.mu.Lock()
	h.gateway.messages[res.SID] = res
	snapshot := *res
	h.gateway.mu.Unlock()

	log.Info().Str("sid", res.SID).Str("to", to).Bool("template", contentSID != "").Msg("Accepted message")

	if cb := c.PostForm("StatusCallback"); cb != "" {
		go h.gateway.deliverCallbacks(res.SID, cb, h.gateway.plan())
	}
	c.JSON(http.StatusCreated, snapshot)
}

// FetchMessage handles GET /2010-04-01/Accounts/:sid/Messages/:file
func (h *Handler) FetchMessage(c *gin.Context) {
	sid := strings.TrimSuffix(c.Param("file"), ".json")

	h.gateway.mu.Lock()
	res, ok := h.gateway.messages[sid]
	var snapshot MessageResource
	if ok {
		snapshot = *res
	}
	h.gateway.mu.Unlock()

	if !ok {
		writeAPIError(c, http.StatusNotFound, 20404, "The requested resource was not found")
		return
	}
	c.JSON(http.StatusOK, snapshot)
}

// SimulateInbound posts an inbound message to the relay's incoming webhook.
func (h *Handler) SimulateInbound(c *gin.Context) {
	var req struct {
		From        string `json:"from" binding:"required"`
		To          string `json:"to" binding:"required"`
		Body        string `json:"body"`
		ProfileName string `json:"profileName"`
		Repeat      int    `json:"repeat"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request", "details": err.Error()})
		return
	}
	if h.inboundCallback == "" {
		c.JSON(http.StatusPreconditionFailed, gin.H{"error": "INBOUND_WEBHOOK_URL is not configured"})
		return
	}

	sid := "SM" + strings.ReplaceAll(uuid.NewString(), "-", "")
	form := url.Values{}
	form.Set("MessageSid", sid)
	form.Set("From", "whatsapp:"+strings.TrimPrefix(req.From, "whatsapp:"))
	form.Set("To", "whatsapp:"+strings.TrimPrefix(req.To, "whatsapp:"))
	form.Set("Body", req.Body)
	form.Set("ProfileName", req.ProfileName)
	form.Set("NumMedia", "0")

	sends := 1 + req.Repeat
	for i := 0; i < sends; i++ {
		resp, err := h.gateway.client.PostForm(h.inboundCallback, form)
		if err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}
		resp.Body.Close()
	}
	log.Info().Str("sid", sid).Int("sends", sends).Msg("Inbound message delivered")
	c.JSON(http.StatusOK, gin.H{"sid": sid, "sends": sends})
}

func (h *Handler) HealthCheck(c *gin.Context) {
	delivery, throttle, shuffle, duplicate, _ := h.gateway.rates()
	c.JSON(http.StatusOK, gin.H{
		"status":         "healthy",
		"timestamp":      time.Now(),
		"delivery_rate":  delivery,
		"throttle_rate":  throttle,
		"shuffle_rate":   shuffle,
		"duplicate_rate": duplicate,
	})
}

// UpdateConfig allows changing gateway behaviour at runtime
func (h *Handler) UpdateConfig(c *gin.Context) {
	var config struct {
		DeliveryRate  *float64 `json:"delivery_rate"`
		ThrottleRate  *float64 `json:"throttle_rate"`
		ShuffleRate   *float64 `json:"shuffle_rate"`
		DuplicateRate *float64 `json:"duplicate_rate"`
		ReadRate      *float64 `json:"read_rate"`
	}
	if err := c.ShouldBindJSON(&config); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request", "details": err.Error()})
		return
	}

	set := func(dst *float64, v *float64) {
		if v != nil && *v >= 0 && *v <= 1.0 {
			*dst = *v
		}
	}
	h.gateway.mu.Lock()
	set(&h.gateway.deliveryRate, config.DeliveryRate)
	set(&h.gateway.throttleRate, config.ThrottleRate)
	set(&h.gateway.shuffleRate, config.ShuffleRate)
	set(&h.gateway.duplicateRate, config.DuplicateRate)
	set(&h.gateway.readRate, config.ReadRate)
	h.gateway.mu.Unlock()

	log.Info().Msg("Updated gateway configuration")
	h.HealthCheck(c)
}

func SetupRouter(handler *Handler) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	router.Use(func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Info().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("duration", time.Since(start)).
			Msg("Request processed")
	})

	api := router.Group("/2010-04-01/Accounts/:sid")
	{
		api.POST("/Messages.json", handler.CreateMessage)
		api.GET("/Messages/:file", handler.FetchMessage)
	}

	mock := router.Group("/mock")
	{
		mock.POST("/inbound", handler.SimulateInbound)
		mock.PUT("/config", handler.UpdateConfig)
	}

	router.GET("/health", handler.HealthCheck)
	return router
}

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	port := getEnv("PORT", "8081")
	deliveryRate := getEnvFloat("DELIVERY_RATE", 1)
	minDelay := getEnvDuration("MIN_DELAY", 500*time.Millisecond)
	maxDelay := getEnvDuration("MAX_DELAY", 2*time.Second)
	inbound := getEnv("INBOUND_WEBHOOK_URL", "")

	gateway := NewMockGateway(deliveryRate, minDelay, maxDelay)
	gateway.throttleRate = getEnvFloat("THROTTLE_RATE", 0)
	gateway.shuffleRate = getEnvFloat("SHUFFLE_RATE", 0.2)
	gateway.duplicateRate = getEnvFloat("DUPLICATE_RATE", 0.2)

	log.Info().
		Str("port", port).
		Float64("delivery_rate", deliveryRate).
		Float64("throttle_rate", gateway.throttleRate).
		Float64("shuffle_rate", gateway.shuffleRate).
		Float64("duplicate_rate", gateway.duplicateRate).
		Dur("min_delay", minDelay).
		Dur("max_delay", maxDelay).
		Msg("Starting mock WhatsApp gateway")

	router := SetupRouter(NewHandler(gateway, inbound))

	srv := &http.Server{
		Addr:         ":" + port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Str("addr", srv.Addr).Msg("Server started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Server exited")
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		var f float64
		if _, err := fmt.Sscanf(value, "%f", &f); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
