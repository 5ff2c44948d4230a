package handlers

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"frameworks/api_dashboard/internal/aggregate"
	"frameworks/api_dashboard/internal/period"
	"frameworks/api_dashboard/internal/realtime"
	"frameworks/api_dashboard/internal/source"
	"frameworks/pkg/logging"
	"frameworks/pkg/middleware"
)

// DefaultFilterFields are the query parameters passed through as equality filters
var DefaultFilterFields = []string{"branch_id", "product_id", "currency"}

// MetricEngine is the part of aggregate.Engine the handlers call
type MetricEngine interface {
	ComputeMetric(ctx context.Context, def aggregate.Definition, token period.Token, explicit *period.Range, filters []source.Filter) (aggregate.Result, error)
	ComputeDashboard(ctx context.Context, defs []aggregate.Definition, token period.Token, explicit *period.Range, filters []source.Filter) []aggregate.Result
}

// ChannelLister reports change-feed channels
type ChannelLister interface {
	Statuses() []realtime.Status
}

// Hub serves browser websocket connections
type Hub interface {
	ServeWS(w http.ResponseWriter, r *http.Request)
	Stats() map[string]interface{}
}

type Config struct {
	Engine       MetricEngine
	Catalog      *aggregate.Catalog
	Periods      *period.Resolver
	Channels     ChannelLister
	Hub          Hub
	Logger       logging.Logger
	FilterFields []string
}

// DashboardHandlers serves the dashboard HTTP API
type DashboardHandlers struct {
	engine       MetricEngine
	catalog      *aggregate.Catalog
	periods      *period.Resolver
	channels     ChannelLister
	hub          Hub
	logger       logging.Logger
	filterFields []string
}

func NewDashboardHandlers(cfg Config) *DashboardHandlers {
	fields := cfg.FilterFields
	if len(fields) == 0 {
		fields = DefaultFilterFields
	}
	periods := cfg.Periods
	if periods == nil {
		periods = period.NewResolver(nil)
	}
	return &DashboardHandlers{
		engine:       cfg.Engine,
		catalog:      cfg.Catalog,
		periods:      periods,
		channels:     cfg.Channels,
		hub:          cfg.Hub,
		logger:       logging.OrDiscard(cfg.Logger),
		filterFields: fields,
	}
}

// RegisterRoutes mounts the API under /api/v1 and the hub under /ws
func (h *DashboardHandlers) RegisterRoutes(r gin.IRouter) {
	v1 := r.Group("/api/v1")
	v1.GET("/period", h.HandlePeriod)
	v1.GET("/metrics", h.HandleListMetrics)
	v1.GET("/metrics/:name", h.HandleMetric)
	v1.GET("/dashboard", h.HandleDashboard)
	v1.GET("/realtime/channels", h.HandleChannels)
	if h.hub != nil {
		r.GET("/ws", h.HandleWebSocket)
	}
}

// HandlePeriod resolves a period token into its current and previous windows
func (h *DashboardHandlers) HandlePeriod(c *gin.Context) {
	token, explicit, err := parsePeriod(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	w := h.periods.Resolve(token, explicit)
	c.JSON(http.StatusOK, gin.H{
		"period":          token,
		"window":          w,
		"previous_window": period.PreviousWindow(w),
	})
}

func (h *DashboardHandlers) HandleListMetrics(c *gin.Context) {
	type metricInfo struct {
		Name        string `json:"name"`
		Title       string `json:"title,omitempty"`
		Description string `json:"description,omitempty"`
		Unit        string `json:"unit,omitempty"`
	}
	defs, _ := h.catalog.Select(nil)
	out := make([]metricInfo, 0, len(defs))
	for _, d := range defs {
		out = append(out, metricInfo{Name: d.Name, Title: d.Title, Description: d.Description, Unit: d.Unit})
	}
	c.JSON(http.StatusOK, gin.H{"metrics": out, "periods": period.Tokens()})
}

// HandleMetric computes one catalog metric
func (h *DashboardHandlers) HandleMetric(c *gin.Context) {
	name := c.Param("name")
	def, ok := h.catalog.Get(name)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "Unknown metric"})
		return
	}

	token, explicit, err := parsePeriod(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	res, err := h.engine.ComputeMetric(c.Request.Context(), def, token, explicit, h.parseFilters(c))
	if err != nil {
		middleware.RequestLogger(c, h.logger).WithError(err).WithField("metric", name).Error("Failed to compute metric")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to compute metric"})
		return
	}
	c.JSON(http.StatusOK, res)
}

// HandleDashboard computes several catalog metrics at once, all of them by default
func (h *DashboardHandlers) HandleDashboard(c *gin.Context) {
	var names []string
	if raw := c.Query("metrics"); raw != "" {
		for _, n := range strings.Split(raw, ",") {
			if n = strings.TrimSpace(n); n != "" {
				names = append(names, n)
			}
		}
	}
	defs, err := h.catalog.Select(names)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}

	token, explicit, err := parsePeriod(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	start := time.Now()
	results := h.engine.ComputeDashboard(c.Request.Context(), defs, token, explicit, h.parseFilters(c))

	degraded := 0
	for _, r := range results {
		if r.Degraded {
			degraded++
		}
	}
	middleware.RequestLogger(c, h.logger).WithFields(logging.Fields{
		"metrics":  len(results),
		"degraded": degraded,
		"period":   token,
		"duration": time.Since(start),
	}).Debug("Computed dashboard")

	c.JSON(http.StatusOK, gin.H{
		"period":   token,
		"metrics":  results,
		"degraded": degraded > 0,
	})
}

// HandleChannels reports change-feed channel status and hub stats
func (h *DashboardHandlers) HandleChannels(c *gin.Context) {
	resp := gin.H{"channels": []realtime.Status{}}
	if h.channels != nil {
		resp["channels"] = h.channels.Statuses()
	}
	if h.hub != nil {
		resp["websocket"] = h.hub.Stats()
	}
	c.JSON(http.StatusOK, resp)
}

// HandleWebSocket serves browser connections for change events
func (h *DashboardHandlers) HandleWebSocket(c *gin.Context) {
	h.hub.ServeWS(c.Writer, c.Request)
}

// parseFilters keeps only allow-listed query parameters
func (h *DashboardHandlers) parseFilters(c *gin.Context) []source.Filter {
	var filters []source.Filter
	for _, field := range h.filterFields {
		if v, ok := c.GetQuery(field); ok && v != "" {
			filters = append(filters, source.Eq(field, v))
		}
	}
	return filters
}

// parsePeriod reads period (or token) plus optional start/end bounds. Bounds
// imply the custom token.
func parsePeriod(c *gin.Context) (period.Token, *period.Range, error) {
	raw := c.Query("period")
	if raw == "" {
		raw = c.Query("token")
	}
	token := period.ParseToken(raw)
	if !token.Valid() {
		token = period.DefaultToken
	}

	startRaw, endRaw := c.Query("start"), c.Query("end")
	if startRaw == "" && endRaw == "" {
		return token, nil, nil
	}
	if startRaw == "" || endRaw == "" {
		return "", nil, fmt.Errorf("start and end must be given together")
	}
	start, err := parseTime(startRaw)
	if err != nil {
		return "", nil, fmt.Errorf("invalid start: %w", err)
	}
	end, err := parseTime(endRaw)
	if err != nil {
		return "", nil, fmt.Errorf("invalid end: %w", err)
	}
	return period.Custom, &period.Range{Start: start, End: end}, nil
}

func parseTime(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.Parse(time.DateOnly, s)
}
