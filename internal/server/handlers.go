package server

import (
	"io"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	apidocs "tunneld/docs/api"
	"tunneld/internal/api"
	"tunneld/internal/certs"
	"tunneld/internal/events"
	"tunneld/internal/health"

	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
)

// maxConfigDocument caps the body of POST /config/validate.
const maxConfigDocument = 1 << 20

// APIError is the structured error of a failed request.
type APIError struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message,omitempty"`
}

// APIResponse is the standardized response envelope.
type APIResponse struct {
	Data    interface{} `json:"data,omitempty"`
	Message string      `json:"message,omitempty"`
	Error   *APIError   `json:"error,omitempty"`
}

func writeError(c *gin.Context, statusCode int, message string) {
	c.JSON(statusCode, APIResponse{
		Error: &APIError{
			Error:   http.StatusText(statusCode),
			Code:    statusCode,
			Message: message,
		},
	})
}

func writeSuccess(c *gin.Context, data interface{}, message string) {
	c.JSON(http.StatusOK, APIResponse{Data: data, Message: message})
}

// setupRoutes defines all API endpoints.
func (s *Server) setupRoutes() {
	r := gin.New()

	r.Use(gin.Logger())
	r.Use(gin.Recovery())
	r.Use(gzip.Gzip(gzip.DefaultCompression))
	r.Use(s.corsMiddleware())
	r.Use(s.securityHeadersMiddleware())

	// Optional: OpenAPI request validation
	if s.apiValidator == nil {
		if os.Getenv("TUNNELD_API_VALIDATE") == "1" {
			if v, err := newOpenAPIValidator(); err == nil {
				s.apiValidator = v
			} else {
				log.Printf("OpenAPI validation disabled: %v", err)
			}
		}
	}
	if s.apiValidator != nil {
		r.Use(s.apiValidator.Middleware())
	}

	// ACME HTTP-01 challenges for managed hosts
	r.GET("/.well-known/acme-challenge/:token", func(c *gin.Context) {
		if s.cfg.Challenges == nil {
			c.Status(http.StatusNotFound)
			return
		}
		h := s.cfg.Challenges.Handler()
		if h == nil {
			c.Status(http.StatusNotFound)
			return
		}
		h.ServeHTTP(c.Writer, c.Request)
	})

	v1 := r.Group("/api/v1")
	{
		// Serve the OpenAPI document for tooling/debug
		v1.GET("/openapi.yaml", func(c *gin.Context) {
			c.Data(http.StatusOK, "application/yaml; charset=utf-8", apidocs.Doc)
		})

		v1.GET("/status", s.handleStatus)
		v1.GET("/config", s.handleConfig)
		v1.POST("/config/validate", s.handleConfigValidate)
		v1.GET("/units", s.handleUnits)
		v1.GET("/units/:name", s.handleUnit)
		v1.POST("/apply", s.handleApply)
		v1.GET("/generations", s.handleGenerations)
		v1.GET("/certificates", s.handleCertificates)
		v1.POST("/certificates/:name/renew", s.handleCertificateRenew)
		v1.GET("/preflight", s.handlePreflight)
		v1.GET("/events", s.handleEvents)
		v1.GET("/version", s.handleVersion)
	}

	r.GET("/health/live", s.handleHealthLive)
	r.GET("/health/ready", s.handleHealthReady)
	r.GET("/health/detail", s.handleHealthDetail)
	r.GET("/version", s.handleVersion)

	s.router = r
}

func (s *Server) handleStatus(c *gin.Context) {
	s.mu.RLock()
	res := s.lastResult
	gen := s.lastGen
	lastErr := s.lastErr
	appliedAt := s.appliedAt
	s.mu.RUnlock()

	payload := gin.H{
		"service": "tunneld",
		"version": s.cfg.Version,
		"overall": s.tracker.Overall().String(),
	}
	if res != nil {
		payload["config_hash"] = res.ConfigHash
		if res.Registry != nil {
			payload["units"] = res.Registry.Len()
		}
	}
	if gen != nil {
		payload["generation"] = gen.ID
	}
	if !appliedAt.IsZero() {
		payload["applied_at"] = appliedAt
	}
	if lastErr != "" {
		payload["last_error"] = lastErr
	}
	c.JSON(http.StatusOK, payload)
}

func (s *Server) handleConfig(c *gin.Context) {
	res, err := s.cfg.Generator.Build()
	if err != nil {
		status := http.StatusUnprocessableEntity
		payload := gin.H{"error": err.Error()}
		if res != nil {
			payload["config_hash"] = res.ConfigHash
			if len(res.Diagnostics) > 0 {
				payload["diagnostics"] = res.Diagnostics
			}
		}
		c.JSON(status, payload)
		return
	}
	payload := gin.H{
		"config_hash": res.ConfigHash,
		"enable":      res.Config.Enable,
		"package":     res.Config.Binary(),
		"servers":     len(res.Config.Servers),
		"clients":     len(res.Config.Clients),
		"document":    res.Config,
	}
	c.JSON(http.StatusOK, payload)
}

func (s *Server) handleConfigValidate(c *gin.Context) {
	contentType := c.GetHeader("Content-Type")
	if !strings.Contains(contentType, "yaml") && !strings.Contains(contentType, "application/json") {
		writeError(c, http.StatusUnsupportedMediaType, "Content-Type must be application/x-yaml, text/yaml, or application/json")
		return
	}
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxConfigDocument))
	if err != nil {
		writeError(c, http.StatusBadRequest, "failed to read request body")
		return
	}

	res, err := s.cfg.Generator.CheckBytes(body)
	if res == nil {
		writeError(c, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil && len(res.Diagnostics) == 0 {
		writeError(c, http.StatusBadRequest, err.Error())
		return
	}
	if len(res.Diagnostics) > 0 {
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"valid":       false,
			"config_hash": res.ConfigHash,
			"diagnostics": res.Diagnostics,
		})
		return
	}
	payload := gin.H{
		"valid":       true,
		"config_hash": res.ConfigHash,
	}
	if res.Registry != nil {
		payload["units"] = res.Registry.Len()
	}
	c.JSON(http.StatusOK, payload)
}

func (s *Server) unitView(d *api.ServiceDescriptor) gin.H {
	view := gin.H{
		"name":        d.Name,
		"unit":        d.UnitName(),
		"kind":        d.Kind,
		"entry":       d.Entry,
		"description": d.Description,
		"auto_start":  d.AutoStart,
		"command":     d.Invocation.Command(),
	}
	s.mu.RLock()
	if st, ok := s.unitStates[d.UnitName()]; ok {
		view["active_state"] = st.ActiveState
		view["sub_state"] = st.SubState
		view["load_state"] = st.LoadState
	}
	s.mu.RUnlock()
	return view
}

func (s *Server) handleUnits(c *gin.Context) {
	res, err := s.currentResult()
	if err != nil {
		payload := gin.H{"error": err.Error()}
		if res != nil && len(res.Diagnostics) > 0 {
			payload["diagnostics"] = res.Diagnostics
		}
		c.JSON(http.StatusUnprocessableEntity, payload)
		return
	}
	out := make([]gin.H, 0, res.Registry.Len())
	for _, name := range res.Registry.Names() {
		if d, ok := res.Registry.Get(name); ok {
			out = append(out, s.unitView(d))
		}
	}
	c.JSON(http.StatusOK, gin.H{"units": out})
}

func (s *Server) handleUnit(c *gin.Context) {
	name := strings.TrimSuffix(c.Param("name"), ".service")
	res, err := s.currentResult()
	if err != nil {
		writeError(c, http.StatusUnprocessableEntity, err.Error())
		return
	}
	d, ok := res.Registry.Get(name)
	if !ok {
		writeError(c, http.StatusNotFound, "no such unit: "+name)
		return
	}
	c.JSON(http.StatusOK, s.unitView(d))
}

func (s *Server) handleApply(c *gin.Context) {
	gen, res, err := s.Apply(c.Request.Context())
	if err != nil {
		status := http.StatusInternalServerError
		if res != nil && res.Diagnostics.HasKind(api.ErrorKindSchemaViolation) {
			status = http.StatusUnprocessableEntity
		}
		payload := gin.H{"error": err.Error()}
		if res != nil && len(res.Diagnostics) > 0 {
			payload["diagnostics"] = res.Diagnostics
		}
		c.JSON(status, payload)
		return
	}

	if s.cfg.Bus != nil {
		s.cfg.Bus.Publish(events.Event{Topic: events.TopicAudit, Payload: events.AuditEvent{
			Kind:   "apply",
			Time:   time.Now().UTC(),
			Source: c.ClientIP(),
		}})
	}

	data := gin.H{"config_hash": res.ConfigHash}
	if res.Registry != nil {
		data["units"] = res.Registry.Len()
	}
	if len(res.Diagnostics) > 0 {
		data["diagnostics"] = res.Diagnostics
	}
	if gen != nil {
		data["generation"] = gen.ID
	}
	writeSuccess(c, data, "generation applied")
}

func (s *Server) handleGenerations(c *gin.Context) {
	if s.cfg.State == nil {
		writeError(c, http.StatusServiceUnavailable, "generation store disabled")
		return
	}
	limit := 20
	if raw := c.Query("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 1 || v > 100 {
			writeError(c, http.StatusBadRequest, "limit must be between 1 and 100")
			return
		}
		limit = v
	}
	gens, err := s.cfg.State.Generations(c.Request.Context(), limit)
	if err != nil {
		writeError(c, http.StatusInternalServerError, "failed to list generations: "+err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"generations": gens})
}

func (s *Server) handleCertificates(c *gin.Context) {
	list, err := s.cfg.Certs.List()
	if err != nil {
		writeError(c, http.StatusInternalServerError, "failed to list certificates: "+err.Error())
		return
	}
	issuanceDir := s.cfg.Certs.IssuanceDir()
	out := make([]gin.H, 0, len(list))
	for _, mc := range list {
		out = append(out, gin.H{
			"host":          mc.Host,
			"cert_path":     mc.CertificatePath,
			"key_path":      mc.KeyPath,
			"owner_group":   mc.OwnerGroup,
			"not_after":     mc.NotAfter,
			"managed":       mc.Source == issuanceDir,
			"needs_renewal": mc.NeedsRenewal(certs.DefaultRenewalWindow),
		})
	}
	c.JSON(http.StatusOK, gin.H{"certificates": out})
}

func (s *Server) handleCertificateRenew(c *gin.Context) {
	if s.cfg.Issuer == nil {
		writeError(c, http.StatusServiceUnavailable, "certificate issuance disabled")
		return
	}
	host := strings.ToLower(strings.TrimSpace(c.Param("name")))
	if host == "" {
		writeError(c, http.StatusBadRequest, "certificate host is required")
		return
	}
	// Renewal vs first issuance only changes the event payload.
	renewal := false
	if mc, err := s.cfg.Certs.Lookup(host); err == nil && mc != nil {
		renewal = true
	}

	if err := s.cfg.Issuer.Issue(host); err != nil {
		writeError(c, http.StatusBadGateway, "issuance failed: "+err.Error())
		return
	}
	if s.cfg.Bus != nil {
		s.cfg.Bus.Publish(events.Event{
			Topic:   events.TopicCertIssued,
			Payload: events.CertIssued{Host: host, Renewal: renewal},
		})
	}
	data := gin.H{"host": host}
	if mc, err := s.cfg.Certs.Lookup(host); err == nil {
		data["not_after"] = mc.NotAfter
	}
	writeSuccess(c, data, "certificate issued")
}

func (s *Server) handlePreflight(c *gin.Context) {
	res, err := s.currentResult()
	if err != nil {
		writeError(c, http.StatusUnprocessableEntity, err.Error())
		return
	}
	result := s.preflight.Run(c.Request.Context(), res.Config)
	c.JSON(http.StatusOK, result)
}

func (s *Server) handleEvents(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"events": s.eventLog.List()})
}

func (s *Server) handleVersion(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"version": s.cfg.Version,
		"service": "tunneld",
	})
}

func (s *Server) handleHealthLive(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": s.tracker.Overall().String()})
}

func (s *Server) handleHealthReady(c *gin.Context) {
	required := []string{health.ComponentConfig, health.ComponentAPI}
	ready, snapshot := s.tracker.Ready(required...)
	c.JSON(http.StatusOK, gin.H{
		"ready":      ready,
		"status":     s.tracker.Overall().String(),
		"components": flattenHealth(snapshot),
	})
}

func (s *Server) handleHealthDetail(c *gin.Context) {
	snapshot := s.tracker.Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"overall":    s.tracker.Overall().String(),
		"components": flattenHealth(snapshot),
	})
}

func flattenHealth(snapshot map[string]health.Status) []gin.H {
	components := make([]gin.H, 0, len(snapshot))
	for name, st := range snapshot {
		components = append(components, gin.H{
			"name":       name,
			"level":      st.Level.String(),
			"message":    st.Message,
			"updated_at": st.UpdatedAt,
		})
	}
	return components
}
