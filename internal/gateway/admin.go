package gateway

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/geoexchange/pkigateway/internal/profile"
)

// AdminHandler serves the profile and mapping management API.
type AdminHandler struct {
	service *profile.Service
	logger  *zap.Logger
}

// NewAdminHandler creates the admin handler.
func NewAdminHandler(service *profile.Service, logger *zap.Logger) *AdminHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AdminHandler{service: service, logger: logger}
}

// profileRequest is the write payload for profiles. ClientKeyPassword is
// plaintext on input and never echoed back.
type profileRequest struct {
	Name              string   `json:"name" binding:"required"`
	Description       string   `json:"description"`
	CACerts           string   `json:"caCerts"`
	AllowInvalidCAs   bool     `json:"allowInvalidCAs"`
	ClientCert        string   `json:"clientCert"`
	ClientKey         string   `json:"clientKey"`
	ClientKeyPassword string   `json:"clientKeyPassword"`
	Version           string   `json:"version"`
	VerifyMode        string   `json:"verifyMode"`
	Options           []string `json:"options"`
	Ciphers           string   `json:"ciphers"`
	Retries           string   `json:"retries"`
	Redirects         string   `json:"redirects"`
}

// profileResponse is the read shape for profiles.
type profileResponse struct {
	ID              int64    `json:"id"`
	Name            string   `json:"name"`
	Description     string   `json:"description"`
	CACerts         string   `json:"caCerts"`
	AllowInvalidCAs bool     `json:"allowInvalidCAs"`
	ClientCert      string   `json:"clientCert"`
	ClientKey       string   `json:"clientKey"`
	HasKeyPassword  bool     `json:"hasKeyPassword"`
	Version         string   `json:"version"`
	VerifyMode      string   `json:"verifyMode"`
	Options         []string `json:"options"`
	Ciphers         string   `json:"ciphers"`
	Retries         string   `json:"retries"`
	Redirects       string   `json:"redirects"`
}

func toProfileResponse(p *profile.Profile) profileResponse {
	return profileResponse{
		ID:              p.ID,
		Name:            p.Name,
		Description:     p.Description,
		CACerts:         p.CACerts,
		AllowInvalidCAs: p.AllowInvalidCAs,
		ClientCert:      p.ClientCert,
		ClientKey:       p.ClientKey,
		HasKeyPassword:  p.ClientKeyPassword != "",
		Version:         p.Version,
		VerifyMode:      p.VerifyMode,
		Options:         p.Options,
		Ciphers:         p.Ciphers,
		Retries:         p.Retries.String(),
		Redirects:       p.Redirects.String(),
	}
}

func (r *profileRequest) toProfile() (*profile.Profile, error) {
	retries, err := profile.ParseBudget(r.Retries)
	if err != nil {
		return nil, err
	}
	redirects, err := profile.ParseBudget(r.Redirects)
	if err != nil {
		return nil, err
	}

	version := r.Version
	if version == "" {
		version = profile.VersionDefault
	}
	verifyMode := r.VerifyMode
	if verifyMode == "" {
		verifyMode = profile.VerifyRequired
	}

	return &profile.Profile{
		Name:              r.Name,
		Description:       r.Description,
		CACerts:           r.CACerts,
		AllowInvalidCAs:   r.AllowInvalidCAs,
		ClientCert:        r.ClientCert,
		ClientKey:         r.ClientKey,
		ClientKeyPassword: r.ClientKeyPassword,
		Version:           version,
		VerifyMode:        verifyMode,
		Options:           r.Options,
		Ciphers:           r.Ciphers,
		Retries:           retries,
		Redirects:         redirects,
	}, nil
}

// mappingRequest is the write payload for mappings.
type mappingRequest struct {
	Pattern   string `json:"pattern" binding:"required"`
	Enabled   *bool  `json:"enabled"`
	Rank      int    `json:"rank"`
	Proxy     *bool  `json:"proxy"`
	ProfileID int64  `json:"profileId" binding:"required"`
}

// mappingResponse is the read shape for mappings.
type mappingResponse struct {
	Pattern   string `json:"pattern"`
	Enabled   bool   `json:"enabled"`
	Rank      int    `json:"rank"`
	Proxy     bool   `json:"proxy"`
	ProfileID int64  `json:"profileId"`
}

func toMappingResponse(m *profile.Mapping) mappingResponse {
	return mappingResponse{
		Pattern:   m.Pattern,
		Enabled:   m.Enabled,
		Rank:      m.Rank,
		Proxy:     m.Proxy,
		ProfileID: m.ProfileID,
	}
}

func (r *mappingRequest) toMapping() *profile.Mapping {
	enabled := true
	if r.Enabled != nil {
		enabled = *r.Enabled
	}
	proxy := true
	if r.Proxy != nil {
		proxy = *r.Proxy
	}
	return &profile.Mapping{
		Pattern:   r.Pattern,
		Enabled:   enabled,
		Rank:      r.Rank,
		Proxy:     proxy,
		ProfileID: r.ProfileID,
	}
}

// ListProfiles serves GET /api/profiles.
func (h *AdminHandler) ListProfiles(c *gin.Context) {
	profiles, err := h.service.Store().ListProfiles(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	out := make([]profileResponse, 0, len(profiles))
	for _, p := range profiles {
		out = append(out, toProfileResponse(p))
	}
	c.JSON(http.StatusOK, out)
}

// GetProfile serves GET /api/profiles/:id.
func (h *AdminHandler) GetProfile(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid profile id"})
		return
	}
	p, err := h.service.Store().GetProfile(c.Request.Context(), id)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toProfileResponse(p))
}

// CreateProfile serves POST /api/profiles.
func (h *AdminHandler) CreateProfile(c *gin.Context) {
	var req profileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	p, err := req.toProfile()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	created, err := h.service.CreateProfile(c.Request.Context(), p)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, toProfileResponse(created))
}

// UpdateProfile serves PUT /api/profiles/:id.
func (h *AdminHandler) UpdateProfile(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid profile id"})
		return
	}

	var req profileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	p, err := req.toProfile()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	p.ID = id

	if err := h.service.UpdateProfile(c.Request.Context(), p); err != nil {
		h.writeError(c, err)
		return
	}

	updated, err := h.service.Store().GetProfile(c.Request.Context(), id)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toProfileResponse(updated))
}

// DeleteProfile serves DELETE /api/profiles/:id.
func (h *AdminHandler) DeleteProfile(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid profile id"})
		return
	}
	if err := h.service.DeleteProfile(c.Request.Context(), id); err != nil {
		h.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ListMappings serves GET /api/mappings.
func (h *AdminHandler) ListMappings(c *gin.Context) {
	mappings, err := h.service.Store().ListMappings(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	out := make([]mappingResponse, 0, len(mappings))
	for _, m := range mappings {
		out = append(out, toMappingResponse(m))
	}
	c.JSON(http.StatusOK, out)
}

// CreateMapping serves POST /api/mappings.
func (h *AdminHandler) CreateMapping(c *gin.Context) {
	var req mappingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	m := req.toMapping()
	if err := h.service.CreateMapping(c.Request.Context(), m); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, toMappingResponse(m))
}

// UpdateMapping serves PUT /api/mappings/:pattern.
func (h *AdminHandler) UpdateMapping(c *gin.Context) {
	var req mappingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	m := req.toMapping()
	m.Pattern = c.Param("pattern")
	if err := h.service.UpdateMapping(c.Request.Context(), m); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toMappingResponse(m))
}

// DeleteMapping serves DELETE /api/mappings/:pattern.
func (h *AdminHandler) DeleteMapping(c *gin.Context) {
	if err := h.service.DeleteMapping(c.Request.Context(), c.Param("pattern")); err != nil {
		h.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// writeError maps service errors onto HTTP statuses.
func (h *AdminHandler) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, profile.ErrProfileNotFound),
		errors.Is(err, profile.ErrMappingNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, profile.ErrMappingExists):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		if verr, ok := profile.AsValidationError(err); ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": "validation failed", "details": verr.Messages})
			return
		}
		h.logger.Error("admin request failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
