package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"etsy-penny/models"
	"etsy-penny/providers"
	"etsy-penny/services"
	"etsy-penny/storage"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// changePublisher verteilt Listing-Änderungen über den Push-Kanal.
type changePublisher interface {
	Publish(ctx context.Context, change models.ListingChange) error
}

// listingStore ist der Teil des Stores, den die Listing-Routen brauchen.
type listingStore interface {
	CreateListing(ctx context.Context, listing *models.Listing) error
	GetListing(ctx context.Context, id string) (*models.Listing, error)
	ListListings(ctx context.Context) ([]models.Listing, error)
	UpdateCategorization(ctx context.Context, id, theme, niche, subNiche, userContext string) error
	RecordJobResult(ctx context.Context, id, jobID, action string, output []byte, status string) (models.ListingChange, error)
}

// writeError übersetzt Fehler des Engines in HTTP-Antworten.
func writeError(c *gin.Context, log *zap.Logger, err error) {
	var (
		dup         *services.DuplicateKeywordError
		unavailable *services.UnavailableModeError
		transport   *providers.TransportError
		partial     *storage.PartialReplacementError
		storeErr    *storage.StoreError
	)
	switch {
	case errors.As(err, &dup):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "keyword": dup.Keyword})
	case errors.As(err, &unavailable):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error(), "seo_mode": unavailable.Mode})
	case errors.Is(err, services.ErrJobInFlight), errors.Is(err, storage.ErrJobMismatch):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, services.ErrEmptyKeyword), errors.Is(err, providers.ErrMissingListingID):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, storage.ErrListingNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "listing not found"})
	case errors.As(err, &transport):
		log.Warn("Worker not reachable", zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "worker not reachable", "retryable": true})
	case errors.As(err, &partial):
		log.Error("Keyword pool replacement incomplete", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "keyword pool incomplete, please reload", "retryable": true})
	case errors.As(err, &storeErr):
		log.Error("Store error", zap.String("op", storeErr.Op), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "database error", "retryable": true})
	default:
		log.Error("Unexpected error", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func setupListingRoutes(router gin.IRouter, store listingStore, log *zap.Logger) {
	rg := router.Group("/listings")

	rg.GET("/", func(c *gin.Context) {
		listings, err := store.ListListings(c.Request.Context())
		if err != nil {
			writeError(c, log, err)
			return
		}
		c.JSON(http.StatusOK, listings)
	})

	rg.POST("/", func(c *gin.Context) {
		var req struct {
			UserID      string `json:"user_id"`
			ImageRef    string `json:"image_ref"`
			Theme       string `json:"theme"`
			Niche       string `json:"niche"`
			SubNiche    string `json:"sub_niche"`
			UserContext string `json:"user_context"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
			return
		}
		listing := &models.Listing{
			UserID:      req.UserID,
			ImageRef:    req.ImageRef,
			Theme:       req.Theme,
			Niche:       req.Niche,
			SubNiche:    req.SubNiche,
			UserContext: req.UserContext,
		}
		if err := store.CreateListing(c.Request.Context(), listing); err != nil {
			writeError(c, log, err)
			return
		}
		c.JSON(http.StatusCreated, listing)
	})

	rg.GET("/:id", func(c *gin.Context) {
		listing, err := store.GetListing(c.Request.Context(), c.Param("id"))
		if err != nil {
			writeError(c, log, err)
			return
		}
		c.JSON(http.StatusOK, listing)
	})

	rg.PUT("/:id/categorization", func(c *gin.Context) {
		var req struct {
			Theme       string `json:"theme"`
			Niche       string `json:"niche"`
			SubNiche    string `json:"sub_niche"`
			UserContext string `json:"user_context"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
			return
		}
		id := c.Param("id")
		if err := store.UpdateCategorization(c.Request.Context(), id, req.Theme, req.Niche, req.SubNiche, req.UserContext); err != nil {
			writeError(c, log, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "categorization updated", "id": id})
	})
}

// sessionState ist die Antwort, mit der die UI rendert.
type sessionState struct {
	Views          services.Views       `json:"views"`
	AvailableModes []string             `json:"available_modes"`
	Pending        *services.PendingJob `json:"pending,omitempty"`
	LastError      string               `json:"last_error,omitempty"`
}

func stateOf(s *services.ListingSession) sessionState {
	v := s.Views()
	return sessionState{
		Views:          v,
		AvailableModes: services.AvailableModes(v.AllEvaluations),
		Pending:        s.Pending(),
		LastError:      s.LastError(),
	}
}

func setupSessionRoutes(router gin.IRouter, manager *services.SessionManager, log *zap.Logger) {
	rg := router.Group("/listings/:id")

	// withSession liefert die offene Sitzung oder öffnet sie im Standardmodus.
	withSession := func(handler func(*gin.Context, *services.ListingSession)) gin.HandlerFunc {
		return func(c *gin.Context) {
			s, err := manager.Session(c.Request.Context(), c.Param("id"))
			if err != nil {
				writeError(c, log, err)
				return
			}
			handler(c, s)
		}
	}

	rg.POST("/session", func(c *gin.Context) {
		var req struct {
			Mode string `json:"seo_mode"`
		}
		if c.Request.ContentLength > 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
				return
			}
		}
		s, err := manager.Open(c.Request.Context(), c.Param("id"), req.Mode)
		if err != nil {
			writeError(c, log, err)
			return
		}
		c.JSON(http.StatusOK, stateOf(s))
	})

	rg.DELETE("/session", func(c *gin.Context) {
		if !manager.Close(c.Param("id")) {
			c.JSON(http.StatusNotFound, gin.H{"error": "no open session"})
			return
		}
		c.Status(http.StatusNoContent)
	})

	rg.GET("/views", withSession(func(c *gin.Context, s *services.ListingSession) {
		c.JSON(http.StatusOK, stateOf(s))
	}))

	rg.PUT("/mode", withSession(func(c *gin.Context, s *services.ListingSession) {
		var req struct {
			Mode string `json:"seo_mode" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "seo_mode is required"})
			return
		}
		if _, err := s.SwitchMode(req.Mode); err != nil {
			writeError(c, log, err)
			return
		}
		c.JSON(http.StatusOK, stateOf(s))
	}))

	rg.POST("/analyze", withSession(func(c *gin.Context, s *services.ListingSession) {
		var req services.AnalyzeInput
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
			return
		}
		pending, err := s.Analyze(c.Request.Context(), req)
		if err != nil {
			writeError(c, log, err)
			return
		}
		c.JSON(http.StatusAccepted, pending)
	}))

	rg.POST("/reset-pool", withSession(func(c *gin.Context, s *services.ListingSession) {
		var req struct {
			Params *models.StrategyParams `json:"parameters"`
		}
		if c.Request.ContentLength > 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
				return
			}
		}
		pending, err := s.ResetPool(c.Request.Context(), req.Params)
		if err != nil {
			writeError(c, log, err)
			return
		}
		c.JSON(http.StatusAccepted, pending)
	}))

	rg.POST("/recalculate", withSession(func(c *gin.Context, s *services.ListingSession) {
		var req struct {
			KeywordIDs []string               `json:"keyword_ids" binding:"required"`
			Params     *models.StrategyParams `json:"parameters"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "keyword_ids is required"})
			return
		}
		pending, err := s.RecalculateScore(c.Request.Context(), req.KeywordIDs, req.Params)
		if err != nil {
			writeError(c, log, err)
			return
		}
		c.JSON(http.StatusAccepted, pending)
	}))

	rg.POST("/keywords", withSession(func(c *gin.Context, s *services.ListingSession) {
		var req struct {
			Keyword string `json:"keyword" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "keyword is required"})
			return
		}
		pending, err := s.AddKeyword(c.Request.Context(), req.Keyword)
		if err != nil {
			writeError(c, log, err)
			return
		}
		c.JSON(http.StatusAccepted, pending)
	}))

	rg.DELETE("/keywords/:keywordId", withSession(func(c *gin.Context, s *services.ListingSession) {
		if _, err := s.RemoveKeyword(c.Request.Context(), c.Param("keywordId")); err != nil {
			writeError(c, log, err)
			return
		}
		c.JSON(http.StatusOK, stateOf(s))
	}))

	rg.POST("/keywords/:keywordId/restore", withSession(func(c *gin.Context, s *services.ListingSession) {
		if _, err := s.RestoreKeyword(c.Request.Context(), c.Param("keywordId")); err != nil {
			writeError(c, log, err)
			return
		}
		c.JSON(http.StatusOK, stateOf(s))
	}))

	rg.POST("/competition", withSession(func(c *gin.Context, s *services.ListingSession) {
		pending, err := s.CompetitionAnalysis(c.Request.Context())
		if err != nil {
			writeError(c, log, err)
			return
		}
		c.JSON(http.StatusAccepted, pending)
	}))
}

// setupWorkerRoutes ist der vertrauenswürdige Rückkanal des Workers: Ergebnis und Status
// werden zusammen geschrieben, danach wird die Änderung gepusht. Der Worker schickt die
// job_id des Auftrags zurück; Ergebnisse älterer Jobs werden mit 409 abgelehnt.
func setupWorkerRoutes(router gin.IRouter, store listingStore, publisher changePublisher, completionStatus string, log *zap.Logger) {
	router.POST("/listings/:id/complete", func(c *gin.Context) {
		var req struct {
			JobID  string          `json:"job_id" binding:"required"`
			Action string          `json:"action" binding:"required"`
			Output json.RawMessage `json:"output" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "job_id, action and output are required"})
			return
		}
		id := c.Param("id")
		change, err := store.RecordJobResult(c.Request.Context(), id, req.JobID, req.Action, req.Output, completionStatus)
		if err != nil {
			writeError(c, log, err)
			return
		}
		if publisher != nil {
			if err := publisher.Publish(c.Request.Context(), change); err != nil {
				// Der Poll erkennt die Fertigmeldung trotzdem.
				log.Warn("Publishing listing change failed", zap.String("listing_id", id), zap.Error(err))
			}
		}
		c.JSON(http.StatusOK, change)
	})
}
