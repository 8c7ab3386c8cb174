package docstore

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"mediahub/internal/auth"
	"mediahub/internal/sync"
	"mediahub/pkg/models"
)

// MaxBodyBytes caps a pushed library document.
const MaxBodyBytes = 8 << 20

type Handler struct {
	Repo *Repo
	Hub  *sync.Hub
}

func NewHandler(repo *Repo, hub *sync.Hub) *Handler {
	return &Handler{Repo: repo, Hub: hub}
}

// RegisterRoutes mounts GET and PUT /library on a group that is already
// behind auth.AuthMiddleware.
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/library", h.getLibrary)
	rg.PUT("/library", h.putLibrary)
}

func (h *Handler) getLibrary(c *gin.Context) {
	claims := auth.MustGetClaims(c)
	if claims == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	snap, err := h.Repo.Load(c.Request.Context(), claims.UserID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load library"})
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (h *Handler) putLibrary(c *gin.Context) {
	claims := auth.MustGetClaims(c)
	if claims == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, MaxBodyBytes)
	var snap models.Snapshot
	if err := c.ShouldBindJSON(&snap); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "library too large"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if err := validateSnapshot(snap); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	merged, changed, err := h.Repo.Push(c.Request.Context(), claims.UserID, snap)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to save library"})
		return
	}

	if changed && h.Hub != nil {
		h.Hub.Publish(sync.LibraryEvent{
			Type:     sync.EventLibraryChanged,
			UserID:   claims.UserID,
			DeviceID: c.GetHeader(sync.DeviceHeader),
			Entries:  len(merged.Entries),
			Lists:    len(merged.Lists),
			At:       time.Now().UTC(),
		})
	}
	c.JSON(http.StatusOK, merged)
}

func validateSnapshot(snap models.Snapshot) error {
	for _, e := range snap.Entries {
		if err := e.Item.Validate(); err != nil {
			return fmt.Errorf("entry %s: %w", e.Key(), err)
		}
		if !e.List.Valid() {
			return fmt.Errorf("entry %s: unknown list %q", e.Key(), e.List)
		}
	}
	for _, t := range snap.RemovedEntries {
		if _, err := models.ParseKey(t.Key); err != nil {
			return fmt.Errorf("removed entry: %w", err)
		}
	}
	for _, l := range snap.Lists {
		if l.ID == "" {
			return errors.New("custom list without id")
		}
	}
	return nil
}
