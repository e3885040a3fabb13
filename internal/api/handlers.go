package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/sheerbytes/transferq/internal/peers"
	"github.com/sheerbytes/transferq/internal/scheduler"
	"github.com/sheerbytes/transferq/internal/transfer"
	"github.com/sheerbytes/transferq/internal/transport"
)

type createTransferRequest struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	TotalBytes int64  `json:"total_bytes"`
	Encrypted  bool   `json:"encrypted"`
	Key        string `json:"key"`
	SourceAddr string `json:"source_addr"`
}

type sourceRequest struct {
	ID           string                   `json:"id" binding:"required"`
	Addr         string                   `json:"addr"`
	Availability map[string][]peers.Range `json:"availability"`
}

type availabilityRequest struct {
	Key    string        `json:"key" binding:"required"`
	Ranges []peers.Range `json:"ranges"`
}

// errorStatus maps backend errors to HTTP status codes.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, scheduler.ErrNotFound), errors.Is(err, peers.ErrUnknownSource):
		return http.StatusNotFound
	case errors.Is(err, scheduler.ErrInvalidTransition), errors.Is(err, scheduler.ErrDuplicateID):
		return http.StatusConflict
	case errors.Is(err, scheduler.ErrInvalidItem):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func abortWithError(c *gin.Context, err error) {
	c.AbortWithStatusJSON(errorStatus(err), gin.H{"error": err.Error()})
}

func (s *Server) listTransfers(c *gin.Context) {
	items := s.backend.ListItems()
	if raw := c.Query("status"); raw != "" {
		want, err := transfer.ParseStatus(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		filtered := items[:0]
		for _, it := range items {
			if it.Status == want {
				filtered = append(filtered, it)
			}
		}
		items = filtered
	}
	c.JSON(http.StatusOK, itemsMessage(items))
}

func (s *Server) getTransfer(c *gin.Context) {
	it, err := s.backend.Get(c.Param("id"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, it)
}

func (s *Server) createTransfer(c *gin.Context) {
	var req createTransferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Name != "" {
		if err := transport.ValidateName(req.Name); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	it, err := s.backend.Enqueue(transfer.NewItem{
		ID:         req.ID,
		Name:       req.Name,
		TotalBytes: req.TotalBytes,
		Encrypted:  req.Encrypted,
		Key:        req.Key,
		SourceAddr: req.SourceAddr,
	})
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, it)
}

// transition wraps a scheduler operation that takes only an item ID.
func (s *Server) transition(op func(id string) error) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		if err := op(id); err != nil {
			abortWithError(c, err)
			return
		}
		it, err := s.backend.Get(id)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, it)
	}
}

func (s *Server) listSources(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"sources": s.backend.Sources()})
}

func (s *Server) registerSource(c *gin.Context) {
	var req sourceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	src, err := s.backend.RegisterSource(peers.Source{
		ID:           req.ID,
		Addr:         req.Addr,
		Availability: req.Availability,
	})
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, src)
}

func (s *Server) updateAvailability(c *gin.Context) {
	var req availabilityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.backend.UpdateAvailability(c.Param("id"), req.Key, req.Ranges); err != nil {
		abortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) removeSource(c *gin.Context) {
	if err := s.backend.RemoveSource(c.Param("id")); err != nil {
		abortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
