package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/runforge/runforge/pkg/models"
	"github.com/runforge/runforge/pkg/store"
)

// writeStoreError maps store-layer errors to HTTP responses. Scoped
// lookups fold "missing" and "not visible" into the same 404.
func writeStoreError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error": "not found", "code": models.CodeNotFound,
		})
	case errors.Is(err, store.ErrInvalidInput):
		c.JSON(http.StatusBadRequest, gin.H{
			"error": err.Error(), "code": models.CodeInvalidInput,
		})
	case errors.Is(err, store.ErrAlreadyResolved):
		c.JSON(http.StatusConflict, gin.H{
			"error": "approval already resolved", "code": models.CodeAlreadyResolved,
		})
	case errors.Is(err, store.ErrConflict):
		c.JSON(http.StatusConflict, gin.H{
			"error": "run is not in a state that allows this operation",
		})
	default:
		slog.Error("unexpected store error", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "internal server error", "code": models.CodeStorageError,
		})
	}
}
