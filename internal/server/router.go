// Package server exposes the local control surface over HTTP. Every route
// delegates to an injected service; the handler owns only decoding, status
// mapping, and the event stream.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/ourpaths/pathsync/internal/credentials"
	"github.com/ourpaths/pathsync/internal/events"
	"github.com/ourpaths/pathsync/internal/favorites"
	"github.com/ourpaths/pathsync/internal/queue"
	"github.com/ourpaths/pathsync/internal/storage"
	"github.com/ourpaths/pathsync/internal/stories"
	"github.com/ourpaths/pathsync/internal/syncer"
	"go.uber.org/zap"
)

// maxPhotoBytes bounds an uploaded story photo.
const maxPhotoBytes = 10 << 20

var (
	errMissingSyncer    = errors.New("sync coordinator dependency required")
	errMissingFavorites = errors.New("favorites manager dependency required")
	errMissingQueue     = errors.New("queue service dependency required")
	errMissingRemote    = errors.New("remote story client dependency required")
)

// StoryLister is the slice of the remote API the listing proxy needs.
type StoryLister interface {
	List(ctx context.Context, params stories.ListParams, token string) ([]stories.Story, error)
}

// Dependencies wires the control surface to the underlying services.
type Dependencies struct {
	Syncer      *syncer.Service
	Favorites   *favorites.Manager
	Queue       *queue.Service
	Remote      StoryLister
	Tokens      syncer.TokenSource
	Credentials *credentials.Store
	Bus         *events.Bus
	Logger      *zap.Logger
}

// NewHTTPHandler builds the gin router for the control surface.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Syncer == nil {
		return nil, errMissingSyncer
	}
	if deps.Favorites == nil {
		return nil, errMissingFavorites
	}
	if deps.Queue == nil {
		return nil, errMissingQueue
	}
	if deps.Remote == nil {
		return nil, errMissingRemote
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	bus := deps.Bus
	if bus == nil {
		bus = deps.Syncer.Bus()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		coordinator: deps.Syncer,
		favorites:   deps.Favorites,
		queue:       deps.Queue,
		remote:      deps.Remote,
		tokens:      deps.Tokens,
		credentials: deps.Credentials,
		bus:         bus,
		logger:      logger,
	}

	router.POST("/stories", handler.handleCreateStory)
	router.GET("/stories", handler.handleListStories)

	router.POST("/sync", handler.handleManualSync)
	router.GET("/sync/status", handler.handleSyncStatus)

	router.GET("/queue/failed", handler.handleListFailed)
	router.DELETE("/queue/failed", handler.handleClearFailed)
	router.POST("/queue/:id/retry", handler.handleRetry)
	router.DELETE("/queue/:id", handler.handleRemoveOperation)

	router.GET("/favorites", handler.handleListFavorites)
	router.POST("/favorites", handler.handleAddFavorite)
	router.DELETE("/favorites/:id", handler.handleRemoveFavorite)
	router.POST("/favorites/refresh", handler.handleRefreshFavorites)

	if deps.Credentials != nil {
		router.PUT("/auth/token", handler.handleSaveToken)
		router.DELETE("/auth/token", handler.handleClearToken)
	}

	router.GET("/events", handler.handleEvents)

	return router, nil
}

type httpHandler struct {
	coordinator *syncer.Service
	favorites   *favorites.Manager
	queue       *queue.Service
	remote      StoryLister
	tokens      syncer.TokenSource
	credentials *credentials.Store
	bus         *events.Bus
	logger      *zap.Logger
}

type operationPayload struct {
	ID          uint64 `json:"id"`
	Type        string `json:"type"`
	Status      string `json:"status"`
	Attempts    int    `json:"attempts"`
	CreatedAtS  int64  `json:"created_at_s"`
	LastError   string `json:"last_error,omitempty"`
	Description string `json:"description,omitempty"`
}

func toOperationPayload(operation storage.PendingOperation) operationPayload {
	payload := operationPayload{
		ID:         operation.ID,
		Type:       string(operation.Type),
		Status:     string(operation.Status),
		Attempts:   operation.Attempts,
		CreatedAtS: operation.CreatedAtSeconds,
		LastError:  operation.LastError,
	}
	if operation.Type == storage.OperationCreateStory {
		if story, err := queue.DecodeStoryPayload(operation.PayloadJSON); err == nil {
			payload.Description = story.Description
		}
	}
	return payload
}

func (h *httpHandler) handleCreateStory(c *gin.Context) {
	description := strings.TrimSpace(c.PostForm("description"))
	draft := syncer.StoryDraft{Description: description}

	if value := c.PostForm("lat"); value != "" {
		lat, err := strconv.ParseFloat(value, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_lat"})
			return
		}
		draft.Lat = &lat
	}
	if value := c.PostForm("lon"); value != "" {
		lon, err := strconv.ParseFloat(value, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_lon"})
			return
		}
		draft.Lon = &lon
	}

	fileHeader, err := c.FormFile("photo")
	if err == nil {
		file, openErr := fileHeader.Open()
		if openErr != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_photo"})
			return
		}
		defer file.Close()
		content, readErr := io.ReadAll(io.LimitReader(file, maxPhotoBytes+1))
		if readErr != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_photo"})
			return
		}
		if len(content) > maxPhotoBytes {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "photo_too_large"})
			return
		}
		draft.Photo = content
		draft.PhotoName = fileHeader.Filename
		draft.PhotoType = fileHeader.Header.Get("Content-Type")
	}

	operation, err := h.coordinator.EnqueueStory(c.Request.Context(), draft)
	if err != nil {
		if errors.Is(err, syncer.ErrEmptyDescription) || errors.Is(err, syncer.ErrEmptyPhoto) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		h.logger.Error("failed to queue story", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "enqueue_failed"})
		return
	}

	c.JSON(http.StatusAccepted, toOperationPayload(*operation))
}

func (h *httpHandler) handleListStories(c *gin.Context) {
	params := stories.ListParams{}
	if value := c.Query("page"); value != "" {
		page, err := strconv.Atoi(value)
		if err != nil || page < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_page"})
			return
		}
		params.Page = page
	}
	if value := c.Query("size"); value != "" {
		size, err := strconv.Atoi(value)
		if err != nil || size < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_size"})
			return
		}
		params.Size = size
	}
	if value := c.Query("location"); value == "1" || value == "true" {
		params.WithLocation = true
	}

	list, err := h.remote.List(c.Request.Context(), params, h.token())
	if err != nil {
		var remoteErr *stories.RemoteError
		if errors.As(err, &remoteErr) {
			c.JSON(remoteErr.StatusCode, gin.H{"error": remoteErr.Message})
			return
		}
		h.logger.Warn("story listing failed", zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "upstream_unreachable"})
		return
	}

	h.favorites.CacheSnapshots(c.Request.Context(), list)
	c.JSON(http.StatusOK, gin.H{"listStory": list})
}

func (h *httpHandler) handleManualSync(c *gin.Context) {
	result, err := h.coordinator.ManualSync(c.Request.Context())
	if err != nil {
		if errors.Is(err, syncer.ErrOffline) {
			c.JSON(http.StatusConflict, gin.H{"error": "offline"})
			return
		}
		h.logger.Error("manual sync failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "sync_failed"})
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *httpHandler) handleSyncStatus(c *gin.Context) {
	status, err := h.coordinator.Status(c.Request.Context())
	if err != nil {
		h.logger.Error("failed to read sync status", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "status_failed"})
		return
	}
	c.JSON(http.StatusOK, status)
}

func (h *httpHandler) handleListFailed(c *gin.Context) {
	operations, err := h.coordinator.FailedOperations(c.Request.Context())
	if err != nil {
		h.logger.Error("failed to list failed operations", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list_failed"})
		return
	}
	payload := make([]operationPayload, 0, len(operations))
	for _, operation := range operations {
		payload = append(payload, toOperationPayload(operation))
	}
	c.JSON(http.StatusOK, gin.H{"operations": payload})
}

func (h *httpHandler) handleClearFailed(c *gin.Context) {
	cleared, err := h.coordinator.ClearFailed(c.Request.Context())
	if err != nil {
		h.logger.Error("failed to clear failed operations", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "clear_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"cleared": cleared})
}

func (h *httpHandler) handleRetry(c *gin.Context) {
	id, ok := parseOperationID(c)
	if !ok {
		return
	}
	synced, err := h.coordinator.Retry(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, queue.ErrOperationNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "operation_not_found"})
			return
		}
		h.logger.Error("retry failed", zap.Uint64("operation_id", id), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "retry_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"synced": synced})
}

func (h *httpHandler) handleRemoveOperation(c *gin.Context) {
	id, ok := parseOperationID(c)
	if !ok {
		return
	}
	if err := h.queue.Remove(c.Request.Context(), id); err != nil {
		h.logger.Error("failed to remove operation", zap.Uint64("operation_id", id), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "remove_failed"})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleListFavorites(c *gin.Context) {
	ctx := c.Request.Context()
	forceRefresh := c.Query("refresh") == "1" || c.Query("refresh") == "true"

	if query := strings.TrimSpace(c.Query("q")); query != "" {
		list, err := h.favorites.Search(ctx, query)
		if err != nil {
			h.logger.Error("favorites search failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "list_failed"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"favorites": list})
		return
	}

	if key := c.Query("sort"); key != "" {
		list, err := h.favorites.Sort(ctx, favorites.SortKey(key))
		if err != nil {
			h.logger.Error("favorites sort failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "list_failed"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"favorites": list})
		return
	}

	list, err := h.favorites.List(ctx, forceRefresh)
	if err != nil {
		h.logger.Error("favorites listing failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"favorites": list})
}

type favoriteRequestPayload struct {
	StoryID     string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	PhotoURL    string   `json:"photoUrl"`
	CreatedAt   string   `json:"createdAt"`
	Lat         *float64 `json:"lat"`
	Lon         *float64 `json:"lon"`
}

func (h *httpHandler) handleAddFavorite(c *gin.Context) {
	var request favoriteRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.StoryID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	ctx := c.Request.Context()
	if request.Name == "" && request.Description == "" {
		if err := h.favorites.AddByID(ctx, request.StoryID); err != nil {
			if stories.IsNotFound(err) {
				c.JSON(http.StatusNotFound, gin.H{"error": "story_not_found"})
				return
			}
			h.logger.Error("failed to add favorite", zap.String("story_id", request.StoryID), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "add_failed"})
			return
		}
		c.Status(http.StatusCreated)
		return
	}

	story := stories.Story{
		ID:          request.StoryID,
		Name:        request.Name,
		Description: request.Description,
		PhotoURL:    request.PhotoURL,
		CreatedAt:   request.CreatedAt,
		Lat:         request.Lat,
		Lon:         request.Lon,
	}
	if err := h.favorites.Add(ctx, story); err != nil {
		h.logger.Error("failed to add favorite", zap.String("story_id", request.StoryID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "add_failed"})
		return
	}
	c.Status(http.StatusCreated)
}

func (h *httpHandler) handleRemoveFavorite(c *gin.Context) {
	storyID := c.Param("id")
	if err := h.favorites.Remove(c.Request.Context(), storyID); err != nil {
		if errors.Is(err, favorites.ErrNotFavorite) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_favorite"})
			return
		}
		h.logger.Error("failed to remove favorite", zap.String("story_id", storyID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "remove_failed"})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleRefreshFavorites(c *gin.Context) {
	result, err := h.favorites.RefreshAll(c.Request.Context())
	if err != nil {
		h.logger.Error("favorites refresh failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "refresh_failed"})
		return
	}
	c.JSON(http.StatusOK, result)
}

type tokenRequestPayload struct {
	Token string `json:"token"`
}

func (h *httpHandler) handleSaveToken(c *gin.Context) {
	var request tokenRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Token) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if err := h.credentials.Save(request.Token); err != nil {
		h.logger.Error("failed to save credential", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "save_failed"})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleClearToken(c *gin.Context) {
	if err := h.credentials.Clear(); err != nil {
		h.logger.Error("failed to clear credential", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "clear_failed"})
		return
	}
	c.Status(http.StatusNoContent)
}

// handleEvents streams the bus over server-sent events until the client
// disconnects.
func (h *httpHandler) handleEvents(c *gin.Context) {
	stream, cancel := h.bus.Subscribe(c.Request.Context())
	defer cancel()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Flush()

	c.Stream(func(w io.Writer) bool {
		select {
		case event, ok := <-stream:
			if !ok {
				return false
			}
			c.SSEvent(event.Type, event)
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}

func (h *httpHandler) token() string {
	if h.tokens == nil {
		return ""
	}
	token, err := h.tokens.Token()
	if err != nil {
		h.logger.Warn("credential lookup failed, proxying anonymously", zap.Error(err))
		return ""
	}
	return token
}

func parseOperationID(c *gin.Context) (uint64, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid operation id %q", c.Param("id"))})
		return 0, false
	}
	return id, true
}
