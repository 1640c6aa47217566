package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ourpaths/pathsync/internal/credentials"
	"github.com/ourpaths/pathsync/internal/favorites"
	"github.com/ourpaths/pathsync/internal/queue"
	"github.com/ourpaths/pathsync/internal/storage"
	"github.com/ourpaths/pathsync/internal/stories"
	"github.com/ourpaths/pathsync/internal/syncer"
)

type stubRemote struct {
	mu        sync.Mutex
	createErr error
	listing   []stories.Story
	created   int
}

func (r *stubRemote) Create(ctx context.Context, draft stories.Draft, token string) (*stories.Story, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.createErr != nil {
		return nil, r.createErr
	}
	r.created++
	return &stories.Story{ID: fmt.Sprintf("s%d", r.created)}, nil
}

func (r *stubRemote) Get(ctx context.Context, storyID string, token string) (*stories.Story, error) {
	return &stories.Story{ID: storyID, Name: "Fetched"}, nil
}

func (r *stubRemote) List(ctx context.Context, params stories.ListParams, token string) ([]stories.Story, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.listing, nil
}

type stubOnline struct {
	mu     sync.Mutex
	online bool
}

func (o *stubOnline) Online() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.online
}

func (o *stubOnline) SetOnline(online bool) {
	o.mu.Lock()
	o.online = online
	o.mu.Unlock()
}

func (o *stubOnline) Subscribe() (<-chan bool, func()) {
	return make(chan bool), func() {}
}

type routerFixture struct {
	handler      http.Handler
	remote       *stubRemote
	connectivity *stubOnline
	queue        *queue.Service
	credentials  *credentials.Store
}

func newRouterFixture(t *testing.T) *routerFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:pathsync_router_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	store, err := storage.Open(storage.Config{Path: dsn})
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	queueService, err := queue.NewService(queue.ServiceConfig{
		Store:       store,
		Keys:        queue.NewUUIDKeyProvider(),
		MaxAttempts: 3,
	})
	if err != nil {
		t.Fatalf("failed to construct queue: %v", err)
	}

	remote := &stubRemote{}
	connectivity := &stubOnline{online: true}

	coordinator, err := syncer.NewService(syncer.ServiceConfig{
		Queue:        queueService,
		Store:        store,
		Remote:       remote,
		Connectivity: connectivity,
	})
	if err != nil {
		t.Fatalf("failed to construct coordinator: %v", err)
	}

	favoritesManager, err := favorites.NewManager(favorites.ManagerConfig{
		Store:  store,
		Remote: remote,
	})
	if err != nil {
		t.Fatalf("failed to construct favorites manager: %v", err)
	}

	credentialStore, err := credentials.NewStore(filepath.Join(t.TempDir(), "token"), nil)
	if err != nil {
		t.Fatalf("failed to construct credential store: %v", err)
	}

	handler, err := NewHTTPHandler(Dependencies{
		Syncer:      coordinator,
		Favorites:   favoritesManager,
		Queue:       queueService,
		Remote:      remote,
		Credentials: credentialStore,
	})
	if err != nil {
		t.Fatalf("failed to construct handler: %v", err)
	}

	return &routerFixture{
		handler:      handler,
		remote:       remote,
		connectivity: connectivity,
		queue:        queueService,
		credentials:  credentialStore,
	}
}

func (f *routerFixture) do(t *testing.T, method, target string, body *bytes.Buffer, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	if body == nil {
		body = &bytes.Buffer{}
	}
	request := httptest.NewRequest(method, target, body)
	if contentType != "" {
		request.Header.Set("Content-Type", contentType)
	}
	recorder := httptest.NewRecorder()
	f.handler.ServeHTTP(recorder, request)
	return recorder
}

func storyForm(t *testing.T, description string, photo []byte) (*bytes.Buffer, string) {
	t.Helper()
	buffer := &bytes.Buffer{}
	writer := multipart.NewWriter(buffer)
	if description != "" {
		if err := writer.WriteField("description", description); err != nil {
			t.Fatalf("failed to write field: %v", err)
		}
	}
	if photo != nil {
		part, err := writer.CreateFormFile("photo", "photo.jpg")
		if err != nil {
			t.Fatalf("failed to create photo part: %v", err)
		}
		if _, err := part.Write(photo); err != nil {
			t.Fatalf("failed to write photo: %v", err)
		}
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("failed to close form: %v", err)
	}
	return buffer, writer.FormDataContentType()
}

func TestCreateStoryAcceptsDraft(t *testing.T) {
	fixture := newRouterFixture(t)
	body, contentType := storyForm(t, "sunset at the pier", []byte{0xFF, 0xD8})

	response := fixture.do(t, http.MethodPost, "/stories", body, contentType)

	if response.Code != http.StatusAccepted {
		t.Fatalf("unexpected status %d: %s", response.Code, response.Body.String())
	}
	var payload operationPayload
	if err := json.Unmarshal(response.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if payload.ID == 0 {
		t.Fatalf("expected assigned operation id")
	}
	if payload.Status != string(storage.StatusPending) {
		t.Fatalf("unexpected status %q", payload.Status)
	}
}

func TestCreateStoryRejectsMissingDescription(t *testing.T) {
	fixture := newRouterFixture(t)
	body, contentType := storyForm(t, "", []byte{0xFF})

	response := fixture.do(t, http.MethodPost, "/stories", body, contentType)

	if response.Code != http.StatusBadRequest {
		t.Fatalf("unexpected status %d", response.Code)
	}
}

func TestManualSyncReportsOfflineConflict(t *testing.T) {
	fixture := newRouterFixture(t)
	fixture.connectivity.SetOnline(false)

	response := fixture.do(t, http.MethodPost, "/sync", nil, "")

	if response.Code != http.StatusConflict {
		t.Fatalf("unexpected status %d: %s", response.Code, response.Body.String())
	}
}

func TestManualSyncDrainsQueue(t *testing.T) {
	fixture := newRouterFixture(t)
	body, contentType := storyForm(t, "queued story", []byte{0xFF})
	if response := fixture.do(t, http.MethodPost, "/stories", body, contentType); response.Code != http.StatusAccepted {
		t.Fatalf("enqueue failed with status %d", response.Code)
	}

	response := fixture.do(t, http.MethodPost, "/sync", nil, "")

	if response.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", response.Code, response.Body.String())
	}
	var result syncer.Result
	if err := json.Unmarshal(response.Body.Bytes(), &result); err != nil {
		t.Fatalf("failed to decode result: %v", err)
	}
	if result.Synced != 1 {
		t.Fatalf("expected 1 synced operation, got %+v", result)
	}
}

func TestSyncStatusEndpoint(t *testing.T) {
	fixture := newRouterFixture(t)

	response := fixture.do(t, http.MethodGet, "/sync/status", nil, "")

	if response.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", response.Code)
	}
	var status syncer.Status
	if err := json.Unmarshal(response.Body.Bytes(), &status); err != nil {
		t.Fatalf("failed to decode status: %v", err)
	}
	if !status.IsOnline {
		t.Fatalf("expected online status")
	}
	if status.PendingCount != 0 || status.FailedCount != 0 {
		t.Fatalf("unexpected counters %+v", status)
	}
}

func TestFailedQueueLifecycle(t *testing.T) {
	fixture := newRouterFixture(t)
	fixture.remote.createErr = &stories.RemoteError{StatusCode: 400, Message: "rejected"}

	body, contentType := storyForm(t, "doomed story", []byte{0xFF})
	if response := fixture.do(t, http.MethodPost, "/stories", body, contentType); response.Code != http.StatusAccepted {
		t.Fatalf("enqueue failed with status %d", response.Code)
	}
	for i := 0; i < 3; i++ {
		if response := fixture.do(t, http.MethodPost, "/sync", nil, ""); response.Code != http.StatusOK {
			t.Fatalf("sync pass failed with status %d", response.Code)
		}
	}

	response := fixture.do(t, http.MethodGet, "/queue/failed", nil, "")
	if response.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", response.Code)
	}
	var listing struct {
		Operations []operationPayload `json:"operations"`
	}
	if err := json.Unmarshal(response.Body.Bytes(), &listing); err != nil {
		t.Fatalf("failed to decode listing: %v", err)
	}
	if len(listing.Operations) != 1 {
		t.Fatalf("expected 1 failed operation, got %d", len(listing.Operations))
	}
	if listing.Operations[0].LastError != "rejected" {
		t.Fatalf("expected verbatim failure message, got %q", listing.Operations[0].LastError)
	}

	fixture.remote.createErr = nil
	retryTarget := fmt.Sprintf("/queue/%d/retry", listing.Operations[0].ID)
	retryResponse := fixture.do(t, http.MethodPost, retryTarget, nil, "")
	if retryResponse.Code != http.StatusOK {
		t.Fatalf("unexpected retry status %d: %s", retryResponse.Code, retryResponse.Body.String())
	}
	var retryResult struct {
		Synced bool `json:"synced"`
	}
	if err := json.Unmarshal(retryResponse.Body.Bytes(), &retryResult); err != nil {
		t.Fatalf("failed to decode retry result: %v", err)
	}
	if !retryResult.Synced {
		t.Fatalf("expected successful retry")
	}
}

func TestRetryUnknownOperationReturnsNotFound(t *testing.T) {
	fixture := newRouterFixture(t)

	response := fixture.do(t, http.MethodPost, "/queue/12345/retry", nil, "")

	if response.Code != http.StatusNotFound {
		t.Fatalf("unexpected status %d", response.Code)
	}
}

func TestRemoveOperationInvalidID(t *testing.T) {
	fixture := newRouterFixture(t)

	response := fixture.do(t, http.MethodDelete, "/queue/abc", nil, "")

	if response.Code != http.StatusBadRequest {
		t.Fatalf("unexpected status %d", response.Code)
	}
}

func TestRemoveOperationDeletesQueueItem(t *testing.T) {
	fixture := newRouterFixture(t)
	body, contentType := storyForm(t, "removable", []byte{0xFF})
	createResponse := fixture.do(t, http.MethodPost, "/stories", body, contentType)
	var payload operationPayload
	if err := json.Unmarshal(createResponse.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	response := fixture.do(t, http.MethodDelete, fmt.Sprintf("/queue/%d", payload.ID), nil, "")

	if response.Code != http.StatusNoContent {
		t.Fatalf("unexpected status %d", response.Code)
	}
	operation, err := fixture.queue.Get(context.Background(), payload.ID)
	if err != nil {
		t.Fatalf("unexpected get error: %v", err)
	}
	if operation != nil {
		t.Fatalf("expected operation to be deleted")
	}
}

func TestFavoritesLifecycle(t *testing.T) {
	fixture := newRouterFixture(t)

	addBody := bytes.NewBufferString(`{"id":"story-1","name":"Pier","description":"dusk"}`)
	addResponse := fixture.do(t, http.MethodPost, "/favorites", addBody, "application/json")
	if addResponse.Code != http.StatusCreated {
		t.Fatalf("unexpected add status %d: %s", addResponse.Code, addResponse.Body.String())
	}

	listResponse := fixture.do(t, http.MethodGet, "/favorites", nil, "")
	if listResponse.Code != http.StatusOK {
		t.Fatalf("unexpected list status %d", listResponse.Code)
	}
	var listing struct {
		Favorites []storage.Favorite `json:"favorites"`
	}
	if err := json.Unmarshal(listResponse.Body.Bytes(), &listing); err != nil {
		t.Fatalf("failed to decode listing: %v", err)
	}
	if len(listing.Favorites) != 1 || listing.Favorites[0].StoryID != "story-1" {
		t.Fatalf("unexpected listing %+v", listing.Favorites)
	}

	deleteResponse := fixture.do(t, http.MethodDelete, "/favorites/story-1", nil, "")
	if deleteResponse.Code != http.StatusNoContent {
		t.Fatalf("unexpected delete status %d", deleteResponse.Code)
	}

	missingResponse := fixture.do(t, http.MethodDelete, "/favorites/story-1", nil, "")
	if missingResponse.Code != http.StatusNotFound {
		t.Fatalf("unexpected repeat delete status %d", missingResponse.Code)
	}
}

func TestAddFavoriteByIDFetchesRemoteRecord(t *testing.T) {
	fixture := newRouterFixture(t)

	body := bytes.NewBufferString(`{"id":"story-9"}`)
	response := fixture.do(t, http.MethodPost, "/favorites", body, "application/json")
	if response.Code != http.StatusCreated {
		t.Fatalf("unexpected status %d: %s", response.Code, response.Body.String())
	}

	listResponse := fixture.do(t, http.MethodGet, "/favorites", nil, "")
	var listing struct {
		Favorites []storage.Favorite `json:"favorites"`
	}
	if err := json.Unmarshal(listResponse.Body.Bytes(), &listing); err != nil {
		t.Fatalf("failed to decode listing: %v", err)
	}
	if len(listing.Favorites) != 1 || listing.Favorites[0].Name != "Fetched" {
		t.Fatalf("expected remote-fetched snapshot, got %+v", listing.Favorites)
	}
}

func TestListStoriesProxiesRemoteListing(t *testing.T) {
	fixture := newRouterFixture(t)
	fixture.remote.listing = []stories.Story{{ID: "s1"}, {ID: "s2"}}

	response := fixture.do(t, http.MethodGet, "/stories?page=1&size=10", nil, "")

	if response.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", response.Code)
	}
	var payload struct {
		ListStory []stories.Story `json:"listStory"`
	}
	if err := json.Unmarshal(response.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to decode listing: %v", err)
	}
	if len(payload.ListStory) != 2 {
		t.Fatalf("unexpected listing %+v", payload.ListStory)
	}
}

func TestSaveAndClearToken(t *testing.T) {
	fixture := newRouterFixture(t)

	saveBody := bytes.NewBufferString(`{"token":"token-abc"}`)
	saveResponse := fixture.do(t, http.MethodPut, "/auth/token", saveBody, "application/json")
	if saveResponse.Code != http.StatusNoContent {
		t.Fatalf("unexpected save status %d", saveResponse.Code)
	}
	stored, err := fixture.credentials.Load()
	if err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}
	if stored != "token-abc" {
		t.Fatalf("unexpected stored credential %q", stored)
	}

	clearResponse := fixture.do(t, http.MethodDelete, "/auth/token", nil, "")
	if clearResponse.Code != http.StatusNoContent {
		t.Fatalf("unexpected clear status %d", clearResponse.Code)
	}
	cleared, err := fixture.credentials.Load()
	if err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}
	if cleared != "" {
		t.Fatalf("expected cleared credential, got %q", cleared)
	}
}

func TestSaveTokenRejectsEmptyPayload(t *testing.T) {
	fixture := newRouterFixture(t)

	response := fixture.do(t, http.MethodPut, "/auth/token", bytes.NewBufferString(`{"token":"  "}`), "application/json")

	if response.Code != http.StatusBadRequest {
		t.Fatalf("unexpected status %d", response.Code)
	}
}

func TestEventsEndpointStreamsBusEvents(t *testing.T) {
	fixture := newRouterFixture(t)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	request := httptest.NewRequest(http.MethodGet, "/events", nil).WithContext(ctx)
	recorder := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		fixture.handler.ServeHTTP(recorder, request)
		close(done)
	}()

	// Queue a story; its bus event should appear on the stream.
	time.Sleep(50 * time.Millisecond)
	body, contentType := storyForm(t, "streamed story", []byte{0xFF})
	if response := fixture.do(t, http.MethodPost, "/stories", body, contentType); response.Code != http.StatusAccepted {
		t.Fatalf("enqueue failed with status %d", response.Code)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("stream did not terminate with its context")
	}

	streamed := recorder.Body.String()
	if !strings.Contains(streamed, "story-queued") {
		t.Fatalf("expected story-queued event on the stream, got %q", streamed)
	}
}
