// Package stories implements the client for the remote story API. The API is
// an external collaborator with a fixed contract; authentication is an opaque
// bearer credential and submission without one falls back to guest creation.
package stories

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	defaultRequestTimeout = 30 * time.Second
	idempotencyKeyHeader  = "X-Idempotency-Key"
)

var errMissingBaseURL = errors.New("stories: base url is required")

// Story is the remote story entity.
type Story struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	PhotoURL    string   `json:"photoUrl"`
	CreatedAt   string   `json:"createdAt"`
	Lat         *float64 `json:"lat,omitempty"`
	Lon         *float64 `json:"lon,omitempty"`
}

// Draft carries the data for a story submission.
type Draft struct {
	Description    string
	Photo          []byte
	PhotoName      string
	PhotoType      string
	Lat            *float64
	Lon            *float64
	IdempotencyKey string
}

// ListParams scope a story listing request.
type ListParams struct {
	Page         int
	Size         int
	WithLocation bool
}

// RemoteError is a rejection from the story API with the server message
// preserved verbatim.
type RemoteError struct {
	StatusCode int
	Message    string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("stories: remote rejected (%d): %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether the error is a remote 404, meaning the entity was
// deleted upstream.
func IsNotFound(err error) bool {
	var remoteErr *RemoteError
	return errors.As(err, &remoteErr) && remoteErr.StatusCode == http.StatusNotFound
}

type envelope struct {
	Error     bool    `json:"error"`
	Message   string  `json:"message"`
	Story     *Story  `json:"story,omitempty"`
	ListStory []Story `json:"listStory,omitempty"`
}

// ClientConfig captures the dependencies of the API client.
type ClientConfig struct {
	BaseURL    string
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Client talks to the remote story API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewClient constructs a story API client with sane defaults.
func NewClient(cfg ClientConfig) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errMissingBaseURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultRequestTimeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{baseURL: base, httpClient: httpClient, logger: logger}, nil
}

// Create submits a story. With an empty token the guest endpoint is used.
func (c *Client) Create(ctx context.Context, draft Draft, token string) (*Story, error) {
	endpoint := c.baseURL + "/stories"
	if token == "" {
		endpoint = c.baseURL + "/stories/guest"
	}

	body, contentType, err := encodeDraft(draft)
	if err != nil {
		return nil, err
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("stories: build request: %w", err)
	}
	request.Header.Set("Content-Type", contentType)
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	if draft.IdempotencyKey != "" {
		request.Header.Set(idempotencyKeyHeader, draft.IdempotencyKey)
	}

	response, err := c.do(request)
	if err != nil {
		return nil, err
	}
	return response.Story, nil
}

// Get fetches the canonical data for a single story.
func (c *Client) Get(ctx context.Context, storyID string, token string) (*Story, error) {
	endpoint := c.baseURL + "/stories/" + url.PathEscape(storyID)
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("stories: build request: %w", err)
	}
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}

	response, err := c.do(request)
	if err != nil {
		return nil, err
	}
	if response.Story == nil {
		return nil, &RemoteError{StatusCode: http.StatusNotFound, Message: "story payload missing"}
	}
	return response.Story, nil
}

// List fetches a page of stories.
func (c *Client) List(ctx context.Context, params ListParams, token string) ([]Story, error) {
	values := url.Values{}
	if params.Page > 0 {
		values.Set("page", strconv.Itoa(params.Page))
	}
	if params.Size > 0 {
		values.Set("size", strconv.Itoa(params.Size))
	}
	if params.WithLocation {
		values.Set("location", "1")
	}

	endpoint := c.baseURL + "/stories"
	if encoded := values.Encode(); encoded != "" {
		endpoint += "?" + encoded
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("stories: build request: %w", err)
	}
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}

	response, err := c.do(request)
	if err != nil {
		return nil, err
	}
	return response.ListStory, nil
}

func (c *Client) do(request *http.Request) (*envelope, error) {
	httpResponse, err := c.httpClient.Do(request)
	if err != nil {
		return nil, fmt.Errorf("stories: request failed: %w", err)
	}
	defer httpResponse.Body.Close()

	payload, err := io.ReadAll(httpResponse.Body)
	if err != nil {
		return nil, fmt.Errorf("stories: read response: %w", err)
	}

	var response envelope
	if err := json.Unmarshal(payload, &response); err != nil {
		if httpResponse.StatusCode >= http.StatusBadRequest {
			return nil, &RemoteError{
				StatusCode: httpResponse.StatusCode,
				Message:    http.StatusText(httpResponse.StatusCode),
			}
		}
		return nil, fmt.Errorf("stories: decode response: %w", err)
	}

	if response.Error || httpResponse.StatusCode >= http.StatusBadRequest {
		message := response.Message
		if message == "" {
			message = http.StatusText(httpResponse.StatusCode)
		}
		return nil, &RemoteError{StatusCode: httpResponse.StatusCode, Message: message}
	}

	return &response, nil
}

func encodeDraft(draft Draft) (io.Reader, string, error) {
	buffer := &bytes.Buffer{}
	writer := multipart.NewWriter(buffer)

	if err := writer.WriteField("description", draft.Description); err != nil {
		return nil, "", fmt.Errorf("stories: encode form: %w", err)
	}

	photoName := draft.PhotoName
	if photoName == "" {
		photoName = "photo"
	}
	header := textproto.MIMEHeader{}
	header.Set("Content-Disposition",
		fmt.Sprintf(`form-data; name="photo"; filename=%q`, photoName))
	if draft.PhotoType != "" {
		header.Set("Content-Type", draft.PhotoType)
	}
	part, err := writer.CreatePart(header)
	if err != nil {
		return nil, "", fmt.Errorf("stories: encode form: %w", err)
	}
	if _, err := part.Write(draft.Photo); err != nil {
		return nil, "", fmt.Errorf("stories: encode form: %w", err)
	}

	if draft.Lat != nil {
		if err := writer.WriteField("lat", strconv.FormatFloat(*draft.Lat, 'f', -1, 64)); err != nil {
			return nil, "", fmt.Errorf("stories: encode form: %w", err)
		}
	}
	if draft.Lon != nil {
		if err := writer.WriteField("lon", strconv.FormatFloat(*draft.Lon, 'f', -1, 64)); err != nil {
			return nil, "", fmt.Errorf("stories: encode form: %w", err)
		}
	}

	if err := writer.Close(); err != nil {
		return nil, "", fmt.Errorf("stories: encode form: %w", err)
	}

	return buffer, writer.FormDataContentType(), nil
}
