// Package github implements the handler artifact store on top of the
// GitHub contents API. Every generated handler source lives as one file
// in a repository directory; the blob SHA is the version token that
// makes overwrites conditional and retries safe.
package github

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/modularbot/bot-factory/pkg/retry"
)

// ══════════════════════════════════════════════════════════════════════════════
// CONFIGURATION
// ══════════════════════════════════════════════════════════════════════════════

// ClientConfig contains configuration for the contents API client.
type ClientConfig struct {
	// Token is a fine-grained or classic PAT with contents:write.
	Token string

	// Owner and Repo identify the artifact repository.
	Owner string
	Repo  string

	// Branch to read and write (default "main").
	Branch string

	// PathPrefix is the repository directory that holds handler files.
	PathPrefix string

	// BaseURL is the API base (default https://api.github.com),
	// overridable for tests.
	BaseURL string

	// Timeout is the HTTP request timeout.
	Timeout time.Duration

	// Logger for structured logging
	Logger *slog.Logger
}

// DefaultClientConfig returns sensible defaults.
func DefaultClientConfig(token, owner, repo string) ClientConfig {
	return ClientConfig{
		Token:   token,
		Owner:   owner,
		Repo:    repo,
		Branch:  "main",
		BaseURL: "https://api.github.com",
		Timeout: 30 * time.Second,
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// ERRORS
// ══════════════════════════════════════════════════════════════════════════════

var (
	// ErrNotFound indicates the file does not exist in the repository.
	ErrNotFound = errors.New("github: file not found")

	// ErrVersionConflict indicates the provided blob SHA no longer matches
	// the file: someone else wrote it in between.
	ErrVersionConflict = errors.New("github: version conflict")
)

// APIError represents a non-2xx contents API response.
type APIError struct {
	StatusCode int
	Message    string
}

// Error implements the error interface.
func (e *APIError) Error() string {
	return fmt.Sprintf("github api error %d: %s", e.StatusCode, e.Message)
}

// ══════════════════════════════════════════════════════════════════════════════
// CLIENT
// ══════════════════════════════════════════════════════════════════════════════

// Client is the GitHub contents API client.
type Client struct {
	config     ClientConfig
	httpClient *http.Client
	logger     *slog.Logger
	retrier    *retry.Retrier
}

// NewClient creates a new contents API client.
func NewClient(config ClientConfig) *Client {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.BaseURL == "" {
		config.BaseURL = "https://api.github.com"
	}
	if config.Branch == "" {
		config.Branch = "main"
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}

	return &Client{
		config: config,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
		logger:  config.Logger,
		retrier: retry.ArtifactStoreRetrier(),
	}
}

// File is one stored artifact with its version token.
type File struct {
	Path    string
	Content []byte

	// Version is the blob SHA required for conditional overwrites.
	Version string
}

// Entry is a directory listing item.
type Entry struct {
	Name    string
	Path    string
	Version string
	Size    int64
}

// ─────────────────────────────────────────────────────────────────────────────
// DTOs
// ─────────────────────────────────────────────────────────────────────────────

type contentDTO struct {
	Name     string `json:"name"`
	Path     string `json:"path"`
	SHA      string `json:"sha"`
	Size     int64  `json:"size"`
	Type     string `json:"type"`
	Content  string `json:"content,omitempty"`
	Encoding string `json:"encoding,omitempty"`
}

type putRequest struct {
	Message string `json:"message"`
	Content string `json:"content"`
	Branch  string `json:"branch"`
	SHA     string `json:"sha,omitempty"`
}

type putResponse struct {
	Content *contentDTO `json:"content"`
}

type errorDTO struct {
	Message string `json:"message"`
}

// ══════════════════════════════════════════════════════════════════════════════
// OPERATIONS
// ══════════════════════════════════════════════════════════════════════════════

// Get fetches a file and its version.
func (c *Client) Get(ctx context.Context, name string) (*File, error) {
	var dto contentDTO
	if err := c.do(ctx, http.MethodGet, c.contentURL(name), nil, &dto); err != nil {
		return nil, err
	}

	raw, err := decodeContent(dto)
	if err != nil {
		return nil, err
	}

	return &File{Path: dto.Path, Content: raw, Version: dto.SHA}, nil
}

// Exists reports whether a file is present.
func (c *Client) Exists(ctx context.Context, name string) (bool, error) {
	_, err := c.Get(ctx, name)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Create stores a new file. Fails with ErrVersionConflict when the file
// already exists.
func (c *Client) Create(ctx context.Context, name string, content []byte, message string) (*File, error) {
	return c.put(ctx, name, content, "", message)
}

// Update overwrites a file. version must be the blob SHA returned by a
// prior Get/Create; a stale version yields ErrVersionConflict.
func (c *Client) Update(ctx context.Context, name string, content []byte, version, message string) (*File, error) {
	if version == "" {
		return nil, fmt.Errorf("github: update requires a version")
	}
	return c.put(ctx, name, content, version, message)
}

// Save stores the file whether or not it exists yet: a lookup decides
// between create and conditional overwrite.
func (c *Client) Save(ctx context.Context, name string, content []byte, message string) (*File, error) {
	existing, err := c.Get(ctx, name)
	if errors.Is(err, ErrNotFound) {
		return c.Create(ctx, name, content, message)
	}
	if err != nil {
		return nil, err
	}
	return c.Update(ctx, name, content, existing.Version, message)
}

// List returns the entries of the artifact directory. A missing
// directory is an empty store, not an error.
func (c *Client) List(ctx context.Context) ([]Entry, error) {
	var dtos []contentDTO
	err := c.do(ctx, http.MethodGet, c.contentURL(""), nil, &dtos)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	entries := make([]Entry, 0, len(dtos))
	for _, dto := range dtos {
		if dto.Type != "file" {
			continue
		}
		entries = append(entries, Entry{
			Name:    dto.Name,
			Path:    dto.Path,
			Version: dto.SHA,
			Size:    dto.Size,
		})
	}
	return entries, nil
}

// put performs the create/update call under the artifact retry profile.
func (c *Client) put(ctx context.Context, name string, content []byte, version, message string) (*File, error) {
	body := putRequest{
		Message: message,
		Content: base64.StdEncoding.EncodeToString(content),
		Branch:  c.config.Branch,
		SHA:     version,
	}

	var resp putResponse
	err := c.retrier.Do(ctx, func(ctx context.Context) error {
		err := c.do(ctx, http.MethodPut, c.contentURL(name), body, &resp)
		if err == nil {
			return nil
		}
		var apiErr *APIError
		if errors.As(err, &apiErr) && (apiErr.StatusCode == http.StatusTooManyRequests || apiErr.StatusCode >= 500) {
			return retry.Retryable(err)
		}
		return retry.Permanent(err)
	})
	if err != nil {
		return nil, err
	}
	if resp.Content == nil {
		return nil, fmt.Errorf("github: put returned no content")
	}

	return &File{Path: resp.Content.Path, Content: content, Version: resp.Content.SHA}, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// HTTP plumbing
// ─────────────────────────────────────────────────────────────────────────────

func (c *Client) contentURL(name string) string {
	path := strings.Trim(c.config.PathPrefix, "/")
	if name != "" {
		if path != "" {
			path += "/"
		}
		path += name
	}
	u := fmt.Sprintf("%s/repos/%s/%s/contents/%s",
		c.config.BaseURL, c.config.Owner, c.config.Repo, path)
	if c.config.Branch != "" {
		u += "?ref=" + url.QueryEscape(c.config.Branch)
	}
	return u
}

func (c *Client) do(ctx context.Context, method, fullURL string, body any, result any) error {
	var bodyReader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal body: %w", err)
		}
		bodyReader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, fullURL, bodyReader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.config.Token)
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode == http.StatusConflict,
		resp.StatusCode == http.StatusUnprocessableEntity:
		return fmt.Errorf("%w: %s", ErrVersionConflict, shortMessage(respBody))
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return &APIError{StatusCode: resp.StatusCode, Message: shortMessage(respBody)}
	}

	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("unmarshal response: %w", err)
		}
	}
	return nil
}

func decodeContent(dto contentDTO) ([]byte, error) {
	if dto.Encoding != "base64" {
		return []byte(dto.Content), nil
	}
	// The API wraps base64 at 60 columns.
	cleaned := strings.ReplaceAll(dto.Content, "\n", "")
	raw, err := base64.StdEncoding.DecodeString(cleaned)
	if err != nil {
		return nil, fmt.Errorf("github: decode content: %w", err)
	}
	return raw, nil
}

func shortMessage(body []byte) string {
	var dto errorDTO
	if err := json.Unmarshal(body, &dto); err == nil && dto.Message != "" {
		return dto.Message
	}
	msg := string(body)
	if len(msg) > 200 {
		msg = msg[:200]
	}
	return msg
}
