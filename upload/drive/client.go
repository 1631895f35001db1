// Package drive implements the resumable-upload protocol client for a
// Drive-style endpoint: initiate a session, send byte-range chunks, probe
// confirmed progress and look up existing files for deduplication.
//
// The client reports protocol outcomes faithfully and performs no
// application-level retries; deciding what to do with an outcome is the
// orchestrator's job. Metadata calls ride a retryable HTTP client for
// transport-level hiccups, chunk PUTs go over a plain client because
// replaying a byte range blindly could confuse offset bookkeeping.
package drive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/retryhttp"
	"github.com/hashicorp/go-retryablehttp"
	"golang.org/x/oauth2"
)

// Default Google Drive v3 endpoints.
const (
	DefaultAPIBaseURL    = "https://www.googleapis.com/drive/v3"
	DefaultUploadBaseURL = "https://www.googleapis.com/upload/drive/v3"
)

// ErrAuthRequired signals that the remote side rejected our credentials and
// the user has to go through the consent flow again.
var ErrAuthRequired = errors.New("authorization required")

// ErrNoSessionURI means the initiate call succeeded but returned no resume
// token, so no resumable session exists.
var ErrNoSessionURI = errors.New("initiate response carries no session URI")

// RemoteFile is the remote side's description of a stored object.
type RemoteFile struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Size        int64  `json:"size,string"`
	MD5Checksum string `json:"md5Checksum"`
}

// ChunkResult is the outcome of one chunk PUT. Either the server confirmed
// some byte count and wants more (Complete == false), or the upload is done
// and File describes the created object.
type ChunkResult struct {
	Complete       bool
	ConfirmedBytes int64
	File           *RemoteFile
}

// ProgressState classifies a progress probe outcome.
type ProgressState int

// ProgressState values.
const (
	ProgressInProgress ProgressState = iota
	ProgressComplete
	ProgressExpired
)

// ProgressResult is the outcome of a zero-payload progress probe.
type ProgressResult struct {
	State          ProgressState
	ConfirmedBytes int64
	File           *RemoteFile
}

// API is the protocol surface the upload orchestrator depends on.
type API interface {
	Initiate(ctx context.Context, folderID, name, mimeType string, totalBytes int64) (string, error)
	UploadChunk(ctx context.Context, sessionURI string, body []byte, offset, totalBytes int64) (ChunkResult, error)
	QueryProgress(ctx context.Context, sessionURI string, totalBytes int64) (ProgressResult, error)
	FindByNameAndSize(ctx context.Context, folderID, name string) (*RemoteFile, error)
}

// ClientConfig holds the client's dependencies and endpoint overrides.
type ClientConfig struct {
	// Tokens supplies the bearer token for every request.
	Tokens oauth2.TokenSource
	// APIBaseURL and UploadBaseURL default to the public Drive v3 endpoints.
	APIBaseURL    string
	UploadBaseURL string
	// ChunkClient is the HTTP client used for chunk PUTs. If nil, a default
	// tuned client is created.
	ChunkClient *http.Client
}

// Client implements API over HTTP.
type Client struct {
	apiBaseURL    string
	uploadBaseURL string
	tokens        oauth2.TokenSource
	metaClient    *retryablehttp.Client
	chunkClient   *http.Client
	logger        log.Logger
}

// NewClient ...
func NewClient(config ClientConfig, logger log.Logger) *Client {
	apiBaseURL := config.APIBaseURL
	if apiBaseURL == "" {
		apiBaseURL = DefaultAPIBaseURL
	}
	uploadBaseURL := config.UploadBaseURL
	if uploadBaseURL == "" {
		uploadBaseURL = DefaultUploadBaseURL
	}
	chunkClient := config.ChunkClient
	if chunkClient == nil {
		chunkClient = defaultChunkClient()
	}

	return &Client{
		apiBaseURL:    apiBaseURL,
		uploadBaseURL: uploadBaseURL,
		tokens:        config.Tokens,
		metaClient:    retryhttp.NewClient(logger),
		chunkClient:   chunkClient,
		logger:        logger,
	}
}

func defaultChunkClient() *http.Client {
	return &http.Client{
		// No timeout, a 5 MiB chunk on a slow link can take a while.
		// Cancellation is the caller's context.
		Timeout: 0,
		Transport: &http.Transport{
			MaxIdleConns:        10,
			IdleConnTimeout:     10 * time.Second,
			TLSHandshakeTimeout: 5 * time.Second,
			Proxy:               http.ProxyFromEnvironment,
		},
	}
}

// Initiate opens a new resumable session and returns its session URI.
func (c *Client) Initiate(ctx context.Context, folderID, name, mimeType string, totalBytes int64) (string, error) {
	apiURL := fmt.Sprintf("%s/files?uploadType=resumable", c.uploadBaseURL)

	body, err := json.Marshal(map[string]interface{}{
		"name":    name,
		"parents": []string{folderID},
	})
	if err != nil {
		return "", err
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, apiURL, body)
	if err != nil {
		return "", err
	}
	if err := c.authorize(req.Header); err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json; charset=UTF-8")
	req.Header.Set("X-Upload-Content-Type", mimeType)
	req.Header.Set("X-Upload-Content-Length", strconv.FormatInt(totalBytes, 10))

	resp, err := c.metaClient.Do(req)
	if err != nil {
		return "", err
	}
	defer c.closeBody(resp.Body)

	if resp.StatusCode == http.StatusUnauthorized {
		return "", ErrAuthRequired
	}
	if resp.StatusCode != http.StatusOK {
		return "", unwrapError(resp)
	}

	sessionURI := resp.Header.Get("Location")
	if sessionURI == "" {
		return "", ErrNoSessionURI
	}
	return sessionURI, nil
}

// UploadChunk sends exactly the given byte range. The server is
// authoritative for how many bytes it actually accepted.
func (c *Client) UploadChunk(ctx context.Context, sessionURI string, body []byte, offset, totalBytes int64) (ChunkResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, sessionURI, bytes.NewReader(body))
	if err != nil {
		return ChunkResult{}, err
	}
	if err := c.authorize(req.Header); err != nil {
		return ChunkResult{}, err
	}
	req.Header.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", offset, offset+int64(len(body))-1, totalBytes))
	req.ContentLength = int64(len(body))

	resp, err := c.chunkClient.Do(req)
	if err != nil {
		return ChunkResult{}, fmt.Errorf("send chunk: %w", err)
	}
	defer c.closeBody(resp.Body)

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated:
		file, err := decodeFile(resp.Body)
		if err != nil {
			return ChunkResult{}, fmt.Errorf("malformed completion response: %w", err)
		}
		return ChunkResult{Complete: true, File: file}, nil
	case http.StatusPermanentRedirect:
		confirmed, err := confirmedBytes(resp.Header)
		if err != nil {
			return ChunkResult{}, err
		}
		return ChunkResult{ConfirmedBytes: confirmed}, nil
	case http.StatusUnauthorized:
		return ChunkResult{}, ErrAuthRequired
	default:
		return ChunkResult{}, unwrapError(resp)
	}
}

// QueryProgress probes how many bytes the server has durably received.
// Only used when resuming; it sends no payload.
func (c *Client) QueryProgress(ctx context.Context, sessionURI string, totalBytes int64) (ProgressResult, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPut, sessionURI, nil)
	if err != nil {
		return ProgressResult{}, err
	}
	if err := c.authorize(req.Header); err != nil {
		return ProgressResult{}, err
	}
	req.Header.Set("Content-Range", fmt.Sprintf("bytes */%d", totalBytes))

	resp, err := c.metaClient.Do(req)
	if err != nil {
		return ProgressResult{}, err
	}
	defer c.closeBody(resp.Body)

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated:
		file, err := decodeFile(resp.Body)
		if err != nil {
			return ProgressResult{}, fmt.Errorf("malformed completion response: %w", err)
		}
		return ProgressResult{State: ProgressComplete, File: file}, nil
	case http.StatusPermanentRedirect:
		confirmed, err := confirmedBytes(resp.Header)
		if err != nil {
			return ProgressResult{}, err
		}
		return ProgressResult{State: ProgressInProgress, ConfirmedBytes: confirmed}, nil
	case http.StatusNotFound:
		return ProgressResult{State: ProgressExpired}, nil
	case http.StatusUnauthorized:
		return ProgressResult{}, ErrAuthRequired
	default:
		return ProgressResult{}, unwrapError(resp)
	}
}

// FindByNameAndSize looks up a non-trashed file with the exact name in the
// destination folder. Returns nil when there is no match; comparing sizes
// is the caller's concern.
func (c *Client) FindByNameAndSize(ctx context.Context, folderID, name string) (*RemoteFile, error) {
	query := fmt.Sprintf("name = '%s' and '%s' in parents and trashed = false",
		escapeQueryTerm(name), escapeQueryTerm(folderID))

	params := url.Values{
		"q":      {query},
		"fields": {"files(id,name,size,md5Checksum)"},
	}
	apiURL := fmt.Sprintf("%s/files?%s", c.apiBaseURL, params.Encode())

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, apiURL, nil)
	if err != nil {
		return nil, err
	}
	if err := c.authorize(req.Header); err != nil {
		return nil, err
	}

	resp, err := c.metaClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer c.closeBody(resp.Body)

	if resp.StatusCode == http.StatusUnauthorized {
		return nil, ErrAuthRequired
	}
	if resp.StatusCode != http.StatusOK {
		return nil, unwrapError(resp)
	}

	var response struct {
		Files []RemoteFile `json:"files"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return nil, fmt.Errorf("malformed file list: %w", err)
	}
	if len(response.Files) == 0 {
		return nil, nil
	}
	return &response.Files[0], nil
}

func (c *Client) authorize(header http.Header) error {
	token, err := c.tokens.Token()
	if err != nil {
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) {
			return fmt.Errorf("%w: %s", ErrAuthRequired, retrieveErr.ErrorCode)
		}
		return fmt.Errorf("get access token: %w", err)
	}
	header.Set("Authorization", "Bearer "+token.AccessToken)
	return nil
}

func (c *Client) closeBody(body io.ReadCloser) {
	if err := body.Close(); err != nil {
		c.logger.Printf(err.Error())
	}
}

func decodeFile(body io.Reader) (*RemoteFile, error) {
	var file RemoteFile
	if err := json.NewDecoder(body).Decode(&file); err != nil {
		return nil, err
	}
	if file.ID == "" {
		return nil, fmt.Errorf("completion response carries no file id")
	}
	return &file, nil
}

// confirmedBytes parses a "Range: bytes=0-N" header into N+1 confirmed
// bytes. A 308 without a Range header means the server has nothing yet.
func confirmedBytes(header http.Header) (int64, error) {
	rangeHeader := header.Get("Range")
	if rangeHeader == "" {
		return 0, nil
	}

	dash := strings.LastIndex(rangeHeader, "-")
	if !strings.HasPrefix(rangeHeader, "bytes=0-") || dash < 0 {
		return 0, fmt.Errorf("malformed Range header: %q", rangeHeader)
	}
	last, err := strconv.ParseInt(rangeHeader[dash+1:], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("malformed Range header: %q", rangeHeader)
	}
	return last + 1, nil
}

func escapeQueryTerm(term string) string {
	term = strings.ReplaceAll(term, `\`, `\\`)
	return strings.ReplaceAll(term, `'`, `\'`)
}

func unwrapError(resp *http.Response) error {
	errorResp, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return err
	}
	return fmt.Errorf("HTTP %d: %s", resp.StatusCode, errorResp)
}
