// Package httprpc implements storage.RPC over a JSON API style HTTP object
// service with resumable upload sessions, and serves the same protocol from
// a memstore.Store.
package httprpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"net/url"
	"regexp"
	"strconv"

	"github.com/bitrise-io/go-resumable/storage"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/retryhttp"
	"github.com/hashicorp/go-retryablehttp"
	"google.golang.org/api/googleapi"
)

// Granularity is the unit non-final chunks must be a multiple of.
const Granularity = 256 * 1024

const generationHeader = "X-Goog-Generation"

var rangeHeader = regexp.MustCompile(`^bytes=([0-9]+)-([0-9]+)$`)

// Params configures a Client.
type Params struct {
	// BaseURL is the root of the service, e.g. https://storage.googleapis.com.
	BaseURL string
	// Token is sent as a bearer token when not empty.
	Token  string
	Logger log.Logger
	// HTTPClient overrides the default client built by NewClient.
	HTTPClient *retryablehttp.Client
}

// Client is a storage.RPC over HTTP.
type Client struct {
	httpClient *retryablehttp.Client
	baseURL    *url.URL
	token      string
	logger     log.Logger
}

var _ storage.RPC = (*Client)(nil)

// NewClient ...
func NewClient(p Params) (*Client, error) {
	base, err := url.Parse(p.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("%w: base url %q must be absolute", storage.ErrInvalidArgument, p.BaseURL)
	}

	logger := p.Logger
	if logger == nil {
		logger = log.NewLogger()
	}

	httpClient := p.HTTPClient
	if httpClient == nil {
		httpClient = retryhttp.NewClient(logger)
		httpClient.CheckRetry = createConnectionRetryFunction(logger)
		httpClient.ErrorHandler = retryablehttp.PassthroughErrorHandler
	}

	return &Client{
		httpClient: httpClient,
		baseURL:    base,
		token:      p.Token,
		logger:     logger,
	}, nil
}

// createConnectionRetryFunction retries requests that never got a response.
// Error statuses are returned to the channel, whose executor classifies them.
func createConnectionRetryFunction(logger log.Logger) retryablehttp.CheckRetry {
	return func(ctx context.Context, resp *http.Response, requestErr error) (bool, error) {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		if requestErr == nil {
			return false, nil
		}
		retry, err := retryablehttp.DefaultRetryPolicy(ctx, resp, requestErr)
		logger.Debugf("CheckRetry: retry=%v ; err=%+v ; requestErr=%+v", retry, err, requestErr)
		return retry, err
	}
}

// ChunkGranularity implements storage.ChunkGranularity.
func (c *Client) ChunkGranularity() int {
	return Granularity
}

// ReadChunk implements storage.RPC.
func (c *Client) ReadChunk(ctx context.Context, blob storage.BlobID, offset int64, length int, opts storage.Options) (storage.Chunk, error) {
	query := url.Values{"alt": {"media"}}
	addPreconditions(query, opts)

	req, err := c.newRequest(ctx, http.MethodGet, c.objectURL(blob, query), nil)
	if err != nil {
		return storage.Chunk{}, err
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", offset, offset+int64(length)-1))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return storage.Chunk{}, err
	}
	defer c.closeBody(resp.Body)

	generation, _ := strconv.ParseInt(resp.Header.Get(generationHeader), 10, 64)

	switch resp.StatusCode {
	case http.StatusRequestedRangeNotSatisfiable:
		return storage.Chunk{Generation: generation}, nil
	case http.StatusOK:
		// The service ignored the range and sent the whole object.
		if _, err := io.CopyN(io.Discard, resp.Body, offset); err != nil {
			if errors.Is(err, io.EOF) {
				return storage.Chunk{Generation: generation}, nil
			}
			return storage.Chunk{}, fmt.Errorf("skip to offset %d: %w", offset, err)
		}
	case http.StatusPartialContent:
	default:
		return storage.Chunk{}, checkResponse(resp)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, int64(length)))
	if err != nil {
		return storage.Chunk{}, fmt.Errorf("read response body: %w", err)
	}
	return storage.Chunk{Data: data, Generation: generation}, nil
}

type objectResource struct {
	Bucket             string            `json:"bucket"`
	Name               string            `json:"name"`
	Size               string            `json:"size,omitempty"`
	Generation         string            `json:"generation,omitempty"`
	Metageneration     string            `json:"metageneration,omitempty"`
	ContentType        string            `json:"contentType,omitempty"`
	ContentEncoding    string            `json:"contentEncoding,omitempty"`
	CacheControl       string            `json:"cacheControl,omitempty"`
	ContentDisposition string            `json:"contentDisposition,omitempty"`
	ContentLanguage    string            `json:"contentLanguage,omitempty"`
	Metadata           map[string]string `json:"metadata,omitempty"`
}

// Stat implements storage.RPC.
func (c *Client) Stat(ctx context.Context, blob storage.BlobID) (storage.ObjectInfo, error) {
	req, err := c.newRequest(ctx, http.MethodGet, c.objectURL(blob, nil), nil)
	if err != nil {
		return storage.ObjectInfo{}, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return storage.ObjectInfo{}, err
	}
	defer c.closeBody(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return storage.ObjectInfo{}, checkResponse(resp)
	}

	var resource objectResource
	if err := json.NewDecoder(resp.Body).Decode(&resource); err != nil {
		return storage.ObjectInfo{}, fmt.Errorf("decode object resource: %w", err)
	}

	info := storage.ObjectInfo{Blob: blob, ContentType: resource.ContentType}
	for _, field := range []struct {
		value string
		dst   *int64
	}{
		{resource.Size, &info.Size},
		{resource.Generation, &info.Generation},
		{resource.Metageneration, &info.Metageneration},
	} {
		if field.value == "" {
			continue
		}
		if *field.dst, err = strconv.ParseInt(field.value, 10, 64); err != nil {
			return storage.ObjectInfo{}, fmt.Errorf("parse object resource: %w", err)
		}
	}
	return info, nil
}

// StartResumableUpload implements storage.RPC. The session id is the session URI.
func (c *Client) StartResumableUpload(ctx context.Context, blob storage.BlobID, opts storage.Options) (string, error) {
	query := url.Values{"uploadType": {"resumable"}, "name": {blob.Name}}
	addPreconditions(query, opts)
	if acl := opts.Text(storage.KindPredefinedACL); acl != "" {
		query.Set("predefinedAcl", acl)
	}

	body, err := json.Marshal(objectResource{
		Bucket:             blob.Bucket,
		Name:               blob.Name,
		ContentType:        opts.Text(storage.KindContentType),
		ContentEncoding:    opts.Text(storage.KindContentEncoding),
		CacheControl:       opts.Text(storage.KindCacheControl),
		ContentDisposition: opts.Text(storage.KindContentDisposition),
		ContentLanguage:    opts.Text(storage.KindContentLanguage),
		Metadata:           opts.Metadata(),
	})
	if err != nil {
		return "", err
	}

	u := c.baseURL.JoinPath("upload", "storage", "v1", "b", blob.Bucket, "o")
	u.RawQuery = query.Encode()

	req, err := c.newRequest(ctx, http.MethodPost, u.String(), body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json; charset=UTF-8")
	if ct := opts.Text(storage.KindContentType); ct != "" {
		req.Header.Set("X-Upload-Content-Type", ct)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer c.closeBody(resp.Body)

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", checkResponse(resp)
	}

	location := resp.Header.Get("Location")
	if location == "" {
		return "", &storage.ServiceError{Code: resp.StatusCode, Message: "resumable upload response has no Location header"}
	}
	session, err := c.baseURL.Parse(location)
	if err != nil {
		return "", fmt.Errorf("parse session uri: %w", err)
	}
	return session.String(), nil
}

// WriteChunk implements storage.RPC.
func (c *Client) WriteChunk(ctx context.Context, sessionID string, offset int64, data []byte, final bool) (int64, error) {
	length := int64(len(data))
	size := "*"
	if final {
		size = strconv.FormatInt(offset+length, 10)
	}

	req, err := c.newRequest(ctx, http.MethodPut, sessionID, data)
	if err != nil {
		return 0, err
	}
	if length == 0 {
		req.Header.Set("Content-Range", fmt.Sprintf("bytes */%s", size))
	} else {
		req.Header.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%s", offset, offset+length-1, size))
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.ContentLength = length

	dump, err := httputil.DumpRequest(req.Request, false)
	if err != nil {
		c.logger.Warnf("error while dumping request: %s", err)
	}
	c.logger.Debugf("Chunk request dump: %s", string(dump))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer c.closeBody(resp.Body)

	switch resp.StatusCode {
	case http.StatusPermanentRedirect:
		return persistedBytes(resp.Header.Get("Range"))
	case http.StatusOK, http.StatusCreated:
		return offset + length, nil
	default:
		return 0, checkResponse(resp)
	}
}

// persistedBytes parses the Range header of a 308 answer. A missing header
// means nothing has been persisted yet.
func persistedBytes(header string) (int64, error) {
	if header == "" {
		return 0, nil
	}
	groups := rangeHeader.FindStringSubmatch(header)
	if groups == nil {
		return 0, &storage.ServiceError{Code: http.StatusPermanentRedirect, Message: fmt.Sprintf("malformed Range header %q", header)}
	}
	end, err := strconv.ParseInt(groups[2], 10, 64)
	if err != nil {
		return 0, err
	}
	return end + 1, nil
}

func (c *Client) newRequest(ctx context.Context, method, rawURL string, body []byte) (*retryablehttp.Request, error) {
	var reqBody interface{}
	if body != nil {
		reqBody = body
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, method, rawURL, reqBody)
	if err != nil {
		return nil, err
	}
	if c.token != "" {
		req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.token))
	}
	return req, nil
}

func (c *Client) objectURL(blob storage.BlobID, query url.Values) string {
	u := c.baseURL.JoinPath("storage", "v1", "b", blob.Bucket, "o")
	// Object names keep their slashes escaped in the path.
	u.RawPath = u.EscapedPath() + "/" + url.PathEscape(blob.Name)
	u.Path = u.Path + "/" + blob.Name
	if query != nil {
		u.RawQuery = query.Encode()
	}
	return u.String()
}

func (c *Client) closeBody(body io.ReadCloser) {
	if err := body.Close(); err != nil {
		c.logger.Printf(err.Error())
	}
}

func addPreconditions(query url.Values, opts storage.Options) {
	for kind, name := range map[storage.OptionKind]string{
		storage.KindGenerationMatch:        "ifGenerationMatch",
		storage.KindGenerationNotMatch:     "ifGenerationNotMatch",
		storage.KindMetagenerationMatch:    "ifMetagenerationMatch",
		storage.KindMetagenerationNotMatch: "ifMetagenerationNotMatch",
	} {
		if v, ok := opts.Number(kind); ok {
			query.Set(name, strconv.FormatInt(v, 10))
		}
	}
}

// checkResponse converts an error answer to a *storage.ServiceError.
func checkResponse(resp *http.Response) error {
	err := googleapi.CheckResponse(resp)
	if err == nil {
		return &storage.ServiceError{Code: resp.StatusCode, Message: fmt.Sprintf("unexpected status %s", resp.Status)}
	}

	var apiErr *googleapi.Error
	if !errors.As(err, &apiErr) {
		return err
	}
	serviceErr := &storage.ServiceError{Code: apiErr.Code, Message: apiErr.Message}
	if len(apiErr.Errors) > 0 {
		serviceErr.Reason = apiErr.Errors[0].Reason
		if serviceErr.Message == "" {
			serviceErr.Message = apiErr.Errors[0].Message
		}
	}
	if serviceErr.Message == "" {
		serviceErr.Message = apiErr.Body
	}
	return serviceErr
}
