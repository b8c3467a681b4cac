// FILE: pkg/knowledge/client.go
// PURPOSE: HTTP client for the external knowledge-indexing service.
// NOTE: The service is a black box; this client only models the
//       request/response contract. Non-success statuses are relayed
//       verbatim, never translated into generic errors.

package knowledge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"kb-gateway-be/pkg/apperror"
)

const (
	documentEndpoint = "/v1/document"
	queryEndpoint    = "/v1/query"

	defaultRequestTimeout = 60 * time.Second
)

// Client talks to the knowledge service. It holds no mutable state
// across calls; the bearer token travels with every request.
type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: defaultRequestTimeout},
	}
}

// NewStreamingClient builds a client without a transport timeout, for
// query streams whose total duration is bounded by the caller's context.
func NewStreamingClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{},
	}
}

// Upload submits a file payload for indexing under the caller's own
// document id, so status and delete calls can use the id the gateway
// handed out before indexing finished. Success means "accepted for
// processing", not "indexed".
func (c *Client) Upload(ctx context.Context, token, documentID, filename string, payload io.Reader) (*UploadResult, error) {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	if err := writer.WriteField("document_id", documentID); err != nil {
		return nil, fmt.Errorf("write document_id field: %w", err)
	}
	part, err := writer.CreateFormFile("file", filename)
	if err != nil {
		return nil, fmt.Errorf("create form file: %w", err)
	}
	if _, err := io.Copy(part, payload); err != nil {
		return nil, fmt.Errorf("copy payload: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+documentEndpoint, &body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+token)

	var result UploadResult
	if err := c.doJSON(req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Status queries the latest known state of a document. Pure read, safe
// to call repeatedly.
func (c *Client) Status(ctx context.Context, token, documentID string) (*StatusSnapshot, error) {
	url := fmt.Sprintf("%s%s/%s/status", c.baseURL, documentEndpoint, documentID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	var snapshot StatusSnapshot
	if err := c.doJSON(req, &snapshot); err != nil {
		return nil, err
	}
	return &snapshot, nil
}

// Delete requests removal of a document. Best-effort from the caller's
// view; the remote purge is not verified.
func (c *Client) Delete(ctx context.Context, token, documentID string) (*DeleteResult, error) {
	url := fmt.Sprintf("%s%s/%s", c.baseURL, documentEndpoint, documentID)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	var result DeleteResult
	if err := c.doJSON(req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Query opens a streamed invocation. The returned Stream yields tagged
// envelopes in arrival order; the caller owns closing it.
func (c *Client) Query(ctx context.Context, request *QueryRequest) (*Stream, error) {
	request.Stream = true

	res, err := c.postQuery(ctx, request)
	if err != nil {
		return nil, err
	}
	return newStream(res.Body), nil
}

// QueryOnce runs a non-streamed invocation and returns the final
// envelope payload directly.
func (c *Client) QueryOnce(ctx context.Context, request *QueryRequest) (string, error) {
	request.Stream = false

	res, err := c.postQuery(ctx, request)
	if err != nil {
		return "", err
	}
	defer res.Body.Close()

	resBody, err := io.ReadAll(res.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}

	var env Envelope
	if err := json.Unmarshal(resBody, &env); err != nil {
		return "", fmt.Errorf("unmarshal response: %w", err)
	}
	return env.Answer()
}

func (c *Client) postQuery(ctx context.Context, request *QueryRequest) (*http.Response, error) {
	payloadJSON, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+queryEndpoint, bytes.NewBuffer(payloadJSON))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+request.Token)

	res, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("knowledge request failed: %w", err)
	}

	if res.StatusCode != http.StatusOK {
		defer res.Body.Close()
		resBody, _ := io.ReadAll(res.Body)
		return nil, apperror.Upstream(res.StatusCode, string(resBody))
	}
	return res, nil
}

// doJSON executes a request and decodes a 200 JSON body into out.
func (c *Client) doJSON(req *http.Request, out interface{}) error {
	res, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("knowledge request failed: %w", err)
	}
	defer res.Body.Close()

	resBody, err := io.ReadAll(res.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if res.StatusCode == http.StatusNotFound {
		return apperror.NotFound("document not found")
	}
	if res.StatusCode != http.StatusOK {
		return apperror.Upstream(res.StatusCode, string(resBody))
	}

	if err := json.Unmarshal(resBody, out); err != nil {
		return fmt.Errorf("unmarshal response: %w", err)
	}
	return nil
}
