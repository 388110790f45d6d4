package storage

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
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"field-service-dispatch-system/shared/clients"
	"field-service-dispatch-system/shared/config"
	"field-service-dispatch-system/shared/logx"
	"field-service-dispatch-system/shared/metricsx"
)

// File is one upload part. Content is read once.
type File struct {
	Name        string
	ContentType string
	Content     io.Reader
}

// Ref identifies a stored file.
type Ref struct {
	ID          string `json:"id"`
	URL         string `json:"url"`
	Name        string `json:"name"`
	ContentType string `json:"contentType"`
	Size        int64  `json:"size"`
}

type uploadResponse struct {
	Files []Ref `json:"files"`
}

// Client talks to the file storage service. Calls are not retried here: an
// upload failure is surfaced to the submitter, who resends with the same
// idempotency key.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
}

func New(cfg config.Config, logger logx.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.StorageURL) == "" {
		return nil, errors.New("STORAGE_URL is required")
	}
	return NewWithHTTPClient(cfg.StorageURL, cfg.StorageToken,
		&http.Client{Timeout: time.Duration(cfg.StorageTimeoutMS) * time.Millisecond}, logger), nil
}

func NewWithHTTPClient(baseURL, token string, hc *http.Client, logger logx.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    hc,
		breaker: clients.NewBreaker("storage", logger),
	}
}

// Upload stores files in one request. The idempotency key lets the storage
// service collapse resubmissions of the same form.
func (c *Client) Upload(ctx context.Context, idempotencyKey string, files []File) ([]Ref, error) {
	if c == nil || c.http == nil {
		return nil, errors.New("storage client not initialized")
	}
	if len(files) == 0 {
		return nil, nil
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for _, f := range files {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="files"; filename=%q`, f.Name))
		ct := f.ContentType
		if ct == "" {
			ct = "application/octet-stream"
		}
		h.Set("Content-Type", ct)
		part, err := mw.CreatePart(h)
		if err != nil {
			return nil, err
		}
		if _, err := io.Copy(part, f.Content); err != nil {
			return nil, fmt.Errorf("read %s: %w", f.Name, err)
		}
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}
	payload := body.Bytes()

	refs, err := clients.Execute(c.breaker, func() ([]Ref, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/files", bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", mw.FormDataContentType())
		req.Header.Set("Idempotency-Key", idempotencyKey)
		c.authorize(req)

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if err := checkStatus(resp); err != nil {
			return nil, err
		}
		var out uploadResponse
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return nil, fmt.Errorf("decode storage response: %w", err)
		}
		if len(out.Files) != len(files) {
			return nil, fmt.Errorf("storage returned %d refs for %d files", len(out.Files), len(files))
		}
		return out.Files, nil
	})
	if err != nil {
		metricsx.IncStorageFailure("upload")
		return nil, err
	}
	return refs, nil
}

// Delete removes a stored file. A file that is already gone counts as
// deleted.
func (c *Client) Delete(ctx context.Context, ref string) error {
	if c == nil || c.http == nil {
		return errors.New("storage client not initialized")
	}
	_, err := clients.Execute(c.breaker, func() (struct{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+"/v1/files/"+url.PathEscape(ref), nil)
		if err != nil {
			return struct{}{}, err
		}
		c.authorize(req)
		resp, err := c.http.Do(req)
		if err != nil {
			return struct{}{}, err
		}
		defer resp.Body.Close()
		if resp.StatusCode == http.StatusNotFound {
			return struct{}{}, nil
		}
		return struct{}{}, checkStatus(resp)
	})
	if err != nil {
		metricsx.IncStorageFailure("delete")
	}
	return err
}

func (c *Client) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return &clients.StatusError{Service: "storage", StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(b))}
}
