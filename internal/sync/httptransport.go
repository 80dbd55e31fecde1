package sync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/tablekit/tablesync/internal/schema"
)

// HTTPTransport implements Transport against a server speaking the
// JSON binding of the sync verbs. The binding is one resource tree per
// app:
//
//	GET  {base}/apps/{app}                          verify
//	GET  {base}/apps/{app}/tables                   list tables
//	GET  {base}/apps/{app}/tables/{id}              definition + schema etag
//	PUT  {base}/apps/{app}/tables/{id}              create table
//	GET  {base}/apps/{app}/tables/{id}/rows?since=  row delta
//	POST {base}/apps/{app}/tables/{id}/rows         push rows
//	GET  {base}/apps/{app}/manifest[/{id}]          file manifest
//	POST {base}/apps/{app}/tables/{id}/rows/{rid}/attachments
//
// HTTP status codes map onto the sentinel error classes; anything the
// mapping does not recognize is treated as transient.
type HTTPTransport struct {
	base     *url.URL
	appName  string
	token    string
	filesDir string
	client   *http.Client
}

// NewHTTPTransport creates a transport for one server and app. Files
// fetched via FetchFile land under filesDir. token, when non-empty, is
// sent as a bearer credential.
func NewHTTPTransport(serverURL, appName, token, filesDir string, client *http.Client) (*HTTPTransport, error) {
	base, err := url.Parse(serverURL)
	if err != nil {
		return nil, fmt.Errorf("invalid server url %q: %w", serverURL, err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("server url %q must include scheme and host", serverURL)
	}
	if appName == "" {
		return nil, fmt.Errorf("app name cannot be empty")
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPTransport{
		base:     base,
		appName:  appName,
		token:    token,
		filesDir: filesDir,
		client:   client,
	}, nil
}

func (t *HTTPTransport) endpoint(parts ...string) string {
	segments := append([]string{"apps", t.appName}, parts...)
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	u := *t.base
	u.Path = strings.TrimRight(u.Path, "/") + "/" + strings.Join(segments, "/")
	return u.String()
}

// do issues one request and decodes a JSON response body into out when
// out is non-nil. Non-2xx statuses become classified errors.
func (t *HTTPTransport) do(ctx context.Context, method, rawURL string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if t.token != "" {
		req.Header.Set("Authorization", "Bearer "+t.token)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, rawURL, err)
	}
	defer resp.Body.Close()

	if err := classifyStatus(resp.StatusCode); err != nil {
		return fmt.Errorf("%s %s: %w", method, rawURL, err)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s %s: failed to decode response: %w", method, rawURL, err)
	}
	return nil
}

// classifyStatus maps an HTTP status onto the sentinel error classes.
func classifyStatus(code int) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusUnauthorized:
		return ErrAuth
	case code == http.StatusForbidden:
		return ErrAccessDenied
	case code == http.StatusNotFound:
		return ErrNotFound
	case code == http.StatusUpgradeRequired:
		return ErrIncompatibleServer
	case code >= 500:
		return ErrServerInternal
	default:
		return fmt.Errorf("unexpected status %d", code)
	}
}

func (t *HTTPTransport) VerifyServer(ctx context.Context, appName string) error {
	if appName != t.appName {
		return fmt.Errorf("transport is bound to app %q, not %q", t.appName, appName)
	}
	return t.do(ctx, http.MethodGet, t.endpoint(), nil, nil)
}

func (t *HTTPTransport) ListTables(ctx context.Context) ([]TableResource, error) {
	var tables []TableResource
	if err := t.do(ctx, http.MethodGet, t.endpoint("tables"), nil, &tables); err != nil {
		return nil, err
	}
	return tables, nil
}

// tableDefinition is the wire form of a table's schema.
type tableDefinition struct {
	Columns    []schema.RawColumn `json:"columns"`
	SchemaETag string             `json:"schema_etag"`
}

func (t *HTTPTransport) GetTableDefinition(ctx context.Context, tableID string) ([]schema.RawColumn, string, error) {
	var def tableDefinition
	if err := t.do(ctx, http.MethodGet, t.endpoint("tables", tableID), nil, &def); err != nil {
		return nil, "", err
	}
	return def.Columns, def.SchemaETag, nil
}

func (t *HTTPTransport) CreateTable(ctx context.Context, tableID string, columns []schema.RawColumn) (*TableResource, error) {
	var tr TableResource
	err := t.do(ctx, http.MethodPut, t.endpoint("tables", tableID),
		tableDefinition{Columns: columns}, &tr)
	if err != nil {
		return nil, err
	}
	return &tr, nil
}

func (t *HTTPTransport) GetRowsSince(ctx context.Context, tableID, dataETag string) (*RowChangeSet, error) {
	endpoint := t.endpoint("tables", tableID, "rows")
	if dataETag != "" {
		endpoint += "?since=" + url.QueryEscape(dataETag)
	}
	var cs RowChangeSet
	if err := t.do(ctx, http.MethodGet, endpoint, nil, &cs); err != nil {
		return nil, err
	}
	return &cs, nil
}

// rowPush is the wire form of a row push request.
type rowPush struct {
	DataETag string        `json:"data_etag"`
	Rows     []RowResource `json:"rows"`
}

func (t *HTTPTransport) PushRows(ctx context.Context, tableID, dataETag string, rows []RowResource) (*RowOutcomeSet, error) {
	var verdicts RowOutcomeSet
	err := t.do(ctx, http.MethodPost, t.endpoint("tables", tableID, "rows"),
		rowPush{DataETag: dataETag, Rows: rows}, &verdicts)
	if err != nil {
		return nil, err
	}
	return &verdicts, nil
}

func (t *HTTPTransport) GetManifest(ctx context.Context, tableID *string) (*Manifest, error) {
	endpoint := t.endpoint("manifest")
	if tableID != nil {
		endpoint = t.endpoint("manifest", *tableID)
	}
	var m Manifest
	if err := t.do(ctx, http.MethodGet, endpoint, nil, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// FetchFile downloads one manifest file into the transport's files
// directory, preserving any relative path in the filename.
func (t *HTTPTransport) FetchFile(ctx context.Context, file ManifestFile) error {
	if t.filesDir == "" {
		return fmt.Errorf("transport has no files directory configured")
	}
	dest := filepath.Join(t.filesDir, filepath.FromSlash(file.Filename))
	rel, err := filepath.Rel(t.filesDir, dest)
	if err != nil || strings.HasPrefix(rel, "..") {
		return fmt.Errorf("manifest filename %q escapes the files directory", file.Filename)
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", file.Filename, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, file.URL, nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if t.token != "" {
		req.Header.Set("Authorization", "Bearer "+t.token)
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("GET %s: %w", file.URL, err)
	}
	defer resp.Body.Close()
	if err := classifyStatus(resp.StatusCode); err != nil {
		return fmt.Errorf("GET %s: %w", file.URL, err)
	}

	f, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", dest, err)
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		return fmt.Errorf("failed to write %s: %w", dest, err)
	}
	return f.Close()
}

// attachmentStatus is the wire form of an attachment sync response.
type attachmentStatus struct {
	Resolved bool `json:"resolved"`
}

func (t *HTTPTransport) SyncRowAttachments(ctx context.Context, tableID, rowID string) (bool, error) {
	var status attachmentStatus
	err := t.do(ctx, http.MethodPost,
		t.endpoint("tables", tableID, "rows", rowID, "attachments"), nil, &status)
	if err != nil {
		return false, err
	}
	return status.Resolved, nil
}
