package firestore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	firestorev1 "google.golang.org/api/firestore/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

const (
	defaultEndpoint = "https://firestore.googleapis.com/"
	listPageSize    = 100
)

var (
	ErrNotFound      = errors.New("firestore: document not found")
	ErrAlreadyExists = errors.New("firestore: document already exists")
)

// APIError is returned for non-2xx responses that do not map to a sentinel.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("firestore: http %d %s: %s", e.Status, e.Code, e.Message)
}

// Document is a stored document. Name is the full resource name.
type Document struct {
	Name       string    `json:"name,omitempty"`
	Fields     Fields    `json:"fields,omitempty"`
	CreateTime time.Time `json:"createTime,omitempty"`
	UpdateTime time.Time `json:"updateTime,omitempty"`
}

// ID returns the last segment of the document name.
func (d *Document) ID() string {
	if d == nil {
		return ""
	}
	return d.Name[strings.LastIndex(d.Name, "/")+1:]
}

func documentFromAPI(d *firestorev1.Document) (*Document, error) {
	fields, err := fieldsFromAPI(d.Fields)
	if err != nil {
		return nil, err
	}
	doc := &Document{Name: d.Name, Fields: fields}
	doc.CreateTime, _ = time.Parse(time.RFC3339Nano, d.CreateTime)
	doc.UpdateTime, _ = time.Parse(time.RFC3339Nano, d.UpdateTime)
	return doc, nil
}

type ctxKey int

const bearerKey ctxKey = iota

// WithBearer makes requests issued with ctx authenticate as the given ID
// token instead of the client's own credentials.
func WithBearer(ctx context.Context, token string) context.Context {
	if token == "" {
		return ctx
	}
	return context.WithValue(ctx, bearerKey, token)
}

func bearerFromContext(ctx context.Context) string {
	token, _ := ctx.Value(bearerKey).(string)
	return token
}

// authTransport prefers a per-request bearer and falls back to service
// credentials when there are any.
type authTransport struct {
	base   http.RoundTripper
	tokens oauth2.TokenSource
}

func (t *authTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	r := req.Clone(req.Context())
	switch token := bearerFromContext(req.Context()); {
	case token != "":
		r.Header.Set("Authorization", "Bearer "+token)
	case t.tokens != nil:
		tok, err := t.tokens.Token()
		if err != nil {
			return nil, fmt.Errorf("firestore: token: %w", err)
		}
		tok.SetAuthHeader(r)
	}
	return t.base.RoundTrip(r)
}

// Config selects the project and how to reach and authenticate against it.
type Config struct {
	ProjectID string
	// BaseURL overrides https://firestore.googleapis.com/.
	BaseURL string
	// EmulatorHost (host:port) wins over BaseURL and disables service auth.
	EmulatorHost    string
	CredentialsJSON []byte
	HTTPClient      *http.Client
}

// Client wraps the generated Firestore v1 documents service.
type Client struct {
	dbPath   string // projects/<p>/databases/(default)/documents
	endpoint string
	httpc    *http.Client
	auth     *authTransport
	docs     *firestorev1.ProjectsDatabasesDocumentsService
}

// NewClient builds a client. Service credentials are optional; without them
// every call must carry a bearer from WithBearer (or target the emulator).
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.ProjectID == "" {
		return nil, errors.New("firestore: project id must be set")
	}
	endpoint := strings.TrimSuffix(strings.TrimRight(cfg.BaseURL, "/"), "/v1")
	if endpoint == "" {
		endpoint = defaultEndpoint
	}
	if cfg.EmulatorHost != "" {
		endpoint = "http://" + cfg.EmulatorHost
	}
	endpoint = strings.TrimRight(endpoint, "/") + "/"

	base := http.DefaultTransport
	timeout := 15 * time.Second
	if cfg.HTTPClient != nil {
		if cfg.HTTPClient.Transport != nil {
			base = cfg.HTTPClient.Transport
		}
		timeout = cfg.HTTPClient.Timeout
	}
	auth := &authTransport{base: base}
	if len(cfg.CredentialsJSON) > 0 && cfg.EmulatorHost == "" {
		creds, err := google.CredentialsFromJSON(ctx, cfg.CredentialsJSON, firestorev1.DatastoreScope)
		if err != nil {
			return nil, fmt.Errorf("firestore: load credentials: %w", err)
		}
		auth.tokens = oauth2.ReuseTokenSource(nil, creds.TokenSource)
	}

	c := &Client{
		dbPath:   fmt.Sprintf("projects/%s/databases/(default)/documents", cfg.ProjectID),
		endpoint: endpoint,
	}
	if err := c.bind(ctx, auth, timeout); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Client) bind(ctx context.Context, auth *authTransport, timeout time.Duration) error {
	httpc := &http.Client{Transport: auth, Timeout: timeout}
	svc, err := firestorev1.NewService(ctx, option.WithHTTPClient(httpc), option.WithEndpoint(c.endpoint))
	if err != nil {
		return fmt.Errorf("firestore: new service: %w", err)
	}
	c.httpc = httpc
	c.auth = auth
	c.docs = svc.Projects.Databases.Documents
	return nil
}

// WithTokenSource returns a copy of the client using ts for service auth.
func (c *Client) WithTokenSource(ts oauth2.TokenSource) *Client {
	clone := *c
	auth := &authTransport{base: c.auth.base, tokens: ts}
	if err := clone.bind(context.Background(), auth, c.httpc.Timeout); err != nil {
		return c
	}
	return &clone
}

func (c *Client) name(path string) string {
	return c.dbPath + "/" + strings.Trim(path, "/")
}

// splitParent turns "users/u1/conversations" into the parent document name
// and the collection id the generated calls expect.
func (c *Client) splitParent(collection string) (string, string) {
	collection = strings.Trim(collection, "/")
	i := strings.LastIndex(collection, "/")
	if i < 0 {
		return c.dbPath, collection
	}
	return c.name(collection[:i]), collection[i+1:]
}

// Get fetches the document at path (relative, e.g. "users/abc").
func (c *Client) Get(ctx context.Context, path string) (*Document, error) {
	d, err := c.docs.Get(c.name(path)).Context(ctx).Do()
	if err != nil {
		return nil, mapError(err)
	}
	return documentFromAPI(d)
}

// Create adds a document under the parent collection. An empty docID lets
// the server assign one.
func (c *Client) Create(ctx context.Context, parent, docID string, fields Fields) (*Document, error) {
	body, err := fields.toAPI()
	if err != nil {
		return nil, err
	}
	p, collection := c.splitParent(parent)
	call := c.docs.CreateDocument(p, collection, &firestorev1.Document{Fields: body}).Context(ctx)
	if docID != "" {
		call = call.DocumentId(docID)
	}
	d, err := call.Do()
	if err != nil {
		return nil, mapError(err)
	}
	return documentFromAPI(d)
}

// Patch writes fields to the document at path. With a mask only the listed
// field paths change; without one the document is replaced (and created if
// missing).
func (c *Client) Patch(ctx context.Context, path string, fields Fields, mask []string) (*Document, error) {
	body, err := fields.toAPI()
	if err != nil {
		return nil, err
	}
	call := c.docs.Patch(c.name(path), &firestorev1.Document{Fields: body}).Context(ctx)
	if len(mask) > 0 {
		call = call.UpdateMaskFieldPaths(mask...)
	}
	d, err := call.Do()
	if err != nil {
		return nil, mapError(err)
	}
	return documentFromAPI(d)
}

// Delete removes the document at path. Deleting a missing document succeeds.
func (c *Client) Delete(ctx context.Context, path string) error {
	_, err := c.docs.Delete(c.name(path)).Context(ctx).Do()
	return mapError(err)
}

// List returns every document in the collection at parent, following page tokens.
func (c *Client) List(ctx context.Context, parent string) ([]*Document, error) {
	p, collection := c.splitParent(parent)
	var out []*Document
	err := c.docs.List(p, collection).PageSize(listPageSize).Pages(ctx, func(page *firestorev1.ListDocumentsResponse) error {
		for _, d := range page.Documents {
			doc, err := documentFromAPI(d)
			if err != nil {
				return err
			}
			out = append(out, doc)
		}
		return nil
	})
	if err != nil {
		if err = mapError(err); errors.Is(err, ErrNotFound) {
			return out, nil
		}
		return nil, err
	}
	return out, nil
}

// FindOne returns the first document of a top-level collection whose field
// equals value, or ErrNotFound.
func (c *Client) FindOne(ctx context.Context, collection, fieldPath string, value Value) (*Document, error) {
	want, err := value.toAPI()
	if err != nil {
		return nil, err
	}
	req := &firestorev1.RunQueryRequest{
		StructuredQuery: &firestorev1.StructuredQuery{
			From: []*firestorev1.CollectionSelector{{CollectionId: collection}},
			Where: &firestorev1.Filter{
				FieldFilter: &firestorev1.FieldFilter{
					Field: &firestorev1.FieldReference{FieldPath: fieldPath},
					Op:    "EQUAL",
					Value: want,
				},
			},
			Limit: 1,
		},
	}
	results, err := c.runQuery(ctx, req)
	if err != nil {
		return nil, err
	}
	for _, r := range results {
		if r.Document != nil {
			return documentFromAPI(r.Document)
		}
	}
	return nil, ErrNotFound
}

// runQuery posts the query itself because the endpoint streams a JSON array
// of RunQueryResponse, which the generated call decodes as a single object.
func (c *Client) runQuery(ctx context.Context, q *firestorev1.RunQueryRequest) ([]*firestorev1.RunQueryResponse, error) {
	payload, err := json.Marshal(q)
	if err != nil {
		return nil, fmt.Errorf("firestore: encode query: %w", err)
	}
	u := c.endpoint + "v1/" + c.dbPath + ":runQuery"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := c.httpc.Do(req)
	if err != nil {
		return nil, err
	}
	defer googleapi.CloseBody(res)
	if err := googleapi.CheckResponse(res); err != nil {
		return nil, mapError(err)
	}
	var results []*firestorev1.RunQueryResponse
	if err := json.NewDecoder(res.Body).Decode(&results); err != nil {
		return nil, fmt.Errorf("firestore: decode query: %w", err)
	}
	return results, nil
}

func mapError(err error) error {
	if err == nil {
		return nil
	}
	var gerr *googleapi.Error
	if !errors.As(err, &gerr) {
		return err
	}
	status := ""
	if len(gerr.Errors) > 0 {
		status = gerr.Errors[0].Reason
	}
	if s := rpcStatus(gerr.Body); s != "" {
		status = s
	}
	switch {
	case gerr.Code == http.StatusNotFound:
		return ErrNotFound
	case gerr.Code == http.StatusConflict && status == "ALREADY_EXISTS":
		return ErrAlreadyExists
	}
	return &APIError{Status: gerr.Code, Code: status, Message: gerr.Message}
}

func rpcStatus(body string) string {
	var env struct {
		Error struct {
			Status string `json:"status"`
		} `json:"error"`
	}
	if json.Unmarshal([]byte(body), &env) != nil {
		return ""
	}
	return env.Error.Status
}
