package clickhouse

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/pixlake/changestream/internal/model"
)

const tracerName = "github.com/pixlake/changestream/internal/clickhouse"

// maxErrorBody caps how much of a failed response is kept in the error.
const maxErrorBody = 4096

type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

type Config struct {
	URL      string
	Database string
	User     string
	Password string
	Timeout  time.Duration
}

// Client inserts rows through the ClickHouse HTTP interface using the
// JSONEachRow format.
type Client struct {
	endpoint   string
	database   string
	user       string
	password   string
	httpClient HTTPClient
}

func NewClient(cfg Config) (*Client, error) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return NewClientWithHTTP(cfg, &http.Client{Timeout: timeout})
}

func NewClientWithHTTP(cfg Config, client HTTPClient) (*Client, error) {
	endpoint := cfg.URL
	if endpoint == "" {
		endpoint = "http://localhost:8123"
	}
	if !strings.Contains(endpoint, "://") {
		endpoint = "http://" + endpoint
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid clickhouse url %q: %w", cfg.URL, err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("invalid clickhouse url %q: missing host", cfg.URL)
	}
	u.Path = "/"
	u.RawQuery = ""

	return &Client{
		endpoint:   u.String(),
		database:   cfg.Database,
		user:       cfg.User,
		password:   cfg.Password,
		httpClient: client,
	}, nil
}

// BulkInsert writes rows into table in a single request. ClickHouse applies
// the whole body or nothing.
func (c *Client) BulkInsert(ctx context.Context, table string, rows []model.Row) error {
	if len(rows) == 0 {
		return nil
	}

	ctx, span := otel.Tracer(tracerName).Start(ctx, "clickhouse.insert", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "clickhouse"),
		attribute.String("db.name", c.database),
		attribute.String("table", table),
		attribute.Int("rows", len(rows)),
	)

	body, err := encodeRows(rows)
	if err != nil {
		span.RecordError(err)
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.insertURL(table), body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-ndjson")
	if c.user != "" {
		req.SetBasicAuth(c.user, c.password)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "request failed")
		return fmt.Errorf("clickhouse insert into %s failed: %w", table, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		err := &StatusError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(msg))}
		span.RecordError(err)
		span.SetStatus(codes.Error, "unexpected status")
		return fmt.Errorf("clickhouse insert into %s failed: %w", table, err)
	}

	return nil
}

// Ping checks that the server answers on its HTTP interface.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+"ping", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to ping clickhouse: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &StatusError{StatusCode: resp.StatusCode}
	}
	return nil
}

func (c *Client) insertURL(table string) string {
	q := url.Values{}
	if c.database != "" {
		q.Set("database", c.database)
	}
	q.Set("query", fmt.Sprintf("INSERT INTO %s FORMAT JSONEachRow", table))
	return c.endpoint + "?" + q.Encode()
}

func encodeRows(rows []model.Row) (io.Reader, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for i := range rows {
		if err := enc.Encode(&rows[i]); err != nil {
			return nil, fmt.Errorf("failed to encode row %q: %w", rows[i].ID, err)
		}
	}
	return &buf, nil
}

// StatusError is a non-200 answer from ClickHouse.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("clickhouse returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("clickhouse returned status %d: %s", e.StatusCode, e.Message)
}
