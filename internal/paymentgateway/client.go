package paymentgateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	paymentgatewaytypes "github.com/frahmantamala/lms-backend/internal/core/datamodel/paymentgateway"
)

const tracerName = "github.com/frahmantamala/lms-backend/internal/paymentgateway"

var (
	// ErrNotFound is returned when the gateway has no transaction for the given id.
	ErrNotFound = errors.New("transaction not found at gateway")
	// ErrRejected is returned when the gateway refuses an operation for the transaction's current state.
	ErrRejected = errors.New("gateway rejected the operation")
)

// LatencyObserver records gateway round trips. Satisfied by the metrics package.
type LatencyObserver interface {
	ObserveGatewayCall(operation string, outcome string, elapsed time.Duration)
}

type Client struct {
	serverKey  string
	snapURL    string
	apiURL     string
	httpClient *http.Client
	logger     *slog.Logger
	observer   LatencyObserver
	tracer     trace.Tracer
}

type Config struct {
	ServerKey      string
	SnapURL        string
	APIURL         string
	RequestTimeout time.Duration
}

func NewClient(config Config, logger *slog.Logger) *Client {
	timeout := config.RequestTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	return &Client{
		serverKey:  config.ServerKey,
		snapURL:    strings.TrimRight(config.SnapURL, "/"),
		apiURL:     strings.TrimRight(config.APIURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
		tracer:     otel.Tracer(tracerName),
	}
}

// WithTracerProvider replaces the global tracer provider for gateway spans.
func (c *Client) WithTracerProvider(provider trace.TracerProvider) *Client {
	c.tracer = provider.Tracer(tracerName)
	return c
}

// WithObserver attaches a latency observer and returns the client.
func (c *Client) WithObserver(observer LatencyObserver) *Client {
	c.observer = observer
	return c
}

func (c *Client) CreateTransaction(ctx context.Context, req *paymentgatewaytypes.CreateTransactionRequest) (*paymentgatewaytypes.CreateTransactionResponse, error) {
	c.logger.Info("gateway: creating checkout transaction",
		"order_id", req.TransactionDetails.OrderID,
		"gross_amount", req.TransactionDetails.GrossAmount)

	var resp paymentgatewaytypes.CreateTransactionResponse
	status, err := c.do(ctx, "create", http.MethodPost, c.snapURL+"/snap/v1/transactions", req, &resp)
	if err != nil {
		return nil, err
	}

	if status != http.StatusCreated && status != http.StatusOK {
		return nil, fmt.Errorf("gateway returned status %d: %s", status, strings.Join(resp.ErrorMessages, "; "))
	}
	if resp.Token == "" {
		return nil, fmt.Errorf("gateway returned no checkout token")
	}

	c.logger.Info("gateway: checkout transaction created",
		"order_id", req.TransactionDetails.OrderID,
		"redirect_url", resp.RedirectURL)

	return &resp, nil
}

// GetStatus queries the core API. id may be either the order id or the gateway transaction id.
func (c *Client) GetStatus(ctx context.Context, id string) (*paymentgatewaytypes.StatusResponse, error) {
	return c.statusCall(ctx, "status", http.MethodGet, id, "status", nil)
}

func (c *Client) Cancel(ctx context.Context, id string) (*paymentgatewaytypes.StatusResponse, error) {
	return c.statusCall(ctx, "cancel", http.MethodPost, id, "cancel", nil)
}

func (c *Client) Expire(ctx context.Context, id string) (*paymentgatewaytypes.StatusResponse, error) {
	return c.statusCall(ctx, "expire", http.MethodPost, id, "expire", nil)
}

func (c *Client) Refund(ctx context.Context, id string, req *paymentgatewaytypes.RefundRequest) (*paymentgatewaytypes.StatusResponse, error) {
	if req == nil {
		req = &paymentgatewaytypes.RefundRequest{}
	}
	return c.statusCall(ctx, "refund", http.MethodPost, id, "refund", req)
}

func (c *Client) statusCall(ctx context.Context, operation, method, id, action string, body interface{}) (*paymentgatewaytypes.StatusResponse, error) {
	endpoint := fmt.Sprintf("%s/v2/%s/%s", c.apiURL, url.PathEscape(id), action)

	var resp paymentgatewaytypes.StatusResponse
	status, err := c.do(ctx, operation, method, endpoint, body, &resp)
	if err != nil {
		return nil, err
	}

	if status == http.StatusNotFound || resp.StatusCode == "404" {
		return nil, fmt.Errorf("%s %s: %w", operation, id, ErrNotFound)
	}
	if status >= 300 {
		return nil, fmt.Errorf("gateway returned status %d for %s", status, operation)
	}
	// core API reports failures in the body with HTTP 200
	if code := resp.StatusCode; code != "" && !strings.HasPrefix(code, "2") {
		return nil, fmt.Errorf("%s %s: %s (%s): %w", operation, id, resp.StatusMessage, code, ErrRejected)
	}

	c.logger.Info("gateway: call completed",
		"operation", operation,
		"id", id,
		"transaction_status", resp.TransactionStatus,
		"fraud_status", resp.FraudStatus)

	return &resp, nil
}

func (c *Client) do(ctx context.Context, operation, method, endpoint string, body, out interface{}) (status int, err error) {
	ctx, span := c.tracer.Start(ctx, "paymentgateway."+operation,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.request.method", method),
			attribute.String("gateway.operation", operation),
		))
	defer func() {
		if status != 0 {
			span.SetAttributes(attribute.Int("http.response.status_code", status))
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	var reader io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("failed to marshal %s request: %w", operation, err)
		}
		reader = bytes.NewReader(jsonData)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return 0, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	httpReq.SetBasicAuth(c.serverKey, "")
	httpReq.Header.Set("Accept", "application/json")
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(httpReq.Header))

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		c.observe(operation, "error", start)
		c.logger.Error("gateway: HTTP request failed", "operation", operation, "error", err)
		return 0, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()
	c.observe(operation, http.StatusText(resp.StatusCode), start)

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return resp.StatusCode, fmt.Errorf("failed to read response: %w", err)
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil && resp.StatusCode < 300 {
			return resp.StatusCode, fmt.Errorf("failed to decode response: %w", err)
		}
	}

	return resp.StatusCode, nil
}

func (c *Client) observe(operation, outcome string, start time.Time) {
	if c.observer != nil {
		c.observer.ObserveGatewayCall(operation, outcome, time.Since(start))
	}
}
