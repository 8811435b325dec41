// Package mutation is the HTTP client for the case desk's request/response API.
package mutation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ashureev/casedesk/internal/domain"
	"github.com/ashureev/casedesk/internal/identity"
	"github.com/ashureev/casedesk/internal/wire"
)

// OperatorHeader carries the acting operator id.
const OperatorHeader = identity.OperatorHeader

// Client is the mutation-path collaborator.
type Client interface {
	// Create registers a conversation. created is false when it already existed.
	Create(ctx context.Context, id, customerLabel, problemLabel string) (created bool, err error)
	List(ctx context.Context) (wire.Grouped, error)
	Get(ctx context.Context, id string) (domain.Conversation, error)
	AppendMessage(ctx context.Context, id string, m domain.Message) (wire.AppendResponse, error)
	Takeover(ctx context.Context, id, operatorID string) (domain.Conversation, error)
	Close(ctx context.Context, id string) (domain.Conversation, error)
}

// MutationError reports a failed mutation call. Err is the mapped domain
// sentinel when the server returned a known code.
type MutationError struct {
	Op             string
	ConversationID string
	StatusCode     int
	Code           string
	Message        string
	Err            error
}

func (e *MutationError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s %s: %d %s", e.Op, e.ConversationID, e.StatusCode, msg)
	}
	return fmt.Sprintf("%s %s: %s", e.Op, e.ConversationID, msg)
}

func (e *MutationError) Unwrap() error { return e.Err }

// HTTPClient implements Client over the JSON API.
type HTTPClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewHTTPClient returns a client for baseURL. A nil httpClient uses a 15s timeout.
func NewHTTPClient(baseURL string, httpClient *http.Client) *HTTPClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &HTTPClient{baseURL: strings.TrimRight(baseURL, "/"), httpClient: httpClient}
}

func (c *HTTPClient) conversationPath(id, suffix string) string {
	p := "/api/admin/conversations/" + url.PathEscape(id)
	if suffix != "" {
		p += "/" + suffix
	}
	return p
}

// Create implements Client.
func (c *HTTPClient) Create(ctx context.Context, id, customerLabel, problemLabel string) (bool, error) {
	body := wire.CreateRequest{ConversationID: id, CustomerName: customerLabel, ProblemType: problemLabel}
	err := c.do(ctx, "create", id, http.MethodPost, "/api/admin/conversations", "", body, nil)
	if errors.Is(err, domain.ErrAlreadyExists) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// List implements Client.
func (c *HTTPClient) List(ctx context.Context) (wire.Grouped, error) {
	var resp wire.ListResponse
	if err := c.do(ctx, "list", "", http.MethodGet, "/api/admin/conversations", "", nil, &resp); err != nil {
		return wire.Grouped{}, err
	}
	return resp.Conversations, nil
}

// Get implements Client.
func (c *HTTPClient) Get(ctx context.Context, id string) (domain.Conversation, error) {
	var conv domain.Conversation
	err := c.do(ctx, "get", id, http.MethodGet, c.conversationPath(id, ""), "", nil, &conv)
	return conv, err
}

// AppendMessage implements Client. Operator messages go to the admin endpoint.
func (c *HTTPClient) AppendMessage(ctx context.Context, id string, m domain.Message) (wire.AppendResponse, error) {
	var resp wire.AppendResponse
	var err error
	if m.Origin == domain.OriginOperator {
		body := wire.AdminMessageRequest{AdminUser: m.SenderLabel, Message: m.Content, LocalID: m.LocalID}
		err = c.do(ctx, "append", id, http.MethodPost, c.conversationPath(id, "admin_message"), m.SenderLabel, body, &resp)
	} else {
		body := wire.AppendRequest{
			MessageType: string(m.Origin),
			Content:     m.Content,
			Sender:      m.SenderLabel,
			LocalID:     m.LocalID,
			Timestamp:   m.Timestamp,
		}
		err = c.do(ctx, "append", id, http.MethodPost, c.conversationPath(id, "message"), "", body, &resp)
	}
	return resp, err
}

// Takeover implements Client.
func (c *HTTPClient) Takeover(ctx context.Context, id, operatorID string) (domain.Conversation, error) {
	var conv domain.Conversation
	err := c.do(ctx, "takeover", id, http.MethodPost, c.conversationPath(id, "takeover"), operatorID,
		wire.TakeoverRequest{AdminUser: operatorID}, &conv)
	return conv, err
}

// Close implements Client.
func (c *HTTPClient) Close(ctx context.Context, id string) (domain.Conversation, error) {
	var conv domain.Conversation
	err := c.do(ctx, "close", id, http.MethodPost, c.conversationPath(id, "close"), "", struct{}{}, &conv)
	return conv, err
}

// CheckCoverage asks the server to classify a problem description.
func (c *HTTPClient) CheckCoverage(ctx context.Context, description string) (wire.CoverageResponse, error) {
	var resp wire.CoverageResponse
	err := c.do(ctx, "check_coverage", "", http.MethodPost, "/api/check_coverage", "",
		wire.CoverageRequest{ProblemDescription: description}, &resp)
	return resp, err
}

// ProcessClaim asks the server to verify, dispatch and record a claim.
func (c *HTTPClient) ProcessClaim(ctx context.Context, req domain.ClaimRequest) (domain.ClaimResult, error) {
	var res domain.ClaimResult
	err := c.do(ctx, "process_claim", req.ConversationID, http.MethodPost, "/api/process_claim", "",
		wire.NewProcessClaimRequest(req), &res)
	return res, err
}

func (c *HTTPClient) do(ctx context.Context, op, id, method, path, operator string, body, out any) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return &MutationError{Op: op, ConversationID: id, Err: fmt.Errorf("encode request: %w", err)}
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return &MutationError{Op: op, ConversationID: id, Err: err}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if operator != "" {
		req.Header.Set(OperatorHeader, operator)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &MutationError{Op: op, ConversationID: id, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var apiErr wire.ErrorResponse
		_ = json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&apiErr)
		mapped := wire.ErrFor(apiErr.Code)
		if mapped == nil {
			mapped = errors.New(http.StatusText(resp.StatusCode))
		}
		return &MutationError{
			Op:             op,
			ConversationID: id,
			StatusCode:     resp.StatusCode,
			Code:           apiErr.Code,
			Message:        apiErr.Error,
			Err:            mapped,
		}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &MutationError{Op: op, ConversationID: id, StatusCode: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}
