package wire

import (
	"errors"
	"time"

	"github.com/ashureev/casedesk/internal/domain"
)

// Error codes carried in {"error","code"} responses of the mutation API.
const (
	CodeExists            = "exists"
	CodeNotFound          = "not_found"
	CodeConversationClose = "conversation_closed"
	CodeInvalidTransition = "invalid_transition"
	CodeInvalidMessage    = "invalid_message"
	CodeLabelsFrozen      = "labels_frozen"
	CodeBadRequest        = "bad_request"
	CodeClaimNotFound     = "claim_not_found"
	CodeInternal          = "internal"
)

var codeErrors = []struct {
	code string
	err  error
}{
	{CodeExists, domain.ErrAlreadyExists},
	{CodeNotFound, domain.ErrNotFound},
	{CodeConversationClose, domain.ErrConversationClosed},
	{CodeInvalidTransition, domain.ErrInvalidTransition},
	{CodeInvalidMessage, domain.ErrInvalidMessage},
	{CodeLabelsFrozen, domain.ErrLabelsFrozen},
	{CodeClaimNotFound, domain.ErrClaimNotFound},
}

// CodeFor returns the API code for a domain error, or CodeInternal.
func CodeFor(err error) string {
	for _, ce := range codeErrors {
		if errors.Is(err, ce.err) {
			return ce.code
		}
	}
	return CodeInternal
}

// ErrFor returns the domain sentinel for an API code, or nil when the code
// has no domain meaning.
func ErrFor(code string) error {
	for _, ce := range codeErrors {
		if ce.code == code {
			return ce.err
		}
	}
	return nil
}

// ErrorResponse is the body of every non-2xx mutation API response.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// CreateRequest registers a conversation.
type CreateRequest struct {
	ConversationID string `json:"conversation_id"`
	CustomerName   string `json:"customer_name"`
	ProblemType    string `json:"problem_type"`
}

// LabelsRequest updates labels before the first message.
type LabelsRequest struct {
	CustomerName string `json:"customer_name,omitempty"`
	ProblemType  string `json:"problem_type,omitempty"`
}

// AppendRequest posts one message. MessageType accepts the legacy names
// ("user", "admin") as well as the origin names.
type AppendRequest struct {
	MessageType string    `json:"message_type"`
	Content     string    `json:"content"`
	Sender      string    `json:"sender,omitempty"`
	LocalID     string    `json:"local_id,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// AdminMessageRequest posts an operator message.
type AdminMessageRequest struct {
	AdminUser string `json:"admin_user"`
	Message   string `json:"message"`
	LocalID   string `json:"local_id,omitempty"`
}

// AppendResponse returns the stored message.
type AppendResponse struct {
	Message   domain.Message `json:"message"`
	Duplicate bool           `json:"duplicate"`
}

// SyncHistoryRequest merges a batch of messages.
type SyncHistoryRequest struct {
	Messages []domain.Message `json:"messages"`
}

// SyncHistoryResponse reports how the batch was merged.
type SyncHistoryResponse struct {
	Accepted   int `json:"accepted"`
	Duplicates int `json:"duplicates"`
	Rejected   int `json:"rejected"`
}

// TakeoverRequest claims a conversation for an operator.
type TakeoverRequest struct {
	AdminUser string `json:"admin_user"`
}

// Grouped partitions conversations by status.
type Grouped struct {
	Open          []domain.Conversation `json:"open"`
	RequiresHuman []domain.Conversation `json:"requires_human"`
	Closed        []domain.Conversation `json:"closed"`
}

// All flattens g.
func (g Grouped) All() []domain.Conversation {
	out := make([]domain.Conversation, 0, len(g.Open)+len(g.RequiresHuman)+len(g.Closed))
	out = append(out, g.Open...)
	out = append(out, g.RequiresHuman...)
	return append(out, g.Closed...)
}

// Group partitions convs by status.
func Group(convs []domain.Conversation) Grouped {
	g := Grouped{
		Open:          []domain.Conversation{},
		RequiresHuman: []domain.Conversation{},
		Closed:        []domain.Conversation{},
	}
	for _, c := range convs {
		switch c.Status {
		case domain.StatusRequiresHuman:
			g.RequiresHuman = append(g.RequiresHuman, c)
		case domain.StatusClosed:
			g.Closed = append(g.Closed, c)
		default:
			g.Open = append(g.Open, c)
		}
	}
	return g
}

// ListResponse is the body of GET /api/admin/conversations.
type ListResponse struct {
	Conversations Grouped `json:"conversations"`
}

// CoverageRequest asks whether a problem is covered.
type CoverageRequest struct {
	ProblemDescription string `json:"problem_description"`
}

// CoverageResponse is the classification result.
type CoverageResponse struct {
	ProblemType string `json:"problem_type"`
	Covered     bool   `json:"covered"`
}

// ProcessClaimRequest is the body of POST /api/process_claim. The short
// name, issue and location fields are accepted when the long ones are empty.
type ProcessClaimRequest struct {
	ConversationID      string `json:"conversation_id,omitempty"`
	CustomerName        string `json:"customer_name,omitempty"`
	ProblemType         string `json:"problem_type,omitempty"`
	ProblemDescription  string `json:"problem_description,omitempty"`
	LocationDescription string `json:"location_description,omitempty"`

	Name     string `json:"name,omitempty"`
	Issue    string `json:"issue,omitempty"`
	Location string `json:"location,omitempty"`
}

// Claim returns the request as a domain.ClaimRequest.
func (r ProcessClaimRequest) Claim() domain.ClaimRequest {
	return domain.ClaimRequest{
		ConversationID: r.ConversationID,
		CustomerName:   firstNonEmpty(r.CustomerName, r.Name),
		ProblemType:    r.ProblemType,
		Issue:          firstNonEmpty(r.ProblemDescription, r.Issue),
		Location:       firstNonEmpty(r.LocationDescription, r.Location),
	}
}

// NewProcessClaimRequest encodes req.
func NewProcessClaimRequest(req domain.ClaimRequest) ProcessClaimRequest {
	return ProcessClaimRequest{
		ConversationID:      req.ConversationID,
		CustomerName:        req.CustomerName,
		ProblemType:         req.ProblemType,
		ProblemDescription:  req.Issue,
		LocationDescription: req.Location,
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// ConfirmDispatchRequest is the body of POST /api/confirm_dispatch.
type ConfirmDispatchRequest struct {
	ProcessClaimRequest
	HelpConfirmed bool `json:"help_confirmed"`
	CabRequested  bool `json:"cab_requested"`
}

// StatusResponse is the body of GET /api/get_status.
type StatusResponse struct {
	Message string `json:"message"`
}

// CasesResponse is the body of GET /api/admin/cases.
type CasesResponse struct {
	Cases []domain.Claim `json:"cases"`
}

// CaseTakeoverRequest hands a claim to a human adjuster.
type CaseTakeoverRequest struct {
	AdminUser string `json:"admin_user,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// CaseTakeoverResponse confirms a claim takeover.
type CaseTakeoverResponse struct {
	Message string       `json:"message"`
	CaseID  string       `json:"case_id"`
	Case    domain.Claim `json:"case"`
}
