package validate

import (
	"encoding/json"
	"errors"

	"github.com/jeremyhahn/go-mfa/pkg/notify"
	"github.com/jeremyhahn/go-mfa/pkg/token"
)

// Path names how a request was resolved.
type Path string

const (
	PathDirect            Path = "direct"
	PathChallengeTrigger  Path = "challenge_trigger"
	PathChallengeResponse Path = "challenge_response"
)

// Response is the decision for one request.
type Response struct {
	Outcome token.Outcome
	Path    Path
	Serial  string
	// TransactionID is set when a challenge was issued or answered.
	TransactionID string
	Message       string
	// Reason explains a rejection.
	Reason error
}

// Accepted reports whether the user is authenticated.
func (r *Response) Accepted() bool {
	return r != nil && r.Outcome == token.Accepted
}

// ChallengeIssued reports whether a new challenge awaits a response.
func (r *Response) ChallengeIssued() bool {
	return r != nil && r.Outcome == token.ChallengeIssued
}

// Status is false when a collaborator failed the request, for example an
// undeliverable challenge, as opposed to a plain rejection.
func (r *Response) Status() bool {
	var de *notify.DeliveryError
	return r == nil || !errors.As(r.Reason, &de)
}

type jsonResult struct {
	Status bool `json:"status"`
	Value  bool `json:"value"`
}

type jsonDetail struct {
	TransactionID string `json:"transaction_id,omitempty"`
	Serial        string `json:"serial,omitempty"`
	Message       string `json:"message"`
	Error         string `json:"error,omitempty"`
}

type jsonResponse struct {
	Result jsonResult `json:"result"`
	Detail jsonDetail `json:"detail"`
}

// MarshalJSON renders the response in the validate endpoint layout.
func (r *Response) MarshalJSON() ([]byte, error) {
	out := jsonResponse{
		Result: jsonResult{Status: r.Status(), Value: r.Accepted()},
		Detail: jsonDetail{
			TransactionID: r.TransactionID,
			Serial:        r.Serial,
			Message:       r.Message,
		},
	}
	if !out.Result.Status && r.Reason != nil {
		out.Detail.Error = r.Reason.Error()
	}
	return json.Marshal(out)
}

func fromResult(path Path, res token.Result) *Response {
	return &Response{
		Outcome:       res.Outcome,
		Path:          path,
		Serial:        res.Serial,
		TransactionID: res.TransactionID,
		Message:       res.Message,
		Reason:        res.Reason,
	}
}

func reject(path Path, serial string, reason error, message string) *Response {
	return &Response{
		Outcome: token.Rejected,
		Path:    path,
		Serial:  serial,
		Message: message,
		Reason:  reason,
	}
}
