package maturionsdk

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
)

// Client is a minimal Maturion HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Index represents the API index model (partial).
type Index struct {
	ID            string `json:"id"`
	Code          string `json:"code"`
	NameAr        string `json:"name_ar"`
	NameEn        string `json:"name_en,omitempty"`
	Type          string `json:"type"`
	Public        bool   `json:"public"`
	DerivedStatus string `json:"derived_status,omitempty"`
}

// Requirement represents one question inside an index.
type Requirement struct {
	ID           string `json:"id"`
	IndexID      string `json:"index_id"`
	Code         string `json:"code"`
	QuestionAr   string `json:"question_ar"`
	QuestionEn   string `json:"question_en,omitempty"`
	AnswerStatus string `json:"answer_status"`
}

// Evidence represents a document claim at one maturity level.
type Evidence struct {
	ID               string   `json:"id"`
	RequirementID    string   `json:"requirement_id"`
	IndexID          string   `json:"index_id"`
	MaturityLevel    int      `json:"maturity_level"`
	DocumentName     string   `json:"document_name"`
	Status           string   `json:"status"`
	AssigneeID       string   `json:"assignee_id,omitempty"`
	CurrentVersion   int      `json:"current_version"`
	AvailableActions []string `json:"available_actions,omitempty"`
}

// EvidenceVersion is one uploaded content revision.
type EvidenceVersion struct {
	ID            string `json:"id"`
	EvidenceID    string `json:"evidence_id"`
	VersionNumber int    `json:"version_number"`
	Filename      string `json:"filename"`
	FileSize      int64  `json:"file_size"`
	SHA256        string `json:"sha256"`
	UploadedBy    string `json:"uploaded_by"`
	UploadedAt    string `json:"uploaded_at"`
}

// Completion is the derived snapshot for an index.
type Completion struct {
	IndexID       string `json:"index_id"`
	Percent       int    `json:"percent"`
	IsComplete    bool   `json:"is_complete"`
	DerivedStatus string `json:"derived_status"`
	Requirements  []struct {
		RequirementID string `json:"requirement_id"`
		Code          string `json:"code"`
		CurrentLevel  int    `json:"current_level"`
		Percent       int    `json:"percent"`
		IsComplete    bool   `json:"is_complete"`
	} `json:"requirements,omitempty"`
}

// ActivityRecord is one ledger entry.
type ActivityRecord struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Action     string `json:"action"`
	IndexID    string `json:"index_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Comment    string `json:"comment,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateIndex creates an index (admin only).
func (c *Client) CreateIndex(ctx context.Context, code, nameAr, indexType string) (Index, error) {
	body := map[string]any{
		"code":    code,
		"name_ar": nameAr,
		"type":    indexType,
	}
	var resp Index
	err := c.do(ctx, http.MethodPost, "indices", body, &resp)
	return resp, err
}

// GetIndex fetches an index with its derived status.
func (c *Client) GetIndex(ctx context.Context, indexID string) (Index, error) {
	var resp Index
	err := c.do(ctx, http.MethodGet, "indices/"+url.PathEscape(indexID), nil, &resp)
	return resp, err
}

// Completion returns the derived completion snapshot.
func (c *Client) Completion(ctx context.Context, indexID string) (Completion, error) {
	var resp Completion
	err := c.do(ctx, http.MethodGet, "indices/"+url.PathEscape(indexID)+"/completion", nil, &resp)
	return resp, err
}

// CreateRequirement adds a question to an index.
func (c *Client) CreateRequirement(ctx context.Context, indexID, code, questionAr string) (Requirement, error) {
	body := map[string]any{
		"code":        code,
		"question_ar": questionAr,
	}
	var resp Requirement
	err := c.do(ctx, http.MethodPost, "indices/"+url.PathEscape(indexID)+"/requirements", body, &resp)
	return resp, err
}

// CreateEvidence creates evidence for a requirement level.
func (c *Client) CreateEvidence(ctx context.Context, requirementID string, level int, documentName string) (Evidence, error) {
	body := map[string]any{
		"requirement_id": requirementID,
		"maturity_level": level,
		"document_name":  documentName,
	}
	var resp Evidence
	err := c.do(ctx, http.MethodPost, "evidence", body, &resp)
	return resp, err
}

// EvidenceAction applies a workflow action (assign, submit, move-to-audit,
// confirm, request-changes). expectedStatus may be empty.
func (c *Client) EvidenceAction(ctx context.Context, evidenceID, action, expectedStatus string, opts map[string]any) (Evidence, error) {
	body := map[string]any{
		"action": action,
	}
	if expectedStatus != "" {
		body["expected_status"] = expectedStatus
	}
	for k, v := range opts {
		body[k] = v
	}
	var resp Evidence
	err := c.do(ctx, http.MethodPost, "evidence/"+url.PathEscape(evidenceID)+"/actions", body, &resp)
	return resp, err
}

// UploadVersion uploads content as a new evidence version.
func (c *Client) UploadVersion(ctx context.Context, evidenceID, filename string, content io.Reader) (EvidenceVersion, error) {
	endpoint := fmt.Sprintf("evidence/%s/versions?filename=%s", url.PathEscape(evidenceID), url.QueryEscape(filename))
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, content)
	if err != nil {
		return EvidenceVersion{}, err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	var resp EvidenceVersion
	err = c.send(req, &resp)
	return resp, err
}

// SaveAnswer stores draft answer text on a requirement.
func (c *Client) SaveAnswer(ctx context.Context, requirementID, answer string) (Requirement, error) {
	var resp Requirement
	err := c.do(ctx, http.MethodPut, "requirements/"+url.PathEscape(requirementID)+"/answer", map[string]any{"answer": answer}, &resp)
	return resp, err
}

// AnswerAction applies an answer workflow action (submit, approve, reject,
// confirm, revise).
func (c *Client) AnswerAction(ctx context.Context, requirementID, action, comment string) (Requirement, error) {
	body := map[string]any{"action": action}
	if comment != "" {
		body["comment"] = comment
	}
	var resp Requirement
	err := c.do(ctx, http.MethodPost, "requirements/"+url.PathEscape(requirementID)+"/answer/actions", body, &resp)
	return resp, err
}

// Activity pages the ledger for one index, newest first.
func (c *Client) Activity(ctx context.Context, indexID string, limit int) ([]ActivityRecord, error) {
	endpoint := "activity?index_id=" + url.QueryEscape(indexID)
	if limit > 0 {
		endpoint = fmt.Sprintf("%s&limit=%d", endpoint, limit)
	}
	var resp []ActivityRecord
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := c.newRequest(ctx, method, endpoint, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.send(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	url := c.base() + "/v1/" + strings.TrimLeft(endpoint, "/")
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, err
	}
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	return req, nil
}

func (c *Client) send(req *http.Request, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
