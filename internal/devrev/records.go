package devrev

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/lherron/revmerge/internal/domain"
)

const pageLimit = 100

// RevUser is a contact record as returned by rev-users.get. Raw keeps the
// full server payload so backups capture fields this type does not model.
type RevUser struct {
	ID           string          `json:"id"`
	DisplayID    string          `json:"display_id,omitempty"`
	DisplayName  string          `json:"display_name,omitempty"`
	Email        string          `json:"email,omitempty"`
	ExternalRef  string          `json:"external_ref,omitempty"`
	State        string          `json:"state,omitempty"`
	CreatedDate  string          `json:"created_date,omitempty"`
	ModifiedDate string          `json:"modified_date,omitempty"`
	Raw          json.RawMessage `json:"-"`
}

// RecordState returns the user's lifecycle state, defaulting to active
func (u *RevUser) RecordState() domain.RecordState {
	if u.State == "" {
		return domain.RecordStateActive
	}
	return domain.RecordState(u.State)
}

// WorkItem is a ticket or issue associated with a contact
type WorkItem struct {
	ID        string          `json:"id"`
	DisplayID string          `json:"display_id,omitempty"`
	Type      string          `json:"type,omitempty"`
	Title     string          `json:"title,omitempty"`
	Raw       json.RawMessage `json:"-"`
}

// Conversation is a conversation the contact is a member of
type Conversation struct {
	ID        string          `json:"id"`
	DisplayID string          `json:"display_id,omitempty"`
	Title     string          `json:"title,omitempty"`
	Raw       json.RawMessage `json:"-"`
}

// WorkFilter selects work items for works.list. Each non-empty field is
// sent as-is; the API ANDs them, so callers union separate queries.
type WorkFilter struct {
	OwnedBy    []string `json:"owned_by,omitempty"`
	CreatedBy  []string `json:"created_by,omitempty"`
	ReportedBy []string `json:"reported_by,omitempty"`
	Types      []string `json:"type,omitempty"`
}

// ConversationFilter selects conversations for conversations.list
type ConversationFilter struct {
	Members []string `json:"members,omitempty"`
}

// RecordUpdate holds the fields rev-users.update may change
type RecordUpdate struct {
	ExternalRef *string `json:"external_ref,omitempty"`
	DisplayName *string `json:"display_name,omitempty"`
}

// GetRecord fetches a contact. A missing record yields an error matching ErrNotFound.
func (c *Client) GetRecord(ctx context.Context, id string) (*RevUser, error) {
	var resp struct {
		RevUser json.RawMessage `json:"rev_user"`
	}
	if err := c.do(ctx, http.MethodGet, "/rev-users.get", url.Values{"id": {id}}, nil, &resp); err != nil {
		return nil, err
	}
	if len(resp.RevUser) == 0 || string(resp.RevUser) == "null" {
		return nil, &APIError{Method: http.MethodGet, Endpoint: "/rev-users.get", StatusCode: http.StatusNotFound, Result: ResultPermanent, Message: "empty rev_user in response"}
	}
	var user RevUser
	if err := json.Unmarshal(resp.RevUser, &user); err != nil {
		return nil, fmt.Errorf("devrev: decode rev_user %s: %w", id, err)
	}
	user.Raw = resp.RevUser
	return &user, nil
}

// UpdateRecord applies a partial update to a contact
func (c *Client) UpdateRecord(ctx context.Context, id string, update RecordUpdate) error {
	payload := struct {
		ID string `json:"id"`
		RecordUpdate
	}{ID: id, RecordUpdate: update}
	return c.do(ctx, http.MethodPost, "/rev-users.update", nil, payload, nil)
}

// MergeRecords folds secondaryID into primaryID. A 2xx response whose body
// explicitly reports success=false is returned as ErrRejected.
func (c *Client) MergeRecords(ctx context.Context, primaryID, secondaryID string) error {
	payload := map[string]string{
		"primary_user":   primaryID,
		"secondary_user": secondaryID,
	}
	var resp struct {
		Success *bool  `json:"success"`
		Message string `json:"message"`
	}
	if err := c.do(ctx, http.MethodPost, "/rev-users.merge", nil, payload, &resp); err != nil {
		return err
	}
	if resp.Success != nil && !*resp.Success {
		if resp.Message != "" {
			return fmt.Errorf("%w: merge %s into %s: %s", ErrRejected, secondaryID, primaryID, resp.Message)
		}
		return fmt.Errorf("%w: merge %s into %s", ErrRejected, secondaryID, primaryID)
	}
	return nil
}

// DeleteRecord deletes a contact
func (c *Client) DeleteRecord(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/rev-users.delete", nil, map[string]string{"id": id}, nil)
}

// ListWorkItems pages through works.list for the filter
func (c *Client) ListWorkItems(ctx context.Context, filter WorkFilter) ([]WorkItem, error) {
	var items []WorkItem
	cursor := ""
	for {
		payload := struct {
			WorkFilter
			Cursor string `json:"cursor,omitempty"`
			Limit  int    `json:"limit"`
		}{WorkFilter: filter, Cursor: cursor, Limit: pageLimit}
		var resp struct {
			Works      []json.RawMessage `json:"works"`
			NextCursor string            `json:"next_cursor"`
		}
		if err := c.do(ctx, http.MethodPost, "/works.list", nil, payload, &resp); err != nil {
			return nil, err
		}
		for _, raw := range resp.Works {
			var item WorkItem
			if err := json.Unmarshal(raw, &item); err != nil {
				return nil, fmt.Errorf("devrev: decode work item: %w", err)
			}
			item.Raw = raw
			items = append(items, item)
		}
		if resp.NextCursor == "" || resp.NextCursor == cursor {
			return items, nil
		}
		cursor = resp.NextCursor
	}
}

// ListConversations pages through conversations.list for the filter
func (c *Client) ListConversations(ctx context.Context, filter ConversationFilter) ([]Conversation, error) {
	var convs []Conversation
	cursor := ""
	for {
		payload := struct {
			ConversationFilter
			Cursor string `json:"cursor,omitempty"`
			Limit  int    `json:"limit"`
		}{ConversationFilter: filter, Cursor: cursor, Limit: pageLimit}
		var resp struct {
			Conversations []json.RawMessage `json:"conversations"`
			NextCursor    string            `json:"next_cursor"`
		}
		if err := c.do(ctx, http.MethodPost, "/conversations.list", nil, payload, &resp); err != nil {
			return nil, err
		}
		for _, raw := range resp.Conversations {
			var conv Conversation
			if err := json.Unmarshal(raw, &conv); err != nil {
				return nil, fmt.Errorf("devrev: decode conversation: %w", err)
			}
			conv.Raw = raw
			convs = append(convs, conv)
		}
		if resp.NextCursor == "" || resp.NextCursor == cursor {
			return convs, nil
		}
		cursor = resp.NextCursor
	}
}
