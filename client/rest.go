package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	v1 "agora/contracts/chat/v1"
)

// Conversation mirrors the REST representation of a conversation.
type Conversation struct {
	ID            string    `json:"id"`
	ParticipantA  string    `json:"participant_a"`
	ParticipantB  string    `json:"participant_b"`
	LastMessageID *string   `json:"last_message_id,omitempty"`
	LastActivity  time.Time `json:"last_activity"`
	CreatedAt     time.Time `json:"created_at"`
}

// Peer returns the other participant from the local user's point of view.
func (c Conversation) Peer(userID string) string {
	if c.ParticipantA == userID {
		return c.ParticipantB
	}
	return c.ParticipantA
}

// RESTClient is a HistoryFetcher backed by the server's REST surface.
type RESTClient struct {
	baseURL string
	token   string
	hc      *http.Client
}

// NewRESTClient constructs a RESTClient. baseURL is the server root, e.g.
// "http://127.0.0.1:8080". A nil http.Client gets a 10s-timeout default.
func NewRESTClient(baseURL, token string, hc *http.Client) *RESTClient {
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	return &RESTClient{baseURL: baseURL, token: token, hc: hc}
}

// ListConversations fetches every conversation the user participates in.
func (r *RESTClient) ListConversations(ctx context.Context) ([]Conversation, error) {
	var out struct {
		Conversations []Conversation `json:"conversations"`
	}
	if err := r.get(ctx, "/api/conversations", &out); err != nil {
		return nil, err
	}
	return out.Conversations, nil
}

// ListMessages fetches one page of a conversation's history, newest-first.
// pageSize 0 leaves the server default (50).
func (r *RESTClient) ListMessages(ctx context.Context, conversationID string, page, pageSize int) ([]v1.MessagePayload, error) {
	q := url.Values{}
	if page > 1 {
		q.Set("page", strconv.Itoa(page))
	}
	if pageSize > 0 {
		q.Set("page_size", strconv.Itoa(pageSize))
	}
	path := "/api/conversations/" + url.PathEscape(conversationID) + "/messages"
	if enc := q.Encode(); enc != "" {
		path += "?" + enc
	}

	var out struct {
		Messages []v1.MessagePayload `json:"messages"`
	}
	if err := r.get(ctx, path, &out); err != nil {
		return nil, err
	}
	return out.Messages, nil
}

// CreateOrGetConversation requests the conversation with peerID, creating it
// lazily on first use.
func (r *RESTClient) CreateOrGetConversation(ctx context.Context, peerID string) (Conversation, bool, error) {
	var out struct {
		Conversation Conversation `json:"conversation"`
		Created      bool         `json:"created"`
	}
	body := map[string]string{"peer_id": peerID}
	if err := r.do(ctx, http.MethodPost, "/api/conversations", body, &out); err != nil {
		return Conversation{}, false, err
	}
	return out.Conversation, out.Created, nil
}

func (r *RESTClient) get(ctx context.Context, path string, into any) error {
	return r.do(ctx, http.MethodGet, path, nil, into)
}

func (r *RESTClient) do(ctx context.Context, method, path string, body, into any) error {
	var reqBody io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reqBody = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, r.baseURL+path, reqBody)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+r.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := r.hc.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.NewDecoder(resp.Body).Decode(&apiErr) == nil && apiErr.Error.Code != "" {
			return fmt.Errorf("client: %s %s: %s (%s)", method, path, apiErr.Error.Code, apiErr.Error.Message)
		}
		return fmt.Errorf("client: %s %s: status %d", method, path, resp.StatusCode)
	}

	if into == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(into)
}
