package max

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

const defaultEndpoint = "https://botapi.max.ru"

// Client is a lightweight Max Bot API client using net/http. The API
// authenticates every call with an access_token query parameter.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewClient creates a native Max HTTP client. endpoint may be empty to use
// the public API host.
func NewClient(token, endpoint string) *Client {
	if endpoint == "" {
		endpoint = defaultEndpoint
	}
	return &Client{
		baseURL:    endpoint,
		token:      token,
		httpClient: &http.Client{Timeout: 45 * time.Second},
	}
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Status  int    `json:"-"`
}

func (e *apiError) Error() string {
	return fmt.Sprintf("max api error: code=%s message=%s", e.Code, e.Message)
}

// StatusCode lets the outbox classify transient failures.
func (e *apiError) StatusCode() int { return e.Status }

func (c *Client) buildURL(path string, query url.Values) string {
	if query == nil {
		query = url.Values{}
	}
	query.Set("access_token", c.token)
	return c.baseURL + path + "?" + query.Encode()
}

// doJSON performs one API call and decodes the response into out when
// out is non-nil. Non-2xx responses are decoded as API errors.
func (c *Client) doJSON(ctx context.Context, method, path string, query url.Values, body, out any) error {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal body: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.buildURL(path, query), bodyReader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json; charset=utf-8")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("max api %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr apiError
		if err := json.NewDecoder(resp.Body).Decode(&apiErr); err == nil && apiErr.Message != "" {
			apiErr.Status = resp.StatusCode
			return &apiErr
		}
		return &apiError{Message: "status " + strconv.Itoa(resp.StatusCode), Status: resp.StatusCode}
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("max api decode: %w", err)
	}
	return nil
}

// --- Bot info ---

type botInfo struct {
	UserID   int64  `json:"user_id"`
	Name     string `json:"name"`
	Username string `json:"username"`
}

func (c *Client) GetMe(ctx context.Context) (*botInfo, error) {
	var info botInfo
	if err := c.doJSON(ctx, "GET", "/me", nil, nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// --- Updates ---

type updateBatch struct {
	Updates []update `json:"updates"`
	Marker  *int64   `json:"marker"`
}

// GetUpdates long-polls for new updates starting after marker.
func (c *Client) GetUpdates(ctx context.Context, marker *int64, timeoutSecs int) (*updateBatch, error) {
	q := url.Values{}
	q.Set("timeout", strconv.Itoa(timeoutSecs))
	q.Set("limit", "100")
	if marker != nil {
		q.Set("marker", strconv.FormatInt(*marker, 10))
	}
	var batch updateBatch
	if err := c.doJSON(ctx, "GET", "/updates", q, nil, &batch); err != nil {
		return nil, err
	}
	return &batch, nil
}

// --- Subscriptions (webhook mode) ---

func (c *Client) Subscribe(ctx context.Context, webhookURL, secret string) error {
	body := map[string]any{"url": webhookURL}
	if secret != "" {
		body["secret"] = secret
	}
	return c.doJSON(ctx, "POST", "/subscriptions", nil, body, nil)
}

func (c *Client) Unsubscribe(ctx context.Context, webhookURL string) error {
	q := url.Values{}
	q.Set("url", webhookURL)
	return c.doJSON(ctx, "DELETE", "/subscriptions", q, nil, nil)
}

// --- Messages ---

type newMessageBody struct {
	Text        string       `json:"text,omitempty"`
	Format      string       `json:"format,omitempty"`
	Attachments []attachment `json:"attachments,omitempty"`
	Link        *messageLink `json:"link,omitempty"`
	Notify      bool         `json:"notify"`
}

type messageLink struct {
	Type      string `json:"type"`
	MessageID string `json:"mid"`
}

type sentMessage struct {
	Message struct {
		Body messageBody `json:"body"`
	} `json:"message"`
}

func (c *Client) SendMessage(ctx context.Context, chatID int64, body newMessageBody) (string, error) {
	q := url.Values{}
	q.Set("chat_id", strconv.FormatInt(chatID, 10))
	var sent sentMessage
	if err := c.doJSON(ctx, "POST", "/messages", q, body, &sent); err != nil {
		return "", err
	}
	return sent.Message.Body.MessageID, nil
}

func (c *Client) EditMessage(ctx context.Context, messageID string, body newMessageBody) error {
	q := url.Values{}
	q.Set("message_id", messageID)
	return c.doJSON(ctx, "PUT", "/messages", q, body, nil)
}

func (c *Client) DeleteMessage(ctx context.Context, messageID string) error {
	q := url.Values{}
	q.Set("message_id", messageID)
	return c.doJSON(ctx, "DELETE", "/messages", q, nil, nil)
}

func (c *Client) SendAction(ctx context.Context, chatID int64, action string) error {
	q := url.Values{}
	path := "/chats/" + strconv.FormatInt(chatID, 10) + "/actions"
	return c.doJSON(ctx, "POST", path, q, map[string]string{"action": action}, nil)
}

func (c *Client) PinMessage(ctx context.Context, chatID int64, messageID string) error {
	path := "/chats/" + strconv.FormatInt(chatID, 10) + "/pin"
	return c.doJSON(ctx, "PUT", path, nil, map[string]string{"message_id": messageID}, nil)
}

func (c *Client) UnpinMessage(ctx context.Context, chatID int64) error {
	path := "/chats/" + strconv.FormatInt(chatID, 10) + "/pin"
	return c.doJSON(ctx, "DELETE", path, nil, nil, nil)
}

// --- Callbacks ---

func (c *Client) AnswerCallback(ctx context.Context, callbackID, notification string) error {
	q := url.Values{}
	q.Set("callback_id", callbackID)
	body := map[string]any{}
	if notification != "" {
		body["notification"] = notification
	}
	return c.doJSON(ctx, "POST", "/answers", q, body, nil)
}

// --- Membership ---

type chatMember struct {
	UserID  int64 `json:"user_id"`
	IsAdmin bool  `json:"is_admin"`
	IsOwner bool  `json:"is_owner"`
}

func (c *Client) GetAdmins(ctx context.Context, chatID int64) ([]chatMember, error) {
	path := "/chats/" + strconv.FormatInt(chatID, 10) + "/members/admins"
	var result struct {
		Members []chatMember `json:"members"`
	}
	if err := c.doJSON(ctx, "GET", path, nil, nil, &result); err != nil {
		return nil, err
	}
	return result.Members, nil
}

// --- Uploads and downloads ---

// Upload obtains an upload endpoint for the given type (image, video,
// file, audio), posts the data as multipart and returns the attachment
// token to reference in a message.
func (c *Client) Upload(ctx context.Context, uploadType, fileName string, data io.Reader) (string, error) {
	q := url.Values{}
	q.Set("type", uploadType)
	var target struct {
		URL string `json:"url"`
	}
	if err := c.doJSON(ctx, "POST", "/uploads", q, nil, &target); err != nil {
		return "", fmt.Errorf("request upload url: %w", err)
	}

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	part, err := writer.CreateFormFile("data", fileName)
	if err != nil {
		return "", fmt.Errorf("create form file: %w", err)
	}
	if _, err := io.Copy(part, data); err != nil {
		return "", fmt.Errorf("copy file data: %w", err)
	}
	writer.Close()

	req, err := http.NewRequestWithContext(ctx, "POST", target.URL, &buf)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("max upload: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("max upload read: %w", err)
	}
	var result struct {
		Token string `json:"token"`
		Photos map[string]struct {
			Token string `json:"token"`
		} `json:"photos"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return "", fmt.Errorf("max upload decode: %w", err)
	}
	if result.Token != "" {
		return result.Token, nil
	}
	for _, p := range result.Photos {
		return p.Token, nil
	}
	return "", fmt.Errorf("max upload: no token in response")
}

// Download fetches raw file bytes from a platform URL.
func (c *Client) Download(ctx context.Context, fileURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", fileURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("max download: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("max download: status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}
