package gateway

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/nimasrn/chat-relay/pkg/logger"
	"github.com/valyala/fasthttp"
)

const DefaultBaseURL = "https://api.twilio.com/2010-04-01"

// SubmitRequest is one outbound message. To and From carry the channel
// marker ("whatsapp:+..."). Exactly one of Body, ContentSID or MediaURLs
// is expected to be set; the client does not enforce it.
type SubmitRequest struct {
	To               string
	From             string
	Body             string
	MediaURLs        []string
	ContentSID       string
	ContentVariables map[string]string
	StatusCallback   string
}

// MessageResource is the gateway's view of a message.
type MessageResource struct {
	SID          string    `json:"sid"`
	Status       string    `json:"status"`
	To           string    `json:"to"`
	From         string    `json:"from"`
	Body         string    `json:"body"`
	NumMedia     string    `json:"num_media"`
	ErrorCode    *int      `json:"error_code"`
	ErrorMessage *string   `json:"error_message"`
	DateCreated  string    `json:"date_created"`
	DateSent     string    `json:"date_sent"`
	DateUpdated  string    `json:"date_updated"`
	FetchedAt    time.Time `json:"-"`
}

type apiError struct {
	Code     int    `json:"code"`
	Message  string `json:"message"`
	MoreInfo string `json:"more_info"`
	Status   int    `json:"status"`
}

type Config struct {
	BaseURL         string
	AccountSID      string
	AuthToken       string
	Timeout         time.Duration
	MaxConns        int
	ReadBufferSize  int
	WriteBufferSize int
	// Dial overrides the TCP dialer, e.g. with an in-memory listener in tests.
	Dial fasthttp.DialFunc
}

type Client struct {
	config *Config
	http   *fasthttp.Client
	auth   string
}

func NewClient(config *Config) (*Client, error) {
	if config == nil {
		return nil, errors.New("config is required")
	}
	if config.AccountSID == "" || config.AuthToken == "" {
		return nil, errors.New("gateway account sid and auth token are required")
	}
	if config.BaseURL == "" {
		config.BaseURL = DefaultBaseURL
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}

	httpClient := &fasthttp.Client{
		MaxConnsPerHost:     config.MaxConns,
		ReadTimeout:         config.Timeout,
		WriteTimeout:        config.Timeout,
		MaxIdleConnDuration: 60 * time.Second,
		ReadBufferSize:      config.ReadBufferSize,
		WriteBufferSize:     config.WriteBufferSize,
		Dial:                config.Dial,
	}

	c := &Client{
		config: config,
		http:   httpClient,
		auth:   "Basic " + base64.StdEncoding.EncodeToString([]byte(config.AccountSID+":"+config.AuthToken)),
	}
	logger.Info("gateway client initialized", "base_url", config.BaseURL, "timeout", config.Timeout)
	return c, nil
}

// SubmitMessage makes exactly one submission attempt. Failures are *Error.
func (c *Client) SubmitMessage(ctx context.Context, req *SubmitRequest) (*MessageResource, error) {
	form := url.Values{}
	form.Set("To", req.To)
	form.Set("From", req.From)
	if req.Body != "" {
		form.Set("Body", req.Body)
	}
	for _, m := range req.MediaURLs {
		form.Add("MediaUrl", m)
	}
	if req.ContentSID != "" {
		form.Set("ContentSid", req.ContentSID)
		if len(req.ContentVariables) > 0 {
			vars, err := json.Marshal(req.ContentVariables)
			if err != nil {
				return nil, fmt.Errorf("failed to marshal content variables: %w", err)
			}
			form.Set("ContentVariables", string(vars))
		}
	}
	if req.StatusCallback != "" {
		form.Set("StatusCallback", req.StatusCallback)
	}

	path := fmt.Sprintf("/Accounts/%s/Messages.json", c.config.AccountSID)
	body, err := c.doRequest(ctx, "submit", fasthttp.MethodPost, path, []byte(form.Encode()))
	if err != nil {
		return nil, err
	}

	var resource MessageResource
	if err := json.Unmarshal(body, &resource); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if resource.SID == "" {
		return nil, &Error{StatusCode: fasthttp.StatusOK, Message: "gateway response has no message sid"}
	}
	resource.FetchedAt = time.Now().UTC()

	logger.Debug("message submitted to gateway", "sid", resource.SID, "status", resource.Status, "to", req.To)
	return &resource, nil
}

// Failure returns the gateway error carried by the resource, empty when it
// has none.
func (r *MessageResource) Failure() (code, message string) {
	if r.ErrorCode != nil {
		code = strconv.Itoa(*r.ErrorCode)
	}
	if r.ErrorMessage != nil {
		message = *r.ErrorMessage
	}
	return code, message
}

// FetchMessage reads the current state of a message by its gateway id.
func (c *Client) FetchMessage(ctx context.Context, sid string) (*MessageResource, error) {
	path := fmt.Sprintf("/Accounts/%s/Messages/%s.json", c.config.AccountSID, url.PathEscape(sid))
	body, err := c.doRequest(ctx, "fetch", fasthttp.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}

	var resource MessageResource
	if err := json.Unmarshal(body, &resource); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	resource.FetchedAt = time.Now().UTC()
	return &resource, nil
}

func (c *Client) doRequest(ctx context.Context, op, method, path string, body []byte) ([]byte, error) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(c.config.BaseURL + path)
	req.Header.SetMethod(method)
	req.Header.Set("Authorization", c.auth)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.SetContentType("application/x-www-form-urlencoded")
		req.SetBody(body)
	}

	deadline := time.Now().Add(c.config.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	start := time.Now()
	err := c.http.DoDeadline(req, resp, deadline)
	latency := time.Since(start)
	if err != nil {
		recordCall(op, latency, false)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, &Error{Err: transportError(err)}
	}

	statusCode := resp.StatusCode()
	if statusCode < 200 || statusCode >= 300 {
		recordCall(op, latency, false)
		return nil, parseAPIError(statusCode, resp.Body())
	}
	recordCall(op, latency, true)

	result := make([]byte, len(resp.Body()))
	copy(result, resp.Body())
	return result, nil
}

func transportError(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("timeout: %w", err)
	}
	if errors.Is(err, fasthttp.ErrTimeout) || errors.Is(err, fasthttp.ErrDialTimeout) {
		return fmt.Errorf("timeout: %w", err)
	}
	return fmt.Errorf("request failed: %w", err)
}

func parseAPIError(status int, body []byte) *Error {
	e := &Error{StatusCode: status}
	var api apiError
	if err := json.Unmarshal(body, &api); err == nil && (api.Code != 0 || api.Message != "") {
		if api.Code != 0 {
			e.Code = strconv.Itoa(api.Code)
		}
		e.Message = api.Message
		return e
	}
	e.Message = strings.TrimSpace(string(body))
	if e.Message == "" {
		e.Message = fasthttp.StatusMessage(status)
	}
	return e
}
