package flattrade

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"nfo-seller-bot/internal/broker"
	"nfo-seller-bot/internal/config"
	"nfo-seller-bot/internal/ratelimit"
	"nfo-seller-bot/internal/strategy"

	"go.uber.org/zap"
)

const venueName = "flattrade"

// Client speaks the Flattrade PiConnect trade API: form-encoded
// requests carrying a jData JSON payload and the session token as
// jKey, responses wrapped in a stat Ok/Not_Ok envelope.
type Client struct {
	baseURL       string
	userID        string
	apiKey        string
	apiSecret     string
	sessionMaxAge time.Duration
	http          *http.Client
	limiter       *ratelimit.Limiter
	log           *zap.Logger

	sessionMu sync.Mutex
	session   broker.Session
}

type Credentials struct {
	UserID    string
	APIKey    string
	APISecret string
	Token     string
}

func New(cfg config.FlattradeConfig, creds Credentials, limiter *ratelimit.Limiter, log *zap.Logger) *Client {
	c := &Client{
		baseURL:       strings.TrimRight(cfg.BaseURL, "/"),
		userID:        creds.UserID,
		apiKey:        creds.APIKey,
		apiSecret:     creds.APISecret,
		sessionMaxAge: cfg.SessionMaxAge,
		http:          &http.Client{Timeout: cfg.Timeout},
		limiter:       limiter,
		log:           log,
	}
	if creds.Token != "" {
		c.session = broker.Session{
			Venue:     venueName,
			Token:     creds.Token,
			IssuedAt:  time.Now(),
			ExpiresAt: time.Now().Add(cfg.SessionMaxAge),
		}
	}
	return c
}

func (c *Client) Venue() string { return venueName }

func (c *Client) Authenticate(ctx context.Context) (broker.Session, error) {
	c.sessionMu.Lock()
	defer c.sessionMu.Unlock()
	return c.refreshLocked(ctx)
}

// refreshLocked exchanges the API key pair for a fresh session token.
// Callers must hold sessionMu so concurrent refreshes collapse into
// one.
func (c *Client) refreshLocked(ctx context.Context) (broker.Session, error) {
	payload := map[string]string{
		"api_key":    c.apiKey,
		"api_secret": c.apiSecret,
		"uid":        c.userID,
	}
	resp, err := c.post(ctx, "QuickAuth", payload, "")
	if err != nil {
		return broker.Session{}, err
	}
	token, _ := resp["token"].(string)
	if token == "" {
		token, _ = resp["susertoken"].(string)
	}
	if token == "" {
		return broker.Session{}, broker.NewError(venueName, broker.KindAuth, "auth response missing token")
	}
	now := time.Now()
	c.session = broker.Session{
		Venue:     venueName,
		Token:     token,
		IssuedAt:  now,
		ExpiresAt: now.Add(c.sessionMaxAge),
	}
	c.log.Info("flattrade session refreshed", zap.Time("expires_at", c.session.ExpiresAt))
	return c.session, nil
}

func (c *Client) currentToken(ctx context.Context) (string, error) {
	c.sessionMu.Lock()
	defer c.sessionMu.Unlock()
	if c.session.Valid(time.Now()) {
		return c.session.Token, nil
	}
	session, err := c.refreshLocked(ctx)
	if err != nil {
		return "", err
	}
	return session.Token, nil
}

// Probe verifies the session with a UserDetails call, refreshing it
// first when stale.
func (c *Client) Probe(ctx context.Context) error {
	token, err := c.currentToken(ctx)
	if err != nil {
		return err
	}
	_, err = c.request(ctx, "UserDetails", map[string]string{}, token)
	return err
}

func (c *Client) PlaceOrder(ctx context.Context, leg strategy.Leg) (broker.OrderResult, error) {
	token, err := c.currentToken(ctx)
	if err != nil {
		return broker.OrderResult{}, err
	}
	data := map[string]string{
		"exch":        "NFO",
		"tsym":        Symbol(leg.Instrument),
		"qty":         strconv.Itoa(leg.Quantity),
		"prc":         "0",
		"prd":         "M",
		"trantype":    string(leg.Side),
		"prctyp":      "MKT",
		"ret":         "DAY",
		"dscqty":      "0",
		"ordersource": "API",
	}
	resp, err := c.request(ctx, "PlaceOrder", data, token)
	if err != nil {
		return broker.OrderResult{}, err
	}
	orderID, _ := resp["norenordno"].(string)
	if orderID == "" {
		return broker.OrderResult{}, broker.NewError(venueName, broker.KindRejected, "order accepted without order id")
	}
	return broker.OrderResult{OrderID: orderID, Status: broker.StatusPlaced}, nil
}

func (c *Client) OrderStatus(ctx context.Context, orderID string) (broker.OrderResult, error) {
	token, err := c.currentToken(ctx)
	if err != nil {
		return broker.OrderResult{}, err
	}
	resp, err := c.request(ctx, "SingleOrdStatus", map[string]string{"norenordno": orderID}, token)
	if err != nil {
		return broker.OrderResult{}, err
	}
	result := broker.OrderResult{OrderID: orderID, Status: broker.StatusPlaced}
	if status, _ := resp["status"].(string); strings.EqualFold(status, "COMPLETE") {
		result.Status = broker.StatusComplete
	} else if strings.EqualFold(status, "REJECTED") {
		result.Status = broker.StatusRejected
	}
	if avg, ok := resp["avgprc"].(string); ok {
		if price, err := strconv.ParseFloat(avg, 64); err == nil {
			result.FillPrice = price
		}
	}
	return result, nil
}

func (c *Client) Positions(ctx context.Context) ([]broker.VenuePosition, error) {
	token, err := c.currentToken(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := c.requestList(ctx, "PositionBook", map[string]string{}, token)
	if err != nil {
		return nil, err
	}
	positions := make([]broker.VenuePosition, 0, len(rows))
	for _, row := range rows {
		symbol, _ := row["tsym"].(string)
		qty := 0
		if raw, ok := row["netqty"].(string); ok {
			qty, _ = strconv.Atoi(raw)
		}
		avg := 0.0
		if raw, ok := row["netavgprc"].(string); ok {
			avg, _ = strconv.ParseFloat(raw, 64)
		}
		positions = append(positions, broker.VenuePosition{Symbol: symbol, Quantity: qty, AvgPrice: avg})
	}
	return positions, nil
}

// CloseLeg submits the opposite-side market order for an opened leg.
func (c *Client) CloseLeg(ctx context.Context, leg strategy.Leg) (broker.OrderResult, error) {
	closing := leg
	if leg.Side == strategy.Buy {
		closing.Side = strategy.Sell
	} else {
		closing.Side = strategy.Buy
	}
	return c.PlaceOrder(ctx, closing)
}

// request performs one authenticated call and maps the venue's error
// envelope onto broker error kinds.
func (c *Client) request(ctx context.Context, endpoint string, data map[string]string, token string) (map[string]any, error) {
	body := map[string]string{
		"uid":   c.userID,
		"actid": c.userID,
	}
	for k, v := range data {
		body[k] = v
	}
	return c.post(ctx, endpoint, body, token)
}

func (c *Client) post(ctx context.Context, endpoint string, body map[string]string, token string) (map[string]any, error) {
	raw, err := c.send(ctx, endpoint, body, token)
	if err != nil {
		return nil, err
	}
	var resp map[string]any
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, broker.WrapError(venueName, broker.KindNetwork, err)
	}
	if stat, _ := resp["stat"].(string); stat != "" && stat != "Ok" {
		emsg, _ := resp["emsg"].(string)
		return nil, classify(emsg)
	}
	return resp, nil
}

func (c *Client) requestList(ctx context.Context, endpoint string, data map[string]string, token string) ([]map[string]any, error) {
	body := map[string]string{
		"uid":   c.userID,
		"actid": c.userID,
	}
	for k, v := range data {
		body[k] = v
	}
	raw, err := c.send(ctx, endpoint, body, token)
	if err != nil {
		return nil, err
	}
	var rows []map[string]any
	if err := json.Unmarshal(raw, &rows); err == nil {
		return rows, nil
	}
	// Error envelopes come back as a single object even on list
	// endpoints.
	var resp map[string]any
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, broker.WrapError(venueName, broker.KindNetwork, err)
	}
	if stat, _ := resp["stat"].(string); stat != "" && stat != "Ok" {
		emsg, _ := resp["emsg"].(string)
		return nil, classify(emsg)
	}
	return nil, nil
}

func (c *Client) send(ctx context.Context, endpoint string, body map[string]string, token string) ([]byte, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	jData, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	payload := "jData=" + url.QueryEscape(string(jData))
	if token != "" {
		payload += "&jKey=" + url.QueryEscape(token)
	}
	reqURL := c.baseURL + "/" + endpoint
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, strings.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, broker.WrapError(venueName, broker.KindNetwork, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, broker.NewError(venueName, broker.KindRateLimit, "http 429")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, broker.NewError(venueName, broker.KindNetwork, fmt.Sprintf("http %d: %s", resp.StatusCode, strings.TrimSpace(string(data))))
	}
	return io.ReadAll(io.LimitReader(resp.Body, 1<<20))
}

// classify maps Flattrade error messages onto broker error kinds.
// Session errors come back as plain text, not status codes.
func classify(emsg string) error {
	msg := strings.TrimSpace(emsg)
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "session expired"), strings.Contains(lower, "invalid session key"), strings.Contains(lower, "not authenticated"):
		return broker.NewError(venueName, broker.KindAuth, msg)
	case strings.Contains(lower, "too many requests"), strings.Contains(lower, "rate limit"):
		return broker.NewError(venueName, broker.KindRateLimit, msg)
	case strings.Contains(lower, "rejected"), strings.Contains(lower, "margin"), strings.Contains(lower, "market closed"), strings.Contains(lower, "invalid symbol"):
		return broker.NewError(venueName, broker.KindRejected, msg)
	default:
		return broker.NewError(venueName, broker.KindNetwork, msg)
	}
}
