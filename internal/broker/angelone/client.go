package angelone

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
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

const venueName = "angelone"

// Client speaks the AngelOne SmartAPI: JSON bodies, Bearer session
// token, responses carrying status/message/errorcode plus a data
// object.
type Client struct {
	baseURL       string
	clientID      string
	apiKey        string
	pin           string
	sessionMaxAge time.Duration
	http          *http.Client
	limiter       *ratelimit.Limiter
	log           *zap.Logger

	sessionMu sync.Mutex
	session   broker.Session
}

type Credentials struct {
	ClientID string
	APIKey   string
	PIN      string
	Token    string
}

func New(cfg config.AngelOneConfig, creds Credentials, limiter *ratelimit.Limiter, log *zap.Logger) *Client {
	c := &Client{
		baseURL:       strings.TrimRight(cfg.BaseURL, "/"),
		clientID:      creds.ClientID,
		apiKey:        creds.APIKey,
		pin:           creds.PIN,
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

func (c *Client) refreshLocked(ctx context.Context) (broker.Session, error) {
	payload := map[string]string{
		"clientcode": c.clientID,
		"password":   c.pin,
	}
	data, err := c.call(ctx, http.MethodPost, "/rest/auth/angelbroking/user/v1/loginByPassword", payload, "")
	if err != nil {
		return broker.Session{}, err
	}
	token, _ := data["jwtToken"].(string)
	if token == "" {
		return broker.Session{}, broker.NewError(venueName, broker.KindAuth, "login response missing jwt token")
	}
	now := time.Now()
	c.session = broker.Session{
		Venue:     venueName,
		Token:     token,
		IssuedAt:  now,
		ExpiresAt: now.Add(c.sessionMaxAge),
	}
	c.log.Info("angelone session refreshed", zap.Time("expires_at", c.session.ExpiresAt))
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

func (c *Client) Probe(ctx context.Context) error {
	token, err := c.currentToken(ctx)
	if err != nil {
		return err
	}
	_, err = c.call(ctx, http.MethodGet, "/rest/secure/angelbroking/user/v1/getProfile", nil, token)
	return err
}

func (c *Client) PlaceOrder(ctx context.Context, leg strategy.Leg) (broker.OrderResult, error) {
	token, err := c.currentToken(ctx)
	if err != nil {
		return broker.OrderResult{}, err
	}
	side := "BUY"
	if leg.Side == strategy.Sell {
		side = "SELL"
	}
	payload := map[string]string{
		"variety":         "NORMAL",
		"tradingsymbol":   Symbol(leg.Instrument),
		"transactiontype": side,
		"exchange":        "NFO",
		"ordertype":       "MARKET",
		"producttype":     "CARRYFORWARD",
		"duration":        "DAY",
		"quantity":        strconv.Itoa(leg.Quantity),
	}
	data, err := c.call(ctx, http.MethodPost, "/rest/secure/angelbroking/order/v1/placeOrder", payload, token)
	if err != nil {
		return broker.OrderResult{}, err
	}
	orderID, _ := data["orderid"].(string)
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
	data, err := c.call(ctx, http.MethodGet, "/rest/secure/angelbroking/order/v1/details/"+orderID, nil, token)
	if err != nil {
		return broker.OrderResult{}, err
	}
	result := broker.OrderResult{OrderID: orderID, Status: broker.StatusPlaced}
	if status, _ := data["orderstatus"].(string); strings.EqualFold(status, "complete") {
		result.Status = broker.StatusComplete
	} else if strings.EqualFold(status, "rejected") {
		result.Status = broker.StatusRejected
	}
	if avg, ok := data["averageprice"].(float64); ok {
		result.FillPrice = avg
	}
	return result, nil
}

func (c *Client) Positions(ctx context.Context) ([]broker.VenuePosition, error) {
	token, err := c.currentToken(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := c.callList(ctx, "/rest/secure/angelbroking/order/v1/getPosition", token)
	if err != nil {
		return nil, err
	}
	positions := make([]broker.VenuePosition, 0, len(rows))
	for _, row := range rows {
		symbol, _ := row["tradingsymbol"].(string)
		qty := 0
		if raw, ok := row["netqty"].(string); ok {
			qty, _ = strconv.Atoi(raw)
		}
		avg := 0.0
		if raw, ok := row["netprice"].(string); ok {
			avg, _ = strconv.ParseFloat(raw, 64)
		}
		positions = append(positions, broker.VenuePosition{Symbol: symbol, Quantity: qty, AvgPrice: avg})
	}
	return positions, nil
}

func (c *Client) CloseLeg(ctx context.Context, leg strategy.Leg) (broker.OrderResult, error) {
	closing := leg
	if leg.Side == strategy.Buy {
		closing.Side = strategy.Sell
	} else {
		closing.Side = strategy.Buy
	}
	return c.PlaceOrder(ctx, closing)
}

func (c *Client) call(ctx context.Context, method, path string, payload map[string]string, token string) (map[string]any, error) {
	raw, err := c.send(ctx, method, path, payload, token)
	if err != nil {
		return nil, err
	}
	var envelope struct {
		Status    bool           `json:"status"`
		Message   string         `json:"message"`
		ErrorCode string         `json:"errorcode"`
		Data      map[string]any `json:"data"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, broker.WrapError(venueName, broker.KindNetwork, err)
	}
	if !envelope.Status {
		return nil, classify(envelope.ErrorCode, envelope.Message)
	}
	return envelope.Data, nil
}

func (c *Client) callList(ctx context.Context, path string, token string) ([]map[string]any, error) {
	raw, err := c.send(ctx, http.MethodGet, path, nil, token)
	if err != nil {
		return nil, err
	}
	var envelope struct {
		Status    bool             `json:"status"`
		Message   string           `json:"message"`
		ErrorCode string           `json:"errorcode"`
		Data      []map[string]any `json:"data"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, broker.WrapError(venueName, broker.KindNetwork, err)
	}
	if !envelope.Status {
		return nil, classify(envelope.ErrorCode, envelope.Message)
	}
	return envelope.Data, nil
}

func (c *Client) send(ctx context.Context, method, path string, payload map[string]string, token string) ([]byte, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-PrivateKey", c.apiKey)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, broker.WrapError(venueName, broker.KindNetwork, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, broker.NewError(venueName, broker.KindRateLimit, "http 429")
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, broker.NewError(venueName, broker.KindAuth, fmt.Sprintf("http %d", resp.StatusCode))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, broker.NewError(venueName, broker.KindNetwork, fmt.Sprintf("http %d: %s", resp.StatusCode, strings.TrimSpace(string(data))))
	}
	return io.ReadAll(io.LimitReader(resp.Body, 1<<20))
}

// classify maps SmartAPI error codes onto broker error kinds. AG8001
// and AG8002 are the documented invalid/expired token codes.
func classify(code, message string) error {
	lower := strings.ToLower(message)
	switch {
	case code == "AG8001", code == "AG8002", strings.Contains(lower, "invalid token"), strings.Contains(lower, "token expired"):
		return broker.NewError(venueName, broker.KindAuth, message)
	case strings.Contains(lower, "rate"):
		return broker.NewError(venueName, broker.KindRateLimit, message)
	case strings.Contains(lower, "rejected"), strings.Contains(lower, "margin"), strings.Contains(lower, "market closed"):
		return broker.NewError(venueName, broker.KindRejected, message)
	default:
		return broker.NewError(venueName, broker.KindNetwork, message)
	}
}
