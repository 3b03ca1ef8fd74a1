// Package terminal is a typed client for the coffee service API. Controllers
// depend on the narrow per-group interfaces, never on Client directly, so
// tests can substitute a double at the integration boundary.
package terminal

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
)

const (
	// EnvironmentProduction selects the production endpoint.
	EnvironmentProduction = "production"
	// EnvironmentDev selects the sandbox endpoint.
	EnvironmentDev = "dev"

	productionBaseURL = "https://api.terminal.shop"
	devBaseURL        = "https://api.dev.terminal.shop"

	// maxErrorBody bounds how much of an error response is read for decoding.
	maxErrorBody = 1 << 16
)

// ProfileAPI is the profile operation group.
type ProfileAPI interface {
	// UpdateProfile pushes the account profile. The operation is a full
	// replace and safe to repeat.
	UpdateProfile(ctx context.Context, params ProfileParams) (*Profile, error)
}

// AddressAPI is the address operation group.
type AddressAPI interface {
	// CreateAddress registers a shipping address and returns its identifier.
	CreateAddress(ctx context.Context, params AddressParams) (string, error)
}

// CardAPI is the card operation group.
type CardAPI interface {
	// CreateCard registers a payment card from a collection token and
	// returns its identifier.
	CreateCard(ctx context.Context, params CardParams) (string, error)
	ListCards(ctx context.Context) ([]Card, error)
	DeleteCard(ctx context.Context, id string) error
}

// TokenAPI is the personal access token operation group.
type TokenAPI interface {
	// CreateToken mints a personal access token. The secret value is only
	// present in this response.
	CreateToken(ctx context.Context) (*Token, error)
	DeleteToken(ctx context.Context, id string) error
}

// AppAPI is the OAuth application operation group.
type AppAPI interface {
	// CreateApp registers an OAuth application. The client secret is only
	// present in this response.
	CreateApp(ctx context.Context, params AppParams) (*App, error)
	DeleteApp(ctx context.Context, id string) error
}

// CartAPI is the staged cart operation group. The cart is account-scoped.
type CartAPI interface {
	AddCartItem(ctx context.Context, params CartItemParams) (*Cart, error)
	SetCartAddress(ctx context.Context, addressID string) (*Cart, error)
	SetCartCard(ctx context.Context, cardID string) (*Cart, error)
	// ConvertCart turns the staged cart into an order and empties the cart.
	ConvertCart(ctx context.Context) (*Order, error)
}

// OrderAPI is the order operation group.
type OrderAPI interface {
	// CreateOrder places an order and returns its identifier.
	CreateOrder(ctx context.Context, params OrderParams) (string, error)
	GetOrder(ctx context.Context, id string) (*Order, error)
}

// SubscriptionAPI is the subscription operation group.
type SubscriptionAPI interface {
	CreateSubscription(ctx context.Context, params SubscriptionParams) (*Subscription, error)
	CancelSubscription(ctx context.Context, id string) error
}

// ProductAPI is the catalog operation group.
type ProductAPI interface {
	ListProducts(ctx context.Context) ([]Product, error)
}

// API bundles every operation group of the coffee service.
type API interface {
	ProfileAPI
	AddressAPI
	CardAPI
	TokenAPI
	AppAPI
	CartAPI
	OrderAPI
	SubscriptionAPI
	ProductAPI
}

// Options configures a Client.
type Options struct {
	// Environment selects the endpoint. Defaults to production.
	Environment string

	// BaseURL overrides the endpoint selected by Environment, mainly for
	// tests.
	BaseURL string

	// Token is the bearer token used for every request.
	Token string

	// HTTPClient overrides the transport. Defaults to a client with a 30s
	// overall timeout; no retries are performed at this layer.
	HTTPClient *http.Client

	// Logger receives per-request debug lines. Defaults to logr.Discard().
	Logger logr.Logger
}

// Client is the HTTP implementation of API.
type Client struct {
	baseURL string
	token   string
	httpc   *http.Client
	logger  logr.Logger
}

var _ API = (*Client)(nil)

// NewClient validates opts and returns a ready Client.
func NewClient(opts Options) (*Client, error) {
	if opts.Token == "" {
		return nil, errors.New("terminal: bearer token must be set")
	}

	base := opts.BaseURL
	if base == "" {
		switch opts.Environment {
		case "", EnvironmentProduction:
			base = productionBaseURL
		case EnvironmentDev:
			base = devBaseURL
		default:
			return nil, fmt.Errorf("terminal: unknown environment %q", opts.Environment)
		}
	}

	httpc := opts.HTTPClient
	if httpc == nil {
		httpc = &http.Client{Timeout: 30 * time.Second}
	}

	logger := opts.Logger
	if logger.GetSink() == nil {
		logger = logr.Discard()
	}

	return &Client{
		baseURL: strings.TrimSuffix(base, "/"),
		token:   opts.Token,
		httpc:   httpc,
		logger:  logger,
	}, nil
}

func (c *Client) UpdateProfile(ctx context.Context, params ProfileParams) (*Profile, error) {
	profile := &Profile{}
	if err := c.do(ctx, "profile.update", http.MethodPut, "/profile", params, profile); err != nil {
		return nil, err
	}

	return profile, nil
}

func (c *Client) CreateAddress(ctx context.Context, params AddressParams) (string, error) {
	var id string
	if err := c.do(ctx, "address.create", http.MethodPost, "/address", params, &id); err != nil {
		return "", err
	}

	return id, nil
}

func (c *Client) CreateCard(ctx context.Context, params CardParams) (string, error) {
	var id string
	if err := c.do(ctx, "card.create", http.MethodPost, "/card", params, &id); err != nil {
		return "", err
	}

	return id, nil
}

func (c *Client) ListCards(ctx context.Context) ([]Card, error) {
	var cards []Card
	if err := c.do(ctx, "card.list", http.MethodGet, "/card", nil, &cards); err != nil {
		return nil, err
	}

	return cards, nil
}

func (c *Client) DeleteCard(ctx context.Context, id string) error {
	return c.do(ctx, "card.delete", http.MethodDelete, "/card/"+id, nil, nil)
}

func (c *Client) CreateToken(ctx context.Context) (*Token, error) {
	token := &Token{}
	if err := c.do(ctx, "token.create", http.MethodPost, "/token", nil, token); err != nil {
		return nil, err
	}

	return token, nil
}

func (c *Client) DeleteToken(ctx context.Context, id string) error {
	return c.do(ctx, "token.delete", http.MethodDelete, "/token/"+id, nil, nil)
}

func (c *Client) CreateApp(ctx context.Context, params AppParams) (*App, error) {
	app := &App{}
	if err := c.do(ctx, "app.create", http.MethodPost, "/app", params, app); err != nil {
		return nil, err
	}

	return app, nil
}

func (c *Client) DeleteApp(ctx context.Context, id string) error {
	return c.do(ctx, "app.delete", http.MethodDelete, "/app/"+id, nil, nil)
}

func (c *Client) AddCartItem(ctx context.Context, params CartItemParams) (*Cart, error) {
	cart := &Cart{}
	if err := c.do(ctx, "cart.add", http.MethodPut, "/cart/item", params, cart); err != nil {
		return nil, err
	}

	return cart, nil
}

func (c *Client) SetCartAddress(ctx context.Context, addressID string) (*Cart, error) {
	cart := &Cart{}
	params := struct {
		AddressID string `json:"addressID"`
	}{AddressID: addressID}
	if err := c.do(ctx, "cart.address", http.MethodPut, "/cart/address", params, cart); err != nil {
		return nil, err
	}

	return cart, nil
}

func (c *Client) SetCartCard(ctx context.Context, cardID string) (*Cart, error) {
	cart := &Cart{}
	params := struct {
		CardID string `json:"cardID"`
	}{CardID: cardID}
	if err := c.do(ctx, "cart.card", http.MethodPut, "/cart/card", params, cart); err != nil {
		return nil, err
	}

	return cart, nil
}

func (c *Client) ConvertCart(ctx context.Context) (*Order, error) {
	order := &Order{}
	if err := c.do(ctx, "cart.convert", http.MethodPost, "/cart/convert", nil, order); err != nil {
		return nil, err
	}

	return order, nil
}

func (c *Client) CreateOrder(ctx context.Context, params OrderParams) (string, error) {
	var id string
	if err := c.do(ctx, "order.create", http.MethodPost, "/order", params, &id); err != nil {
		return "", err
	}

	return id, nil
}

func (c *Client) GetOrder(ctx context.Context, id string) (*Order, error) {
	order := &Order{}
	if err := c.do(ctx, "order.get", http.MethodGet, "/order/"+id, nil, order); err != nil {
		return nil, err
	}

	return order, nil
}

func (c *Client) CreateSubscription(ctx context.Context, params SubscriptionParams) (*Subscription, error) {
	sub := &Subscription{}
	if err := c.do(ctx, "subscription.create", http.MethodPost, "/subscription", params, sub); err != nil {
		return nil, err
	}

	return sub, nil
}

func (c *Client) CancelSubscription(ctx context.Context, id string) error {
	return c.do(ctx, "subscription.cancel", http.MethodDelete, "/subscription/"+id, nil, nil)
}

func (c *Client) ListProducts(ctx context.Context) ([]Product, error) {
	var products []Product
	if err := c.do(ctx, "product.list", http.MethodGet, "/product", nil, &products); err != nil {
		return nil, err
	}

	return products, nil
}

// do performs one request against the service. Responses are unwrapped from
// the data envelope into out; non-2xx responses decode into *APIError.
func (c *Client) do(ctx context.Context, op, method, path string, body, out any) error {
	var payload io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("terminal: encode %s: %w", op, err)
		}
		payload = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, payload)
	if err != nil {
		return fmt.Errorf("terminal: build %s request: %w", op, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	started := time.Now()
	resp, err := c.httpc.Do(req)
	if err != nil {
		RequestDurationHistogram.WithLabelValues(op, codeNetwork).Observe(time.Since(started).Seconds())

		return fmt.Errorf("terminal: %s: %w", op, err)
	}
	defer func() { _ = resp.Body.Close() }()

	RequestDurationHistogram.WithLabelValues(op, strconv.Itoa(resp.StatusCode)).Observe(time.Since(started).Seconds())
	c.logger.V(1).Info("request completed", "operation", op, "code", resp.StatusCode, "duration", time.Since(started))

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

		return decodeError(resp.StatusCode, raw)
	}

	if out == nil {
		return nil
	}

	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("terminal: decode %s response: %w", op, err)
	}
	if err := json.Unmarshal(envelope.Data, out); err != nil {
		return fmt.Errorf("terminal: decode %s payload: %w", op, err)
	}

	return nil
}

// decodeError maps an error response body to an APIError. The service emits
// either a flat {code, message} document or one nested under "error".
func decodeError(status int, body []byte) *APIError {
	apiErr := &APIError{Status: status, Message: http.StatusText(status)}

	var flat struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &flat); err == nil && (flat.Code != "" || flat.Message != "") {
		apiErr.Code = flat.Code
		if flat.Message != "" {
			apiErr.Message = flat.Message
		}

		return apiErr
	}

	var nested struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &nested); err == nil && (nested.Error.Code != "" || nested.Error.Message != "") {
		apiErr.Code = nested.Error.Code
		if nested.Error.Message != "" {
			apiErr.Message = nested.Error.Message
		}
	}

	return apiErr
}
