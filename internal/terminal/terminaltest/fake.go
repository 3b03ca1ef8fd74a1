// Package terminaltest provides an in-memory double for the coffee service
// API with programmable failures and per-operation call counting.
package terminaltest

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"terminal.sh/coffee-operator/internal/terminal"
)

// Fake implements terminal.API against in-memory state. All methods are safe
// for concurrent use.
type Fake struct {
	mu sync.Mutex

	failWith map[string]error
	calls    map[string]int
	nextID   int

	Profile       terminal.Profile
	Addresses     map[string]terminal.AddressParams
	Cards         []terminal.Card
	Tokens        map[string]terminal.Token
	Apps          map[string]terminal.App
	Cart          terminal.Cart
	Orders        map[string]*terminal.Order
	Subscriptions map[string]terminal.Subscription
	Products      []terminal.Product
}

var _ terminal.API = (*Fake)(nil)

// NewFake returns an empty Fake.
func NewFake() *Fake {
	return &Fake{
		failWith:      map[string]error{},
		calls:         map[string]int{},
		Addresses:     map[string]terminal.AddressParams{},
		Tokens:        map[string]terminal.Token{},
		Apps:          map[string]terminal.App{},
		Orders:        map[string]*terminal.Order{},
		Subscriptions: map[string]terminal.Subscription{},
	}
}

// SetError programs op (e.g. "order.create") to fail with err until cleared.
func (f *Fake) SetError(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failWith[op] = err
}

// ClearError removes a programmed failure for op.
func (f *Fake) ClearError(op string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.failWith, op)
}

// Calls returns how often op was invoked.
func (f *Fake) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.calls[op]
}

// notFound mirrors the service's 404 shape.
func notFound(what string) *terminal.APIError {
	return &terminal.APIError{Status: http.StatusNotFound, Code: terminal.CodeNotFound, Message: what + " not found"}
}

// id mints the next identifier with the service's prefix style.
func (f *Fake) id(prefix string) string {
	f.nextID++

	return fmt.Sprintf("%s_%06d", prefix, f.nextID)
}

// check counts the call and returns the programmed failure, if any. Callers
// must hold f.mu.
func (f *Fake) check(op string) error {
	f.calls[op]++

	return f.failWith[op]
}

func (f *Fake) UpdateProfile(ctx context.Context, params terminal.ProfileParams) (*terminal.Profile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.check("profile.update"); err != nil {
		return nil, err
	}

	if f.Profile.User.ID == "" {
		f.Profile.User.ID = f.id("usr")
	}
	f.Profile.User.Name = params.Name
	f.Profile.User.Email = params.Email
	profile := f.Profile

	return &profile, nil
}

func (f *Fake) CreateAddress(ctx context.Context, params terminal.AddressParams) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.check("address.create"); err != nil {
		return "", err
	}

	id := f.id("shp")
	f.Addresses[id] = params

	return id, nil
}

func (f *Fake) CreateCard(ctx context.Context, params terminal.CardParams) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.check("card.create"); err != nil {
		return "", err
	}

	card := terminal.Card{ID: f.id("crd"), Brand: "Visa", Last4: "4242"}
	f.Cards = append(f.Cards, card)

	return card.ID, nil
}

func (f *Fake) ListCards(ctx context.Context) ([]terminal.Card, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.check("card.list"); err != nil {
		return nil, err
	}

	cards := make([]terminal.Card, len(f.Cards))
	copy(cards, f.Cards)

	return cards, nil
}

func (f *Fake) DeleteCard(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.check("card.delete"); err != nil {
		return err
	}

	for i, card := range f.Cards {
		if card.ID == id {
			f.Cards = append(f.Cards[:i], f.Cards[i+1:]...)

			return nil
		}
	}

	return notFound("card")
}

func (f *Fake) CreateToken(ctx context.Context) (*terminal.Token, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.check("token.create"); err != nil {
		return nil, err
	}

	token := terminal.Token{ID: f.id("pat"), Token: "trm_" + f.id("secret")}
	f.Tokens[token.ID] = token

	return &token, nil
}

func (f *Fake) DeleteToken(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.check("token.delete"); err != nil {
		return err
	}

	if _, ok := f.Tokens[id]; !ok {
		return notFound("token")
	}
	delete(f.Tokens, id)

	return nil
}

func (f *Fake) CreateApp(ctx context.Context, params terminal.AppParams) (*terminal.App, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.check("app.create"); err != nil {
		return nil, err
	}

	app := terminal.App{
		ID:          f.id("app"),
		Name:        params.Name,
		RedirectURI: params.RedirectURI,
		Secret:      "sec_" + f.id("secret"),
	}
	f.Apps[app.ID] = app

	return &app, nil
}

func (f *Fake) DeleteApp(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.check("app.delete"); err != nil {
		return err
	}

	if _, ok := f.Apps[id]; !ok {
		return notFound("app")
	}
	delete(f.Apps, id)

	return nil
}

func (f *Fake) AddCartItem(ctx context.Context, params terminal.CartItemParams) (*terminal.Cart, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.check("cart.add"); err != nil {
		return nil, err
	}

	// Setting a variant that is already in the cart replaces its line, as
	// the real endpoint does.
	line := terminal.CartItem{
		ProductVariantID: params.ProductVariantID,
		Quantity:         params.Quantity,
		Subtotal:         f.variantPrice(params.ProductVariantID) * int64(params.Quantity),
	}
	replaced := false
	for i := range f.Cart.Items {
		if f.Cart.Items[i].ProductVariantID == params.ProductVariantID {
			line.ID = f.Cart.Items[i].ID
			f.Cart.Items[i] = line
			replaced = true

			break
		}
	}
	if !replaced {
		line.ID = f.id("itm")
		f.Cart.Items = append(f.Cart.Items, line)
	}

	f.Cart.Subtotal = 0
	for _, item := range f.Cart.Items {
		f.Cart.Subtotal += item.Subtotal
	}
	cart := f.Cart

	return &cart, nil
}

func (f *Fake) SetCartAddress(ctx context.Context, addressID string) (*terminal.Cart, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.check("cart.address"); err != nil {
		return nil, err
	}

	if _, ok := f.Addresses[addressID]; !ok {
		return nil, notFound("address")
	}
	f.Cart.AddressID = addressID
	cart := f.Cart

	return &cart, nil
}

func (f *Fake) SetCartCard(ctx context.Context, cardID string) (*terminal.Cart, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.check("cart.card"); err != nil {
		return nil, err
	}

	found := false
	for _, card := range f.Cards {
		if card.ID == cardID {
			found = true

			break
		}
	}
	if !found {
		return nil, notFound("card")
	}
	f.Cart.CardID = cardID
	cart := f.Cart

	return &cart, nil
}

func (f *Fake) ConvertCart(ctx context.Context) (*terminal.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.check("cart.convert"); err != nil {
		return nil, err
	}

	order := &terminal.Order{ID: f.id("ord")}
	for _, item := range f.Cart.Items {
		order.Items = append(order.Items, terminal.OrderItem{
			ID:               f.id("itm"),
			ProductVariantID: item.ProductVariantID,
			Quantity:         item.Quantity,
			Amount:           item.Subtotal,
		})
	}
	order.Amount.Subtotal = f.Cart.Subtotal
	f.Orders[order.ID] = order
	f.Cart = terminal.Cart{}
	copied := *order

	return &copied, nil
}

func (f *Fake) CreateOrder(ctx context.Context, params terminal.OrderParams) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.check("order.create"); err != nil {
		return "", err
	}

	order := &terminal.Order{ID: f.id("ord")}
	for variant, quantity := range params.Variants {
		order.Items = append(order.Items, terminal.OrderItem{
			ID:               f.id("itm"),
			ProductVariantID: variant,
			Quantity:         quantity,
			Amount:           f.variantPrice(variant) * int64(quantity),
		})
	}
	f.Orders[order.ID] = order

	return order.ID, nil
}

func (f *Fake) GetOrder(ctx context.Context, id string) (*terminal.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.check("order.get"); err != nil {
		return nil, err
	}

	order, ok := f.Orders[id]
	if !ok {
		return nil, notFound("order")
	}
	copied := *order

	return &copied, nil
}

// SetTracking publishes tracking data on a stored order, as the carrier
// integration would.
func (f *Fake) SetTracking(id string, tracking terminal.OrderTracking) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if order, ok := f.Orders[id]; ok {
		order.Tracking = tracking
	}
}

func (f *Fake) CreateSubscription(ctx context.Context, params terminal.SubscriptionParams) (*terminal.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.check("subscription.create"); err != nil {
		return nil, err
	}

	sub := terminal.Subscription{
		ID:               f.id("sub"),
		ProductVariantID: params.ProductVariantID,
		Quantity:         params.Quantity,
		AddressID:        params.AddressID,
		CardID:           params.CardID,
		Schedule:         params.Schedule,
	}
	f.Subscriptions[sub.ID] = sub

	return &sub, nil
}

func (f *Fake) CancelSubscription(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.check("subscription.cancel"); err != nil {
		return err
	}

	if _, ok := f.Subscriptions[id]; !ok {
		return notFound("subscription")
	}
	delete(f.Subscriptions, id)

	return nil
}

func (f *Fake) ListProducts(ctx context.Context) ([]terminal.Product, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.check("product.list"); err != nil {
		return nil, err
	}

	products := make([]terminal.Product, len(f.Products))
	copy(products, f.Products)

	return products, nil
}

// variantPrice resolves a variant's price from the loaded catalog. Unknown
// variants price at zero, matching a catalog-less fake setup.
func (f *Fake) variantPrice(variantID string) int64 {
	for _, product := range f.Products {
		for _, variant := range product.Variants {
			if variant.ID == variantID {
				return variant.Price
			}
		}
	}

	return 0
}
