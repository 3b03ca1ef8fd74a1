package terminal

// Wire types for the coffee service API. Create operations return the new
// record's identifier as the response payload; get and list operations return
// full documents. Field names follow the service's JSON schema.

// User is the subject of the account profile.
type User struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

// Profile is the account profile document.
type Profile struct {
	User User `json:"user"`
}

// ProfileParams is the payload for profile.update.
type ProfileParams struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

// AddressParams is the payload for address.create.
type AddressParams struct {
	Name     string `json:"name"`
	Street1  string `json:"street1"`
	Street2  string `json:"street2,omitempty"`
	City     string `json:"city"`
	Province string `json:"province,omitempty"`
	Country  string `json:"country"`
	Zip      string `json:"zip"`
	Phone    string `json:"phone,omitempty"`
}

// Card is a registered payment card.
type Card struct {
	ID         string         `json:"id"`
	Brand      string         `json:"brand"`
	Last4      string         `json:"last4"`
	Expiration CardExpiration `json:"expiration"`
}

// CardExpiration is the expiry of a registered card.
type CardExpiration struct {
	Month int `json:"month"`
	Year  int `json:"year"`
}

// CardParams is the payload for card.create. Token is a single-use card
// collection token minted by the payment provider.
type CardParams struct {
	Token string `json:"token"`
}

// Token is a personal access token. The Token field carries the secret value
// and is only populated in the create response.
type Token struct {
	ID    string `json:"id"`
	Token string `json:"token,omitempty"`
}

// App is an OAuth application. Secret is only populated in the create
// response.
type App struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	RedirectURI string `json:"redirectURI"`
	Secret      string `json:"secret,omitempty"`
}

// AppParams is the payload for app.create.
type AppParams struct {
	Name        string `json:"name"`
	RedirectURI string `json:"redirectURI"`
}

// Cart is the staged account cart.
type Cart struct {
	Items     []CartItem `json:"items"`
	Subtotal  int64      `json:"subtotal"`
	AddressID string     `json:"addressID,omitempty"`
	CardID    string     `json:"cardID,omitempty"`
}

// CartItem is one staged product variant line.
type CartItem struct {
	ID               string `json:"id"`
	ProductVariantID string `json:"productVariantID"`
	Quantity         int    `json:"quantity"`
	Subtotal         int64  `json:"subtotal"`
}

// CartItemParams is the payload for cart.add.
type CartItemParams struct {
	ProductVariantID string `json:"productVariantID"`
	Quantity         int    `json:"quantity"`
}

// Order is a placed order.
type Order struct {
	ID       string        `json:"id"`
	Index    int           `json:"index,omitempty"`
	Tracking OrderTracking `json:"tracking"`
	Items    []OrderItem   `json:"items"`
	Amount   OrderAmount   `json:"amount"`
}

// OrderTracking carries carrier information once the shipment exists.
type OrderTracking struct {
	Number  string `json:"number,omitempty"`
	URL     string `json:"url,omitempty"`
	Service string `json:"service,omitempty"`
}

// OrderItem is one line of a placed order.
type OrderItem struct {
	ID               string `json:"id"`
	ProductVariantID string `json:"productVariantID"`
	Quantity         int    `json:"quantity"`
	Amount           int64  `json:"amount"`
}

// OrderAmount is the order total in cents.
type OrderAmount struct {
	Subtotal int64 `json:"subtotal"`
	Shipping int64 `json:"shipping"`
}

// OrderParams is the payload for order.create. Variants maps product variant
// identifiers to quantities.
type OrderParams struct {
	AddressID string         `json:"addressID"`
	CardID    string         `json:"cardID"`
	Variants  map[string]int `json:"variants"`
}

// Subscription is a recurring delivery.
type Subscription struct {
	ID               string                `json:"id"`
	ProductVariantID string                `json:"productVariantID"`
	Quantity         int                   `json:"quantity"`
	AddressID        string                `json:"addressID"`
	CardID           string                `json:"cardID"`
	Schedule         *SubscriptionSchedule `json:"schedule,omitempty"`
	Next             string                `json:"next,omitempty"`
}

// SubscriptionSchedule is the delivery cadence of a subscription.
type SubscriptionSchedule struct {
	Type     string `json:"type"`
	Interval int    `json:"interval,omitempty"`
}

// SubscriptionParams is the payload for subscription.create.
type SubscriptionParams struct {
	ProductVariantID string                `json:"productVariantID"`
	Quantity         int                   `json:"quantity"`
	AddressID        string                `json:"addressID"`
	CardID           string                `json:"cardID"`
	Schedule         *SubscriptionSchedule `json:"schedule,omitempty"`
}

// Product is a catalog entry.
type Product struct {
	ID           string           `json:"id"`
	Name         string           `json:"name"`
	Description  string           `json:"description"`
	Variants     []ProductVariant `json:"variants"`
	Subscription string           `json:"subscription,omitempty"`
}

// ProductVariant is an orderable variation of a product, price in cents.
type ProductVariant struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Price int64  `json:"price"`
}
