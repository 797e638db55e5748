package payment

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/example/grabandgo/pkg/models"
	"github.com/example/grabandgo/pkg/order"
	"github.com/skip2/go-qrcode"
)

const (
	DefaultQRSize = 256
	maxQRSize     = 1024
)

// UPILink builds the upi://pay deep link a customer opens to pay r for o.
// Only the link is produced; payment is confirmed separately via mark paid.
func UPILink(r *models.Restaurant, o *models.Order) (string, error) {
	if r.PaymentMethod != "" && r.PaymentMethod != models.PaymentUPI {
		return "", order.NewValidationError("restaurant %s does not take UPI payments", r.Name)
	}
	if strings.TrimSpace(r.UPIID) == "" {
		return "", order.NewValidationError("restaurant %s has no UPI id", r.Name)
	}
	if o.RestaurantID != r.ID {
		return "", order.NewValidationError("order %s belongs to another restaurant", o.ID)
	}

	params := []struct{ key, value string }{
		{"pa", r.UPIID},
		{"pn", r.Name},
		{"am", o.Total.StringFixed(2)},
		{"cu", "INR"},
		{"tn", "Order " + o.PickupCode},
	}
	parts := make([]string, len(params))
	for i, p := range params {
		parts[i] = p.key + "=" + escape(p.value)
	}
	return "upi://pay?" + strings.Join(parts, "&"), nil
}

// UPI apps expect %20 for spaces, not the form encoding '+'.
func escape(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}

// UPIQRCode renders link as a square PNG of size pixels.
func UPIQRCode(link string, size int) ([]byte, error) {
	if size <= 0 {
		size = DefaultQRSize
	}
	if size > maxQRSize {
		size = maxQRSize
	}
	png, err := qrcode.Encode(link, qrcode.Medium, size)
	if err != nil {
		return nil, fmt.Errorf("failed to render QR code: %w", err)
	}
	return png, nil
}
