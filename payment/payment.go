/*
Package payment opens orders with a payment provider.

IMPLEMENTATIONS:
  Local:    no provider; order ids are generated locally (dev, tests)
  Midtrans: Midtrans Snap transactions; the Snap token is the checkout handle

Both satisfy marketplace.OrderCreator. Amounts arrive in the smallest
currency unit; conversion to the provider's unit happens here.

MidtransVerifier checks the signature_key of a Midtrans payment
notification: hex SHA512(order_id + status_code + gross_amount + server_key).
Only a successful payment (status code 200) verifies.
*/
package payment

import (
	"context"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/google/uuid"
	midtrans "github.com/midtrans/midtrans-go"
	"github.com/midtrans/midtrans-go/snap"

	"github.com/warp/mentor-marketplace/marketplace"
)

// Local creates provider-less orders.
type Local struct{}

func (Local) CreateOrder(ctx context.Context, amountMinor int64, currency, receipt string) (marketplace.ProviderOrder, error) {
	if err := ctx.Err(); err != nil {
		return marketplace.ProviderOrder{}, err
	}
	if amountMinor <= 0 {
		return marketplace.ProviderOrder{}, fmt.Errorf("invalid amount %d", amountMinor)
	}
	id := "order_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:14]
	return marketplace.ProviderOrder{OrderID: id, Handle: id}, nil
}

// =============================================================================
// MIDTRANS
// =============================================================================

// Midtrans opens Snap transactions. Midtrans settles in whole rupiah, so
// only IDR amounts are accepted.
type Midtrans struct {
	client snap.Client
}

// NewMidtrans must be called at bootstrap. production=false uses Sandbox.
func NewMidtrans(serverKey string, production bool) *Midtrans {
	m := &Midtrans{}
	if production {
		m.client.New(serverKey, midtrans.Production)
	} else {
		m.client.New(serverKey, midtrans.Sandbox)
	}
	return m
}

func (m *Midtrans) CreateOrder(ctx context.Context, amountMinor int64, currency, receipt string) (marketplace.ProviderOrder, error) {
	if !strings.EqualFold(currency, "IDR") {
		return marketplace.ProviderOrder{}, fmt.Errorf("midtrans only supports IDR, got %q", currency)
	}
	gross := amountMinor / 100
	if gross <= 0 || amountMinor%100 != 0 {
		return marketplace.ProviderOrder{}, fmt.Errorf("invalid IDR amount %d (minor units)", amountMinor)
	}
	if receipt == "" {
		return marketplace.ProviderOrder{}, fmt.Errorf("receipt is required (used as OrderID)")
	}
	if err := ctx.Err(); err != nil {
		return marketplace.ProviderOrder{}, err
	}

	orderID := "mkt-" + receipt
	resp, merr := m.client.CreateTransaction(&snap.Request{
		TransactionDetails: midtrans.TransactionDetails{
			OrderID:  orderID,
			GrossAmt: gross,
		},
		Items: &[]midtrans.ItemDetails{{
			ID:    receipt,
			Price: gross,
			Qty:   1,
			Name:  "Marketplace order",
		}},
	})
	if merr != nil {
		return marketplace.ProviderOrder{}, fmt.Errorf("midtrans create transaction: %s", merr.Message)
	}
	return marketplace.ProviderOrder{OrderID: orderID, Handle: resp.Token}, nil
}

// MidtransVerifier verifies Midtrans notification signatures. The secret is
// the Midtrans server key; the gross amount comes from the stored order.
type MidtransVerifier struct{}

const midtransSuccessStatus = "200"

func (MidtransVerifier) Verify(order *marketplace.PaymentOrder, _, signature, serverKey string) bool {
	gross := fmt.Sprintf("%d.%02d", order.AmountMinor/100, order.AmountMinor%100)
	sum := sha512.Sum512([]byte(order.ProviderOrderID + midtransSuccessStatus + gross + serverKey))
	expected := hex.EncodeToString(sum[:])
	return subtle.ConstantTimeCompare([]byte(expected), []byte(strings.ToLower(signature))) == 1
}

var (
	_ marketplace.OrderCreator      = Local{}
	_ marketplace.OrderCreator      = (*Midtrans)(nil)
	_ marketplace.SignatureVerifier = MidtransVerifier{}
)
