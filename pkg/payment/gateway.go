// Package payment picks the payment provider for a checkout and describes
// how a provider checkout is started.
package payment

import (
	"context"
	"strings"

	"github.com/shopspring/decimal"
)

// Provider names accepted by the checkout endpoint.
const (
	ProviderFlutterwave = "flutterwave"
	ProviderStripe      = "stripe"
)

// flutterwaveCurrencies are settled by the card and mobile money gateway.
var flutterwaveCurrencies = map[string]bool{
	"NGN": true, "GHS": true, "KES": true, "UGX": true, "TZS": true, "RWF": true,
	"ZAR": true, "XAF": true, "XOF": true, "ZMW": true, "MWK": true,
}

// ForCurrency returns the provider that settles currency.
func ForCurrency(currency string) string {
	if flutterwaveCurrencies[strings.ToUpper(currency)] {
		return ProviderFlutterwave
	}
	return ProviderStripe
}

// Checkout is a started provider checkout.
type Checkout struct {
	URL   string
	TxRef string
}

// DepositRequest describes a balance top-up.
type DepositRequest struct {
	StudentID int64
	Provider  string
	Amount    decimal.Decimal
	Currency  string
}

// Gateway starts provider checkouts on behalf of a student.
type Gateway interface {
	// Deposit starts a checkout that tops up the student's balance.
	Deposit(ctx context.Context, req DepositRequest) (*Checkout, error)
	// Subscribe starts a checkout for a subscription package.
	Subscribe(ctx context.Context, studentID, packageID int64) (*Checkout, error)
}
