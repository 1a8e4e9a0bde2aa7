package services

import (
	"errors"
	"fmt"

	"github.com/hanko-field/ordercore/internal/repositories"
)

var (
	ErrOrderInvalidInput = errors.New("order: invalid input")
	ErrOrderNotFound     = errors.New("order: not found")
	ErrOrderInvalidState = errors.New("order: invalid state")
	ErrOrderConflict     = errors.New("order: conflict")
	ErrOrderUnavailable  = errors.New("order: store unavailable")

	ErrProductNotFound    = errors.New("order: product not found")
	ErrProductUnavailable = errors.New("order: product not orderable")
	ErrOutOfStock         = errors.New("order: out of stock")

	ErrVerificationInvalid   = errors.New("verification: invalid code")
	ErrVerificationExpired   = errors.New("verification: code expired")
	ErrVerificationThrottled = errors.New("verification: resend requested too soon")
	ErrAlreadyVerified       = errors.New("verification: order already verified")
	ErrNotVerified           = errors.New("payment: order not verified")

	ErrPaymentUnavailable      = errors.New("payment: processor unavailable")
	ErrWebhookSignatureInvalid = errors.New("payment: invalid webhook signature")
)

func mapRepositoryError(err error) error {
	if err == nil {
		return nil
	}

	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrOrderNotFound, err)
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %v", ErrOrderConflict, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("%w: %v", ErrOrderUnavailable, err)
		}
	}

	return err
}

// mapInventoryError translates ledger failures into order sentinels.
func mapInventoryError(err error) error {
	code, ok := repositories.InventoryCode(err)
	if !ok {
		return mapRepositoryError(err)
	}
	switch code {
	case repositories.InventoryErrorOutOfStock:
		return fmt.Errorf("%w: %v", ErrOutOfStock, err)
	case repositories.InventoryErrorProductNotFound:
		return fmt.Errorf("%w: %v", ErrProductNotFound, err)
	case repositories.InventoryErrorProductUnavailable:
		return fmt.Errorf("%w: %v", ErrProductUnavailable, err)
	case repositories.InventoryErrorAlreadyReserved:
		return fmt.Errorf("%w: %v", ErrOrderConflict, err)
	case repositories.InventoryErrorUnavailable:
		return fmt.Errorf("%w: %v", ErrOrderUnavailable, err)
	}
	return err
}

func outcomeFor(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrOrderInvalidInput), errors.Is(err, ErrVerificationInvalid),
		errors.Is(err, ErrVerificationExpired), errors.Is(err, ErrWebhookSignatureInvalid):
		return "rejected"
	case errors.Is(err, ErrOrderNotFound), errors.Is(err, ErrProductNotFound):
		return "not_found"
	case errors.Is(err, ErrOrderConflict), errors.Is(err, ErrOrderInvalidState),
		errors.Is(err, ErrAlreadyVerified), errors.Is(err, ErrNotVerified),
		errors.Is(err, ErrOutOfStock), errors.Is(err, ErrProductUnavailable),
		errors.Is(err, ErrVerificationThrottled):
		return "conflict"
	case errors.Is(err, ErrOrderUnavailable), errors.Is(err, ErrPaymentUnavailable):
		return "unavailable"
	}
	return "error"
}
