package repositories

import (
	"errors"
	"fmt"
)

// ErrOrderCodeTaken is wrapped by Insert when the generated order code collides.
var ErrOrderCodeTaken = errors.New("order code already taken")

// OrderStoreErrorCode classifies order store failures.
type OrderStoreErrorCode string

const (
	OrderStoreNotFound    OrderStoreErrorCode = "order_not_found"
	OrderStoreConflict    OrderStoreErrorCode = "order_conflict"
	OrderStoreUnavailable OrderStoreErrorCode = "order_store_unavailable"
)

// OrderStoreError is returned by OrderRepository implementations.
type OrderStoreError struct {
	Op   string
	Code OrderStoreErrorCode
	Err  error
}

// NewOrderStoreError wraps err under op with the given classification.
func NewOrderStoreError(op string, code OrderStoreErrorCode, err error) *OrderStoreError {
	return &OrderStoreError{Op: op, Code: code, Err: err}
}

func (e *OrderStoreError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Code)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Code, e.Err)
}

func (e *OrderStoreError) Unwrap() error       { return e.Err }
func (e *OrderStoreError) IsNotFound() bool    { return e.Code == OrderStoreNotFound }
func (e *OrderStoreError) IsConflict() bool    { return e.Code == OrderStoreConflict }
func (e *OrderStoreError) IsUnavailable() bool { return e.Code == OrderStoreUnavailable }

// InventoryErrorCode enumerates reservation failure causes.
type InventoryErrorCode string

const (
	InventoryErrorUnknown            InventoryErrorCode = "inventory_unknown"
	InventoryErrorOutOfStock         InventoryErrorCode = "inventory_out_of_stock"
	InventoryErrorProductNotFound    InventoryErrorCode = "inventory_product_not_found"
	InventoryErrorProductUnavailable InventoryErrorCode = "inventory_product_unavailable"
	InventoryErrorAlreadyReserved    InventoryErrorCode = "inventory_already_reserved"
	InventoryErrorReservationMissing InventoryErrorCode = "inventory_reservation_missing"
	InventoryErrorUnavailable        InventoryErrorCode = "inventory_unavailable"
)

// InventoryError wraps ledger failures with a machine readable code.
type InventoryError struct {
	Op      string
	Code    InventoryErrorCode
	Message string
	Err     error
}

// NewInventoryError constructs a typed inventory error.
func NewInventoryError(op string, code InventoryErrorCode, message string, err error) *InventoryError {
	if message == "" {
		message = string(code)
	}
	return &InventoryError{Op: op, Code: code, Message: message, Err: err}
}

func (e *InventoryError) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}
	return e.Message
}

func (e *InventoryError) Unwrap() error { return e.Err }
func (e *InventoryError) IsNotFound() bool {
	return e.Code == InventoryErrorProductNotFound || e.Code == InventoryErrorReservationMissing
}
func (e *InventoryError) IsConflict() bool {
	return e.Code == InventoryErrorOutOfStock || e.Code == InventoryErrorAlreadyReserved
}
func (e *InventoryError) IsUnavailable() bool { return e.Code == InventoryErrorUnavailable }

// InventoryCode extracts the inventory error code from err.
func InventoryCode(err error) (InventoryErrorCode, bool) {
	var invErr *InventoryError
	if errors.As(err, &invErr) {
		return invErr.Code, true
	}
	return "", false
}

// IsNotFound reports whether err is a RepositoryError classified as not found.
func IsNotFound(err error) bool {
	var repoErr RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsNotFound()
}

// IsConflict reports whether err is a RepositoryError classified as a conflict.
func IsConflict(err error) bool {
	var repoErr RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsConflict()
}

// IsUnavailable reports whether err is a RepositoryError classified as unavailable.
func IsUnavailable(err error) bool {
	var repoErr RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsUnavailable()
}
