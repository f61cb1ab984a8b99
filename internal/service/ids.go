package service

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

func shortID() string {
	return strings.ToUpper(strings.ReplaceAll(uuid.New().String(), "-", "")[:12])
}

// NewOrderNumber returns a customer-facing order number, e.g.
// ORD-20260828-3F2A91C04B7D.
func NewOrderNumber(now time.Time) string {
	return fmt.Sprintf("ORD-%s-%s", now.Format("20060102"), shortID())
}

// NewTransactionID returns a gateway transaction id, e.g. TXN-....
func NewTransactionID() string {
	return "TXN-" + shortID()
}

// NewRefundNumber returns a refund number, e.g. REF-....
func NewRefundNumber(now time.Time) string {
	return fmt.Sprintf("REF-%s-%s", now.Format("20060102"), shortID())
}
