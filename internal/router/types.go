package router

import (
	"fmt"
	"strings"
	"time"

	"marketpulse/internal/feed"
)

// Role identifies the recipient's role in the marketplace.
type Role string

const (
	RoleSeller Role = "seller"
	RoleDriver Role = "driver"
	RoleBuyer  Role = "buyer"
	RoleAdmin  Role = "admin"
)

// ParseRole normalizes a config string into a Role.
func ParseRole(s string) (Role, error) {
	switch Role(strings.ToLower(strings.TrimSpace(s))) {
	case RoleSeller:
		return RoleSeller, nil
	case RoleDriver:
		return RoleDriver, nil
	case RoleBuyer:
		return RoleBuyer, nil
	case RoleAdmin:
		return RoleAdmin, nil
	}
	return "", fmt.Errorf("router: unknown role %q", s)
}

// Category is the closed set of alert sound categories. Each category maps to
// a deterministic tone pattern in the audio engine.
type Category string

const (
	CategoryNewOrder       Category = "NEW_ORDER"
	CategoryOrderAssigned  Category = "ORDER_ASSIGNED"
	CategoryOrderReady     Category = "ORDER_READY"
	CategoryOrderDelivered Category = "ORDER_DELIVERED"
	CategoryNewProduct     Category = "NEW_PRODUCT"
	CategoryGeneral        Category = "GENERAL"
	CategoryCritical       Category = "CRITICAL"
)

// Priority of a notification record.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// NotificationRecord is one classified alert. It is immutable and owned by
// whichever consumer it is dispatched to.
type NotificationRecord struct {
	ID          string
	Category    Category
	Title       string
	Body        string
	Priority    Priority
	SourceEvent feed.ChangeEvent
	CreatedAt   time.Time
}
