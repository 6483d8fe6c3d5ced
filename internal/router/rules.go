package router

import (
	"fmt"
	"sort"

	"marketpulse/internal/feed"
)

// rule maps one (table, kind, role) combination to an alert shape.
// Title/body are produced from the event's after image; fields referenced by
// a template that are missing simply render empty (malformed handling is the
// router's concern, not the rule's).
type rule struct {
	category Category
	priority Priority
	title    string
	body     func(ev feed.ChangeEvent) string
}

type ruleKey struct {
	table string
	kind  feed.Kind
	role  Role
}

// rules is the static classification table. Unknown combinations fall back to
// GENERAL/low via genericRule.
var rules = map[ruleKey]rule{
	{"orders", feed.KindInsert, RoleSeller}: {
		category: CategoryNewOrder,
		priority: PriorityHigh,
		title:    "New order received",
		body: func(ev feed.ChangeEvent) string {
			return fmt.Sprintf("Order %s is waiting for confirmation", stringField(ev.After, "id"))
		},
	},
	{"orders", feed.KindUpdate, RoleSeller}: {
		category: CategoryOrderReady,
		priority: PriorityMedium,
		title:    "Order updated",
		body: func(ev feed.ChangeEvent) string {
			return fmt.Sprintf("Order %s is now %s", stringField(ev.After, "id"), stringField(ev.After, "status"))
		},
	},
	{"orders", feed.KindInsert, RoleDriver}: {
		category: CategoryOrderAssigned,
		priority: PriorityHigh,
		title:    "New delivery assigned",
		body: func(ev feed.ChangeEvent) string {
			return fmt.Sprintf("Pick up order %s at %s", stringField(ev.After, "id"), stringField(ev.After, "pickup_address"))
		},
	},
	{"orders", feed.KindUpdate, RoleDriver}: {
		category: CategoryOrderReady,
		priority: PriorityHigh,
		title:    "Order ready for pickup",
		body: func(ev feed.ChangeEvent) string {
			return fmt.Sprintf("Order %s is ready", stringField(ev.After, "id"))
		},
	},
	{"orders", feed.KindUpdate, RoleBuyer}: {
		category: CategoryOrderDelivered,
		priority: PriorityMedium,
		title:    "Order status changed",
		body: func(ev feed.ChangeEvent) string {
			return fmt.Sprintf("Your order is now %s", stringField(ev.After, "status"))
		},
	},
	{"products", feed.KindInsert, RoleBuyer}: {
		category: CategoryNewProduct,
		priority: PriorityLow,
		title:    "New product available",
		body: func(ev feed.ChangeEvent) string {
			return stringField(ev.After, "name")
		},
	},
	{"incidents", feed.KindInsert, RoleAdmin}: {
		category: CategoryCritical,
		priority: PriorityHigh,
		title:    "Incident reported",
		body: func(ev feed.ChangeEvent) string {
			return stringField(ev.After, "summary")
		},
	},
}

// relevantTables lists, per role, the tables whose events concern that role
// at all. Events for other tables return nil from Route.
var relevantTables = map[Role]map[string]bool{
	RoleSeller: {"orders": true, "products": true},
	RoleDriver: {"orders": true},
	RoleBuyer:  {"orders": true, "products": true},
	RoleAdmin:  {"orders": true, "products": true, "incidents": true},
}

// Tables returns the sorted set of tables a role should subscribe to.
func Tables(role Role) []string {
	set := relevantTables[role]
	out := make([]string, 0, len(set))
	for t := range set {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func lookupRule(table string, kind feed.Kind, role Role) (rule, bool) {
	r, ok := rules[ruleKey{table, kind, role}]
	return r, ok
}

func genericRule(table string) rule {
	return rule{
		category: CategoryGeneral,
		priority: PriorityLow,
		title:    "Activity update",
		body: func(ev feed.ChangeEvent) string {
			return fmt.Sprintf("Something changed in %s", table)
		},
	}
}

func stringField(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	v, ok := m[key]
	if !ok || v == nil {
		return ""
	}
	return fmt.Sprint(v)
}
