// Package storage provides the durable local key-value layer.
//
// It currently persists:
//   - The notification permission grant (one namespaced key)
//   - Router dedup windows (to survive restarts)
//   - A bounded notification history for operator inspection
package storage
