// Package models contains GORM-specific persistence models that map to database tables.
// These models are separate from domain entities to keep the domain layer pure and free
// from ORM concerns.
//
// Structure:
//   - crm.go: connections, entity/field/relationship mappings, external ids, sync logs
//   - directory.go: the local user, company and location tables the sync engine reads and writes
package models
