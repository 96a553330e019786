// Package crm contains the CRM Synchronization bounded context.
// This context keeps local users, companies and locations consistent with an
// external CRM tenant across two schemas and two identity spaces.
//
// Key concepts:
//   - Connection: one configured link to one remote CRM tenant
//   - EntityMapping: declares that a local entity type syncs to a remote entity
//   - CorrelationEntry: the durable link between one local and one remote record
//   - Provider: port implemented by every CRM backend adapter
//   - SyncResult: transient aggregate returned from one orchestration run
//
// Design Pattern: Ports & Adapters
//   - Ports (Provider, CorrelationStore, LocalEntityStore, ProgressReporter, ...) are defined here
//   - Adapters (GORM stores, the Dynamics Web API client, Redis caches) are in the infrastructure layer
package crm
