// Package upgrade executes declarative upgrade documents: ordered steps of
// named handler invocations with typed rollback collected on a stack.
//
// Handlers cover schema/version bookkeeping, data migration, resource
// provisioning, configuration mutation, command registration, event
// binding, storage DDL, and the three notification engine hook points.
// Operators extend the bot's behavior by shipping documents, not code.
package upgrade
