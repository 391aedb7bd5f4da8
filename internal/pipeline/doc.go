// Package pipeline is the business boundary of vantage. Its Service takes a
// raw camera event through validation, correlation, plan derivation, safety
// validation and alert compilation, then persists the resulting View,
// records the cycle in the audit log and publishes an upsert on the bus.
// It also applies operator decisions and serves queries and previews.
package pipeline
