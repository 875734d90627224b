// Package database provides the PostgreSQL/TimescaleDB connection pool used
// by the update recorder, and the schema it writes to.
package database
