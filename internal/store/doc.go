// Package store defines the persistence interfaces and row types for
// ingested documents and crawl runs. Implementations live in other packages;
// this package must not import database drivers or concrete clients.
package store
