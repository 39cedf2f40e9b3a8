// Package store declares the run ledger: one row per run, per finished fetch and
// per closed batch file.
package store
