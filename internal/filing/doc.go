// Package filing defines the core types and collaborator interfaces shared by the
// retrieval and archival pipeline.
package filing
