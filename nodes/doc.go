// Package nodes ships the built-in node implementations: an HTTP feature
// source, streaming attribute filter and field mapper, and a database upsert
// sink. Each node is a plain executor registered under a dotted type name;
// pipelines compose them through the workflow definition, never directly.
package nodes
