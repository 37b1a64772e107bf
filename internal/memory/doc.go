// Package memory implements the scoped memory gateway.
//
// Every task owns an isolated scope. Records written under a scope carry a
// TTL and are evicted oldest-first once the scope exceeds its entry cap.
// Retrieval is relevance-ordered: records are embedded and searched through
// a vector store (embedded chromem by default, qdrant for external
// deployments). No task ever touches another task's scope; the gateway
// enforces that by construction since every operation is scope-addressed.
package memory
