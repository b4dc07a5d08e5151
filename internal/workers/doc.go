// Package workers resolves worker definitions. Static workers come from the
// catalog loaded at process start and never change; dynamic workers belong
// to one owner, are fetched from persistence on demand and cached per owner
// with a TTL.
package workers
