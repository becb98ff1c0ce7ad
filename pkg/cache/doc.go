// Package cache holds access decisions keyed by (principal, organization,
// permission).
//
// LocalCache keeps decisions in a size-bounded LRU inside the process.
// RedisCache shares them between processes. Both guard fills with an
// invalidation epoch, see DecisionCache. A cache is an optimization only:
// callers fall back to evaluating directly when it errors.
package cache
