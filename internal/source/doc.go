// Package source is the rate-limited client for the upstream posts API
// (Twitter API v2 shape).
//
// Two operations are exposed:
//
//   - FetchAuthor resolves a handle into an Author. It is rare and retried
//     (bounded) on transient failures and quota exhaustion.
//   - FetchRecent returns the newest original posts of an author. It makes a
//     single attempt per call; quota exhaustion is absorbed by one sleep and
//     an empty batch.
//
// Every response updates the client's RateBudget from the x-rate-limit-*
// headers.
package source
