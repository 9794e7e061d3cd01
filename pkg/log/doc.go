/*
Package log provides structured logging for the cache core using zerolog.

Every long-running component (store, optimizer, tag manager, dispatcher)
pulls a component logger via WithComponent and attaches additional context
as structured fields (such as "domain" or "key") rather than formatting
strings by hand; WithDomain, WithShard and WithKey build such child loggers
directly. The session-lock-break warning and the out-of-order-delete drop
log both carry the record key as a "key" field so they can be grepped by
record key.

# Usage

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})

	storeLog := log.WithComponent("store").With().Str("domain", "fpc").Logger()
	storeLog.Warn().Str("key", key).Msg("broke session lock")
*/
package log
