// Package queue implements the bounded ingress buffer with watermark
// backpressure. Producers enqueue serialized events; a single writer
// drains them in batches. Rejections are never silent — they accumulate
// into a synthetic EventCacheOverflow summary emitted ahead of the next
// admitted event.
package queue
