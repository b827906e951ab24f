// Package errors provides the error taxonomy used across satbridge.
//
// # Overview
//
// Every error that crosses a component boundary is classified into one of three
// classes, which drive the pipeline's control flow:
//
//   - Transient: network failures, 5xx, 429, timeouts. Retried with bounded backoff.
//   - Invalid: rejected requests (4xx), schema gaps, unknown alert codes. Never retried.
//   - Fatal: exhausted authentication, missing configuration, halted pipeline. Stop.
//
// Classification is carried by ClassifiedError and survives wrapping, so callers
// use IsTransient / IsInvalid / IsFatal instead of string matching.
//
// # Wrapping
//
// All wrapping follows the format:
//
//	"component.method: action failed: %w"
//
//	errors.WrapTransient(err, "ClickHouse", "Publish", "insert telemetry")
//	errors.WrapInvalid(err, "StreamConsumer", "Poll", "decode response")
//	errors.WrapFatal(err, "TokenProvider", "Token", "exchange credentials")
//
// # Taxonomy
//
// The pipeline maps its failure modes onto the classes as follows:
//
//   - ErrAuthFailure: the consumer invalidates the token and retries once; a second
//     failure is Fatal.
//   - ErrUpstreamUnavailable: Transient; the poll is retried, then the cycle is skipped.
//   - ErrSchemaGap, ErrUnresolvableAlertCode: Invalid; the row or code is dropped
//     with a warning and processing continues.
//   - ErrSinkWrite (Transient) and ErrSinkRejected (Invalid): a publish that ends in
//     either after retries halts polling and the batch is retained.
//
// HTTP responses are classified with ClassifyHTTPStatus and IsAuthStatus, and
// HTTPStatusError keeps the status code available to errors.As.
package errors
