/*
Package middleware provides the HTTP middleware of the chat gateway.

# Middleware Components

## Request ID (requestid.go)

RequestIDMiddleware assigns every request an id, honouring a well-formed
inbound X-Request-ID, and stores it in the context (see GetRequestID) and in
the X-Request-ID response header.

## Logging (logging.go)

LoggingMiddleware emits "request started" and "request completed" records
with slog. Handlers enrich the completion record with AddLogField and
AddError; the chat handler adds the principal, agent id, query id and stream
outcome this way.

## Authentication (auth.go)

AuthMiddleware resolves a principal through a ports.Authenticator and
rejects the request with a uniform 401 before the handler runs. Handlers
read the principal with PrincipalFrom.

## Errors (errors.go)

WriteError renders a domain.APIError as {"error":{"type","code","message"}}
with the status from HTTPStatusCode. It is only used before a stream is
committed.

# Middleware Chain Order

 1. RequestIDMiddleware
 2. LoggingMiddleware
 3. Recoverer
 4. OTel instrumentation
 5. AuthMiddleware (per route group)
*/
package middleware
