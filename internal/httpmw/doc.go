// Package httpmw is the middleware for the public listener.
//
// httpserver.NewHandler applies them with [Chain], outermost first: security
// headers, route context, panic recovery, request id, client identity,
// tracing, trace response headers, metrics and the request logger. Inside the
// router [AnnotateHTTPRoute], [AccessLog] and [LimitBody] run on every route,
// [Scope] and the rate limiter only on the routes that use them.
//
// [ClientIPFromContext] is the identity the limiter counts against. Raw client
// input such as query strings, user agents and arbitrary headers never reaches
// the logs.
package httpmw
