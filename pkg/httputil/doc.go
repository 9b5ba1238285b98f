// Package httputil holds the JSON response, request parsing and middleware
// helpers shared by the HTTP handlers.
//
// Errors are written as a machine-readable code plus a human message:
//
//	httputil.WriteErrorCode(w, http.StatusConflict, "no_seats_available",
//		"All purchased seats are in use", map[string]string{"hint": "upgrade"})
//
// Middleware composes with Chain, outermost first:
//
//	handler := httputil.Chain(
//		httputil.RequestIDMiddleware,
//		httputil.RecoveryMiddleware(logger),
//		httputil.LoggingMiddleware(logger),
//		httputil.MaxBytesMiddleware(1<<20),
//	)(router)
package httputil
