// Package middleware provides the Gin middleware stack of the companion API.
//
// Features:
//   - CORS for the launcher webview (gin-contrib/cors)
//   - Per-IP and global rate limiting (golang.org/x/time/rate)
//
// Example Usage:
//
//	router.Use(middleware.CORS(middleware.DefaultCORSConfig()))
//	router.Use(middleware.RateLimit(middleware.DefaultRateLimitConfig()))
package middleware
