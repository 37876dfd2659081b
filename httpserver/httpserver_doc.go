/*
Package httpserver serves the federation endpoints of local actors.

# Routes

  - GET  /ap/users/{username}            actor document (application/activity+json)
  - POST /ap/users/{username}/inbox      signed activities, answered 202 on success
  - GET  /ap/users/{username}/followers  OrderedCollection of accepted followers
  - GET  /livez, /readyz, /drain, /undrain  health and load balancer control
  - /debug/pprof/*                        when pprof is enabled

Inbox failures carry the status of the *inbox.RequestError returned by the
dispatcher; any other error is a 500. Bodies larger than 1MB are refused
with 413.

Prometheus metrics are served on a separate listener (MetricsAddr).
*/
package httpserver
