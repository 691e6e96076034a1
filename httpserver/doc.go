/*
Package httpserver runs the attestation service API.

It mounts the API handlers behind request logging and adds the operational endpoints:

  - GET /livez    - liveness
  - GET /readyz   - readiness, 503 while draining
  - GET /drain    - mark the server not ready ahead of shutdown
  - GET /undrain  - mark the server ready again
  - /debug/pprof  - when EnablePprof is set

Prometheus metrics are served on a separate listener at MetricsAddr.
*/
package httpserver
