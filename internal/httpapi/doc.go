// Package httpapi is the HTTP surface of the quadran-lock service.
//
// Device administration, session token minting, and audit reads require a
// caller JWT with the admin scope. Challenge issue and authentication accept
// anonymous callers, since the device proving itself is not an API caller;
// anonymous authentication responses carry only the verdict, the first
// failed gate, and per-gate booleans, while callers holding the evidence
// scope additionally receive the full per-gate evidence.
package httpapi
