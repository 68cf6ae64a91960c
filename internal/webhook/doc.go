// Package webhook accepts signed HTTP POSTs from external services and turns
// each verified body into a work item for the dispatcher.
//
// Every endpoint requires an HMAC-SHA256 signature over the raw body, sent in
// a configurable header either as plain hex or GitHub style ("sha256=<hex>").
// Failed verification always answers a generic 403. Bodies larger than the
// endpoint limit answer 413 and are never parsed.
//
// Configuration:
//
//	webhooks:
//	  enabled: true
//	  listen: "127.0.0.1:8091"
//	  endpoints:
//	    - path: /hooks/github
//	      type: repo.push
//	      secret: ${GITHUB_WEBHOOK_SECRET}
//	      signature_header: X-Hub-Signature-256
//	      max_body_size: 1MB
//
// A JSON body becomes the item's input as decoded JSON; any other body is
// passed as a string. The item's params carry the endpoint path and the
// request id, and SubmittedBy is "webhook:<path>".
package webhook
