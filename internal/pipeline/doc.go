// Package pipeline provides the stage client layer of the analysis pipeline.
//
// Every external agent or tool is reached through ports.StageClient. The
// orchestrator never talks to a collaborator directly; it looks the stage up
// in a Clients set and receives a classified domain.StageResult.
//
// # Webhook Contract
//
// Remote stages receive a StageRequest and must return a stage reply:
//
//	POST <webhook_url>
//	Content-Type: application/json
//
//	{
//	  "stage": "detect",
//	  "run_id": "...",
//	  "payload": { ... stage input ... }
//	}
//
// Response:
//
//	{
//	  "outcome": "ok" | "error" | "skipped",
//	  "payload": { ... stage output ... },
//	  "error": { "kind": "rate_limited", "message": "..." }
//	}
//
// HTTP failures are classified: 429 is rate_limited, 5xx and transport
// failures are unavailable, other non-2xx answers and malformed bodies are
// invalid_response, and an expired deadline is timeout.
//
// # Local Stages
//
// In-process stages (knowledge enrichment, syntax verification, diagrams,
// reports) are wrapped in a LocalClient so they honour the same timeout,
// pacing and classification rules as remote ones.
package pipeline
