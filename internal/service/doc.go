// Package service contains the operator-facing use cases of the automation
// pipeline. It orchestrates the stores and the dispatch queue so that a
// state change and the work it triggers happen together or not at all.
//
// Key components:
//
//  1. TaskService: submission, approval, rejection and withdrawal of
//     automation tasks. Approval commits the status change and the enqueue
//     in one transaction.
//
//  2. AccountService: registration of automation accounts. Secrets are
//     sealed by the credential vault before they reach the store, and a
//     verification dispatch is queued on the setup lane.
//
// The service layer depends on domain entities and store interfaces, never
// on a specific infrastructure implementation.
package service
