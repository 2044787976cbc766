// Package notify holds the shared contracts of the dispatch core.
//
// A notification request names a user, a category, a set of delivery
// channels and either a template key or literal content. The dispatcher
// resolves the user's preferences into an allowed channel set, renders
// content once, and fans out to one provider per channel.
//
// # Providers
//
// Each channel backend implements Provider (Send/VerifyDelivery/Healthy).
// Channel-specific capabilities are modeled as extension interfaces
// (PushProvider, WebhookProvider, InAppProvider) so the dispatcher can
// stay channel-agnostic while callers with a concrete provider can reach
// the extended surface.
//
// # Failure isolation
//
// A provider failure is recorded as a failed outcome for that channel
// only; it never aborts the other channels of the same request and never
// surfaces as an error to the caller.
package notify
