// Package notify implements the confirmation-prompt engine.
//
// The engine tracks at most one outstanding prompt per (recipient, kind),
// delivers prompts directly with a shared-channel fallback, expires them on
// a recurring sweep, and routes recipient replies back to the prompt that
// asked for them. Upgrade documents can inject behavior through three typed
// hook points (preprocess, expiration policy, keep-alive policy); an absent
// hook always means default behavior.
package notify
