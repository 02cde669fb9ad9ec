// Package events defines the kernel lifecycle events hydrogen publishes.
package events

// Event types for kernels
const (
	KernelStarted      = "kernel.started"
	KernelStateChanged = "kernel.state_changed"
	KernelRestarted    = "kernel.restarted"
	KernelDestroyed    = "kernel.destroyed"
)

// Source is stamped on every event this process publishes.
const Source = "hydrogen"

// BuildKernelSubject scopes an event type to one kernel language,
// e.g. "kernel.state_changed.python".
func BuildKernelSubject(eventType, language string) string {
	return eventType + "." + language
}

// BuildKernelLanguageSubject subscribes to every event of one kernel.
func BuildKernelLanguageSubject(language string) string {
	return "kernel.*." + language
}

// BuildKernelWildcardSubject subscribes to every kernel event.
func BuildKernelWildcardSubject() string {
	return "kernel.>"
}

// KernelEventData builds the payload shared by all kernel events.
func KernelEventData(language, displayName, state string) map[string]interface{} {
	return map[string]interface{}{
		"language":     language,
		"display_name": displayName,
		"state":        state,
	}
}
