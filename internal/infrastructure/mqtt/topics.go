package mqtt

import "fmt"

// TopicPrefix is the root of every deposition topic.
const TopicPrefix = "deposition"

// Topics provides builders for deposition MQTT topics.
// Using these helpers keeps publishers and subscribers in agreement:
//
//	topics := mqtt.Topics{}
//	statusTopic := topics.RunStatus()
//	// Returns: "deposition/run/status"
type Topics struct{}

// =============================================================================
// Run Topics
// =============================================================================

// RunStatus returns the retained topic carrying the latest RunState.
//
// Example: deposition/run/status
func (Topics) RunStatus() string {
	return TopicPrefix + "/run/status"
}

// RunEvent returns the topic for a single run lifecycle event.
//
// Example: deposition/run/event/run.faulted
func (Topics) RunEvent(eventType string) string {
	return fmt.Sprintf("%s/run/event/%s", TopicPrefix, eventType)
}

// RunCommand returns the topic the controller listens on for remote
// pause/resume/abort/acknowledge commands.
//
// Example: deposition/command/run
func (Topics) RunCommand() string {
	return TopicPrefix + "/command/run"
}

// =============================================================================
// Channel Topics
// =============================================================================

// ChannelState returns the retained topic for one relay channel.
//
// Example: deposition/channel/3/state
func (Topics) ChannelState(id int) string {
	return fmt.Sprintf("%s/channel/%d/state", TopicPrefix, id)
}

// =============================================================================
// System Topics
// =============================================================================

// SystemStatus returns the system status topic (LWT target).
//
// Example: deposition/system/status
func (Topics) SystemStatus() string {
	return TopicPrefix + "/system/status"
}

// SystemShutdown returns the topic announcing a graceful shutdown.
//
// Example: deposition/system/shutdown
func (Topics) SystemShutdown() string {
	return TopicPrefix + "/system/shutdown"
}

// =============================================================================
// Wildcard Subscriptions
// =============================================================================

// AllRunEvents returns a wildcard matching every run event.
//
// Example: deposition/run/event/+
func (Topics) AllRunEvents() string {
	return TopicPrefix + "/run/event/+"
}

// AllChannelStates returns a wildcard matching every channel state topic.
//
// Example: deposition/channel/+/state
func (Topics) AllChannelStates() string {
	return TopicPrefix + "/channel/+/state"
}

// AllTopics returns a wildcard matching every deposition topic.
//
// Example: deposition/#
func (Topics) AllTopics() string {
	return TopicPrefix + "/#"
}
