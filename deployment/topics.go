package deployment

import "fmt"

// TopicBuilder mirrors the teacher's pkg/orchestration/topics.go: one
// struct scoping every topic under a domain/channel pair, instead of
// scattering fmt.Sprintf templates through the transport.
type TopicBuilder struct {
	domainID  string
	channelID string
}

func NewTopicBuilder(domainID, channelID string) *TopicBuilder {
	return &TopicBuilder{domainID: domainID, channelID: channelID}
}

func (tb *TopicBuilder) BaseTopic() string {
	return fmt.Sprintf("m/%s/c/%s", tb.domainID, tb.channelID)
}

// BroadcastTopic carries controller-to-device commands: ChangeState,
// SubscribeToStateChange, SubscriptionHeartbeat, UnsubscribeFromStateChange,
// GetProperties, SetProperties. Devices self-filter by path/id.
func (tb *TopicBuilder) BroadcastTopic() string {
	return tb.BaseTopic() + "/control/broadcast"
}

// ReplyTopic carries device-to-controller replies: StateChangeSubscription,
// StateChangeUnsubscription, StateChange, TransitionStatus, Properties,
// PropertiesSet.
func (tb *TopicBuilder) ReplyTopic() string {
	return tb.BaseTopic() + "/control/reply"
}

// ExitTopic carries the deployment service's per-task exit notifications.
func (tb *TopicBuilder) ExitTopic() string {
	return tb.BaseTopic() + "/control/exit"
}

// DiscoveryTopic names a discovery channel under the base topic. Nothing in
// this module publishes or subscribes to it: MQTTService takes its task list
// from the seed passed to NewMQTTService.
func (tb *TopicBuilder) DiscoveryTopic() string {
	return tb.BaseTopic() + "/control/discovery"
}

func (tb *TopicBuilder) AllTopics() string {
	return tb.BaseTopic() + "/#"
}
