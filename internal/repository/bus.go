package repository

// MessageBus publishes settlement events to interested consumers.
type MessageBus interface {
	Publish(topic string, data []byte) error
}

// TopicRechargeApproved carries model.RechargeApprovedEvent payloads.
// The commission worker queue-subscribes to it.
const TopicRechargeApproved = "recharges.approved"
