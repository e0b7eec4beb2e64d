package kafka

// Topics between the dispatcher, the API and the executor. Messages are keyed
// by user ID so one user's windows land on one partition in order.
const (
	TopicPending   = "deliveries.pending"
	TopicImmediate = "deliveries.immediate"
	TopicDLQ       = "deliveries.dlq"
)
