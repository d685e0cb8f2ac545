package envelope

// Stream topology. Every client endpoint writes to the shared inbound stream;
// the router fans results out to one response stream per endpoint.
const (
	// DefaultInboundStream is the shared stream all endpoints write to.
	DefaultInboundStream = "requests"

	// DefaultRouterGroup is the router's consumer group on the inbound
	// stream. All router instances share it so they compete for entries.
	DefaultRouterGroup = "processors"

	responsePrefix = "responses-"
	workerSuffix   = "-workers"
)

// ResponseStream returns the per-endpoint inbound stream name.
func ResponseStream(endpointID string) string {
	return responsePrefix + endpointID
}

// WorkerGroup returns the consumer group name an endpoint's workers share.
// The group is derived from the endpoint identity alone: intentional
// multi-worker scaling shares the group with distinct consumer names, while
// two unrelated instances that also collide on consumer name will silently
// split the stream between them instead of each seeing all of it.
func WorkerGroup(endpointID string) string {
	return endpointID + workerSuffix
}
