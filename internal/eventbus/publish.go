package eventbus

// Typed publishers for the taskwarden topics. All of them accept a nil Bus.

// statusQuarantined matches job.StatusQuarantined; this package sits below
// job and cannot import it.
const statusQuarantined = "quarantined"

// PublishExecution publishes one attempt event on an execution.* topic.
func PublishExecution(b Bus, topic string, ev ExecutionEvent) {
	Publish(b, topic, ev)
}

// PublishJobStatus publishes a job status transition on
// TopicJobStatusChanged. Entering quarantine, or re-arming an expired
// window, is published first on TopicJobQuarantined; leaving it on
// TopicJobUnquarantined.
func PublishJobStatus(b Bus, ev JobStatusEvent) {
	switch {
	case ev.To == statusQuarantined:
		Publish(b, TopicJobQuarantined, ev)
	case ev.From == statusQuarantined:
		Publish(b, TopicJobUnquarantined, ev)
	}
	if ev.From != ev.To {
		Publish(b, TopicJobStatusChanged, ev)
	}
}

// PublishFiring publishes a schedule decision. Kind "misfire" goes to
// TopicMisfire, every other kind to TopicFiring.
func PublishFiring(b Bus, ev FiringEvent) {
	if ev.Kind == "misfire" {
		Publish(b, TopicMisfire, ev)
		return
	}
	Publish(b, TopicFiring, ev)
}

// PublishLease publishes a lease outcome for lock.
func PublishLease(b Bus, lock, result string) {
	Publish(b, TopicLeaseAcquire, LeaseEvent{Lock: lock, Result: result})
}

// PublishAlert publishes a forwarded log alert.
func PublishAlert(b Bus, ev AlertEvent) {
	Publish(b, TopicLogAlert, ev)
}
