package eventbus

// Event types published by simkit components. Each type has one payload
// type: task.* carry engine.TaskEvent, schedule.started and schedule.ended
// carry scheduler.HandleInfo, schedule.failed carries scheduler.FailureEvent.
const (
	TaskStarted  = "task.started"
	TaskFailed   = "task.failed"
	TaskDropped  = "task.dropped"
	TaskSkipped  = "task.skipped"
	TaskFinished = "task.finished"

	ScheduleStarted = "schedule.started"
	ScheduleEnded   = "schedule.ended"
	ScheduleFailed  = "schedule.failed"

	RenderFailed = "render.failed"

	SubscriberConnected    = "subscriber.connected"
	SubscriberDisconnected = "subscriber.disconnected"
)
