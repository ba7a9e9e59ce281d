package events

const (
	TopicService = "stackctl.service"
	TopicHealth  = "stackctl.health"
	TopicBuild   = "stackctl.build"
	TopicWatch   = "stackctl.watch"
)

const (
	TypeServicePhase   = "service.phase"
	TypeServiceExit    = "service.exit"
	TypeHealthChanged  = "health.changed"
	TypeBuildStarted   = "build.started"
	TypeBuildFinished  = "build.finished"
	TypeWatchTriggered = "watch.triggered"
	TypeWatchCycle     = "watch.cycle"
)
