package logfields

import "go.uber.org/zap"

func EventProvider(val string) zap.Field {
	return zap.String("event_provider", val)
}

func Event(val string) zap.Field {
	return zap.String("event", val)
}

func Step(val string) zap.Field {
	return zap.String("step", val)
}

func Outcome(val string) zap.Field {
	return zap.String("ci.outcome", val)
}

func RunID(val string) zap.Field {
	return zap.String("ci.run_id", val)
}

func ReleaseID(val string) zap.Field {
	return zap.String("toolchain.release_id", val)
}

func Stream(val string) zap.Field {
	return zap.String("zulip.stream", val)
}

func Topic(val string) zap.Field {
	return zap.String("zulip.topic", val)
}
