package governance

type State string

type Event string

const (
	StateProposed  State = "PROPOSED"
	StateConfirmed State = "CONFIRMED"
	StateTriggered State = "TRIGGERED"
	StateExpired   State = "EXPIRED"
)

const (
	EventQuorum  Event = "QUORUM"
	EventTrigger Event = "TRIGGER"
	EventExpire  Event = "EXPIRE"
)

func nextState(current State, event Event) State {
	switch current {
	case StateProposed:
		if event == EventQuorum {
			return StateConfirmed
		}
		if event == EventExpire {
			return StateExpired
		}
	case StateConfirmed:
		if event == EventTrigger {
			return StateTriggered
		}
		if event == EventExpire {
			return StateExpired
		}
	}
	return current
}
