package clock

import "time"

// Clock abstracts wall-clock reads so expiry logic can be tested
// deterministically.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time {
	return time.Now().UTC()
}

func New() Clock {
	return systemClock{}
}
