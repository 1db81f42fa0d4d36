package meter

import "github.com/ineyio/mealgate"

// NoopMeter is a meter that does nothing.
type NoopMeter struct{}

var _ mealgate.Meter = (*NoopMeter)(nil)

func (m *NoopMeter) OnDecision(mealgate.DecisionEvent) {}
func (m *NoopMeter) OnResult(mealgate.ResultEvent)     {}
