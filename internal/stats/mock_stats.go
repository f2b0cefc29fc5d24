package stats

// NoopStats satisfies StatsProvider without recording anything. Tests that
// exercise the gateway use it so metric updates never block.
type NoopStats struct{}

func (NoopStats) Incr(string)           {}
func (NoopStats) Decr(string)           {}
func (NoopStats) RegisterMetric(string) {}
func (NoopStats) Run()                  {}
