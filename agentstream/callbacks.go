package agentstream

// Callbacks adapts the ordered event stream to per-kind handler functions.
// Nil handlers are skipped.
type Callbacks struct {
	OnContentDelta   func(ContentDelta)
	OnToolInvocation func(ToolInvocation)
	OnToolOutcome    func(ToolOutcome)
	OnPhaseChange    func(Phase)
	OnError          func(error)
	OnComplete       func(StreamOutcome)
}

// Dispatch routes one event to its handler.
func (c Callbacks) Dispatch(ev Event) {
	switch e := ev.(type) {
	case ContentDelta:
		if c.OnContentDelta != nil {
			c.OnContentDelta(e)
		}
	case ToolInvocation:
		if c.OnToolInvocation != nil {
			c.OnToolInvocation(e)
		}
	case ToolOutcome:
		if c.OnToolOutcome != nil {
			c.OnToolOutcome(e)
		}
	case PhaseChange:
		if c.OnPhaseChange != nil {
			c.OnPhaseChange(e.Phase)
		}
	case StreamError:
		if c.OnError != nil {
			c.OnError(e.Err)
		}
	case TurnComplete:
		if c.OnComplete != nil {
			c.OnComplete(e.Outcome)
		}
	}
}

// Sink returns c.Dispatch as a Sink.
func (c Callbacks) Sink() Sink {
	return c.Dispatch
}

// Tee returns a Sink that delivers every event to each sink in order.
func Tee(sinks ...Sink) Sink {
	return func(ev Event) {
		for _, s := range sinks {
			if s != nil {
				s(ev)
			}
		}
	}
}
