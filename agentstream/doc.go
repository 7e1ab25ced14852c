// Package agentstream defines the backend-agnostic event vocabulary shared by
// every component that produces or consumes a streamed turn.
//
// A backend (the subprocess engine or an HTTP completion adapter) emits a
// totally ordered sequence of events for one conversation:
//
//	PhaseChange{thinking}
//	ContentDelta ...          (text as it arrives; FullText carries the buffer so far)
//	ToolInvocation            (the backend asked to run a tool)
//	ToolOutcome               (the tool result came back)
//	ContentDelta ...
//	TurnComplete | StreamError
//
// Event is a closed sum type: only the variants declared in this package
// implement it, so a type switch over an Event is exhaustive.
//
// # Consuming events
//
// Consumers receive events through a Sink, usually built from Callbacks:
//
//	sink := agentstream.Callbacks{
//	    OnContentDelta: func(d agentstream.ContentDelta) { fmt.Print(d.Text) },
//	    OnComplete:     func(o agentstream.StreamOutcome) { fmt.Println("\ndone") },
//	}.Sink()
//
// # Errors
//
// Failures are reported as *BackendError values carrying an ErrorKind. Use
// KindOf to classify an arbitrary error and IsRetryable to decide whether a
// router may move on to the next backend.
package agentstream
