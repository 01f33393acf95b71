// Package engine implements the demand-driven stage runtime.
//
// A Pipeline is a graph of stages joined by subscriptions. Data moves only
// when consumers ask for it: a consumer advertises demand, the producer
// generates at most that much, and its dispatcher routes the events to the
// subscriptions that asked.
//
// ARCHITECTURE:
//
// One goroutine per stage:
// Every stage drains its own FIFO mailbox on its own goroutine. Stage state
// (ledger, buffer, pending windows, user callback state) is mutated only
// there. Stages talk by enqueuing messages on each other's mailboxes, so
// messages from one sender arrive in order while messages from different
// senders interleave.
//
// Message Flow:
//  1. Subscribe validates synchronously and sends subscribe to the producer
//     and attach to the consumer.
//  2. The producer opens a ledger entry and confirms with subscribed.
//  3. The consumer asks for MaxDemand. Whenever its pending demand falls to
//     MinDemand it tops up to MaxDemand again.
//  4. On ask the producer calls HandleDemand for what its dispatcher says
//     subscribers can take, routes the result, and takes each route from
//     the ledger before sending the batch.
//  5. On cancel or termination, subscriptions are torn down along both
//     directions and the consumer applies its cancel mode.
//
// Termination:
// A stage terminates on Stop, Shutdown, context cancellation, exhaustion
// (ExhaustStop), a contract violation, a routing error, a callback error, or
// a propagated upstream cancellation. Its mailbox is then closed and drained;
// nothing it held is delivered afterwards.
//
// Tracing:
// Every transition is passed to the injected trace.Sink, stamped with a seq
// from the pipeline's logical clock and the run ID.
//
// CRITICAL PATTERNS:
//
// Demand invariant:
// Outstanding demand per subscription is never negative and never above
// MaxDemand. Producers returning more than asked, and routes exceeding
// outstanding demand, terminate the stage with CONTRACT_VIOLATION.
//
// Failure isolation:
// A failing callback terminates only its own stage. Other stages are
// affected only through subscriptions whose cancel mode says so.
package engine
