// Package dispatch decides how a producer's buffered events are split among
// its subscriptions.
//
// A Dispatcher is a closed tagged variant over three strategies:
//
//   - Demand: events go to the subscription with the highest outstanding
//     demand; ties go to the earliest subscription. Default.
//   - Broadcast: every subscription receives the same events in the same
//     order. The producer is asked for the MINIMUM outstanding demand across
//     subscriptions, so production never outruns the slowest subscriber.
//   - Partition: a HashFunc maps each event to a PartitionKey and the event
//     goes to exactly the subscriptions registered for that key.
//
// Route is pure with respect to the ledger: it reads outstanding demand and
// proposes routes, and the caller commits them with ledger.Take. A route that
// exceeds demand is therefore caught by the ledger, not trusted.
//
// Partition policy for keys nobody serves:
//   - key declared via WithPartitions but no subscriber yet: event is held
//   - key not declared (or no declared set and no subscriber): the
//     UnroutablePolicy applies, Drop by default, Fail returns ErrUnroutable
//
// Held events of one key never block events of another key, and events of
// one key are never reordered. A held event only lowers the producer demand
// of the subscriptions serving its key, and each key holds at most
// HoldLimit events; past that the oldest are evicted.
package dispatch
