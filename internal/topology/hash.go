package topology

import (
	"fmt"
	"strconv"

	"github.com/roach88/demandflow/internal/canonical"
	"github.com/roach88/demandflow/internal/dispatch"
)

// hashes maps built-in hash names to constructors. modulo reads its
// divisor from the dispatcher spec.
var hashes = map[string]func(d *DispatcherSpec) dispatch.HashFunc{
	"parity":   func(*DispatcherSpec) dispatch.HashFunc { return Parity },
	"modulo":   func(d *DispatcherSpec) dispatch.HashFunc { return Modulo(d.Modulo) },
	"identity": func(*DispatcherSpec) dispatch.HashFunc { return Identity },
}

// Parity keys integer events "even" or "odd". Other events get the empty
// key, which no declared partition matches.
func Parity(e dispatch.Event) dispatch.PartitionKey {
	n, ok := canonical.Int(e)
	if !ok {
		return ""
	}
	if n%2 == 0 {
		return "even"
	}
	return "odd"
}

// Modulo keys integer events by their non-negative remainder mod m.
func Modulo(m int) dispatch.HashFunc {
	return func(e dispatch.Event) dispatch.PartitionKey {
		n, ok := canonical.Int(e)
		if !ok || m <= 0 {
			return ""
		}
		r := n % int64(m)
		if r < 0 {
			r += int64(m)
		}
		return strconv.FormatInt(r, 10)
	}
}

// Identity keys an event by its own string form.
func Identity(e dispatch.Event) dispatch.PartitionKey {
	if n, ok := canonical.Int(e); ok {
		return strconv.FormatInt(n, 10)
	}
	if s, ok := e.(string); ok {
		return s
	}
	return fmt.Sprint(e)
}
