// Package state implements the reducer library and state manager: merging
// per-node state updates into a shared state dictionary under declared
// per-key reduction rules, with monotonic versioning and transactional
// rollback via the checkpoint store.
package state

import (
	"fmt"
	"sort"
	"time"
)

// Reducer merges an existing value with an incoming one for a single state
// key. Reducers must be pure and must not mutate either argument.
type Reducer func(existing, incoming any) (any, error)

// Overwrite is the default reducer: incoming always wins.
func Overwrite(existing, incoming any) (any, error) {
	return incoming, nil
}

// AppendList concatenates existing then incoming, treating a nil existing
// value as an empty list. Both sides must be slices (or nil); a scalar
// incoming value is appended as a single element for convenience.
func AppendList(existing, incoming any) (any, error) {
	var out []any
	if existing != nil {
		ex, err := toSlice(existing)
		if err != nil {
			return nil, fmt.Errorf("append_list: existing: %w", err)
		}
		out = append(out, ex...)
	}
	if incoming != nil {
		if in, err := toSlice(incoming); err == nil {
			out = append(out, in...)
		} else {
			out = append(out, incoming)
		}
	}
	return out, nil
}

// MergeMap performs a shallow right-biased merge: keys in incoming override
// keys in existing. Nil on either side is treated as an empty map.
func MergeMap(existing, incoming any) (any, error) {
	out := map[string]any{}
	if existing != nil {
		ex, err := toMap(existing)
		if err != nil {
			return nil, fmt.Errorf("merge_map: existing: %w", err)
		}
		for k, v := range ex {
			out[k] = v
		}
	}
	if incoming != nil {
		in, err := toMap(incoming)
		if err != nil {
			return nil, fmt.Errorf("merge_map: incoming: %w", err)
		}
		for k, v := range in {
			out[k] = v
		}
	}
	return out, nil
}

// Max keeps the numerically larger of the two values. Nil is tolerated on
// either side: if one side is nil, the other wins outright.
func Max(existing, incoming any) (any, error) {
	return numericCompare(existing, incoming, func(a, b float64) bool { return a >= b })
}

// Min keeps the numerically smaller of the two values.
func Min(existing, incoming any) (any, error) {
	return numericCompare(existing, incoming, func(a, b float64) bool { return a <= b })
}

func numericCompare(existing, incoming any, existingWins func(a, b float64) bool) (any, error) {
	if existing == nil {
		return incoming, nil
	}
	if incoming == nil {
		return existing, nil
	}
	a, err := toFloat(existing)
	if err != nil {
		return nil, fmt.Errorf("numeric reducer: existing: %w", err)
	}
	b, err := toFloat(incoming)
	if err != nil {
		return nil, fmt.Errorf("numeric reducer: incoming: %w", err)
	}
	if existingWins(a, b) {
		return existing, nil
	}
	return incoming, nil
}

// Counter adds incoming to existing, treating nil existing as zero.
func Counter(existing, incoming any) (any, error) {
	var a int64
	if existing != nil {
		v, err := toInt(existing)
		if err != nil {
			return nil, fmt.Errorf("counter: existing: %w", err)
		}
		a = v
	}
	b, err := toInt(incoming)
	if err != nil {
		return nil, fmt.Errorf("counter: incoming: %w", err)
	}
	return a + b, nil
}

// UnionSet unions two sets, represented as []any with de-duplication by
// fmt.Sprint identity (sufficient for the scalar/string elements the
// runtime's state values hold). Nil existing is treated as an empty set.
func UnionSet(existing, incoming any) (any, error) {
	seen := map[string]bool{}
	var out []any
	add := func(v any) error {
		sl, err := toSlice(v)
		if err != nil {
			return err
		}
		for _, item := range sl {
			key := fmt.Sprint(item)
			if !seen[key] {
				seen[key] = true
				out = append(out, item)
			}
		}
		return nil
	}
	if existing != nil {
		if err := add(existing); err != nil {
			return nil, fmt.Errorf("union_set: existing: %w", err)
		}
	}
	if incoming != nil {
		if err := add(incoming); err != nil {
			return nil, fmt.Errorf("union_set: incoming: %w", err)
		}
	}
	return out, nil
}

// Prioritized is the shape priority_map and latest_by_timestamp expect for
// each value in their per-key maps.
type Prioritized struct {
	Value    any
	Priority float64
}

// PriorityMap performs a per-key merge keeping the value with the higher
// Priority; ties break to incoming.
func PriorityMap(existing, incoming any) (any, error) {
	out := map[string]any{}
	ex, err := toMap(existing)
	if err != nil {
		return nil, fmt.Errorf("priority_map: existing: %w", err)
	}
	in, err := toMap(incoming)
	if err != nil {
		return nil, fmt.Errorf("priority_map: incoming: %w", err)
	}
	for k, v := range ex {
		out[k] = v
	}
	for k, v := range in {
		cur, ok := out[k]
		if !ok {
			out[k] = v
			continue
		}
		curP, curErr := priorityOf(cur)
		newP, newErr := priorityOf(v)
		if curErr != nil || newErr != nil {
			out[k] = v
			continue
		}
		if newP >= curP {
			out[k] = v
		}
	}
	return out, nil
}

func priorityOf(v any) (float64, error) {
	switch t := v.(type) {
	case Prioritized:
		return t.Priority, nil
	case map[string]any:
		if p, ok := t["priority"]; ok {
			return toFloat(p)
		}
	}
	return 0, fmt.Errorf("no priority field on %T", v)
}

// LatestByTimestamp performs a per-key merge keeping the value with the
// later Timestamp. Both RFC3339 strings and time.Time values are accepted.
func LatestByTimestamp(existing, incoming any) (any, error) {
	out := map[string]any{}
	ex, err := toMap(existing)
	if err != nil {
		return nil, fmt.Errorf("latest_by_timestamp: existing: %w", err)
	}
	in, err := toMap(incoming)
	if err != nil {
		return nil, fmt.Errorf("latest_by_timestamp: incoming: %w", err)
	}
	for k, v := range ex {
		out[k] = v
	}
	for k, v := range in {
		cur, ok := out[k]
		if !ok {
			out[k] = v
			continue
		}
		curT, curErr := timestampOf(cur)
		newT, newErr := timestampOf(v)
		if curErr != nil || newErr != nil {
			out[k] = v
			continue
		}
		if !newT.Before(curT) {
			out[k] = v
		}
	}
	return out, nil
}

func timestampOf(v any) (time.Time, error) {
	var raw any
	switch t := v.(type) {
	case Prioritized:
		raw = t.Value
	case map[string]any:
		if ts, ok := t["timestamp"]; ok {
			raw = ts
		} else {
			return time.Time{}, fmt.Errorf("no timestamp field on map")
		}
	default:
		return time.Time{}, fmt.Errorf("no timestamp field on %T", v)
	}
	switch t := raw.(type) {
	case time.Time:
		return t, nil
	case string:
		return time.Parse(time.RFC3339, t)
	default:
		return time.Time{}, fmt.Errorf("unsupported timestamp type %T", raw)
	}
}

// Strategy is the factory name for strategy_reducer.
type Strategy string

const (
	StrategyLatest  Strategy = "latest"
	StrategyEarlier Strategy = "earliest"
	StrategyMerge   Strategy = "merge"
	StrategyAppend  Strategy = "append"
)

// StrategyReducer returns a reducer dispatching to one of the named
// strategies. "earliest" swaps the comparison direction of
// latest_by_timestamp.
func StrategyReducer(s Strategy) (Reducer, error) {
	switch s {
	case StrategyLatest:
		return LatestByTimestamp, nil
	case StrategyEarlier:
		return func(existing, incoming any) (any, error) {
			merged, err := LatestByTimestamp(existing, incoming)
			if err != nil {
				return nil, err
			}
			out := merged.(map[string]any)
			ex, _ := toMap(existing)
			for k, v := range ex {
				curT, curErr := timestampOf(out[k])
				exT, exErr := timestampOf(v)
				if curErr == nil && exErr == nil && exT.Before(curT) {
					out[k] = v
				}
			}
			return out, nil
		}, nil
	case StrategyMerge:
		return MergeMap, nil
	case StrategyAppend:
		return AppendList, nil
	default:
		return nil, fmt.Errorf("unknown strategy %q", s)
	}
}

// --- conversion helpers -----------------------------------------------

func toSlice(v any) ([]any, error) {
	switch t := v.(type) {
	case []any:
		return t, nil
	case nil:
		return nil, nil
	default:
		return nil, fmt.Errorf("value of type %T is not a list", v)
	}
}

func toMap(v any) (map[string]any, error) {
	switch t := v.(type) {
	case map[string]any:
		return t, nil
	case nil:
		return map[string]any{}, nil
	default:
		return nil, fmt.Errorf("value of type %T is not a map", v)
	}
}

func toFloat(v any) (float64, error) {
	switch t := v.(type) {
	case float64:
		return t, nil
	case float32:
		return float64(t), nil
	case int:
		return float64(t), nil
	case int64:
		return float64(t), nil
	case int32:
		return float64(t), nil
	default:
		return 0, fmt.Errorf("value of type %T is not numeric", v)
	}
}

func toInt(v any) (int64, error) {
	switch t := v.(type) {
	case int:
		return int64(t), nil
	case int64:
		return t, nil
	case int32:
		return int64(t), nil
	case float64:
		return int64(t), nil
	default:
		return 0, fmt.Errorf("value of type %T is not an integer", v)
	}
}

// Registry holds reducers keyed by state key, with a default fallback.
// Per open question 2 (§9 of the spec this registry implements), lookup for
// an unregistered key always returns Overwrite — never an error.
type Registry struct {
	reducers map[string]Reducer
}

// NewRegistry creates an empty reducer registry.
func NewRegistry() *Registry {
	return &Registry{reducers: make(map[string]Reducer)}
}

// Register associates a reducer with a state key.
func (r *Registry) Register(key string, reducer Reducer) {
	r.reducers[key] = reducer
}

// Lookup returns the reducer registered for key, or Overwrite if none is
// registered.
func (r *Registry) Lookup(key string) Reducer {
	if reducer, ok := r.reducers[key]; ok {
		return reducer
	}
	return Overwrite
}

// Keys returns the registered keys in sorted order, for deterministic
// iteration in tests and diagnostics.
func (r *Registry) Keys() []string {
	keys := make([]string, 0, len(r.reducers))
	for k := range r.reducers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
