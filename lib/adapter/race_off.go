//go:build !race

package adapter

// raceEnabled reports whether the race detector (or another memory checker)
// is active; shutdown then skips the leak_memory fast path.
const raceEnabled = false
