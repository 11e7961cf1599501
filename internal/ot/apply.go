package ot

import "fmt"

// Apply splices op's edits into content. Positions count runes.
func Apply(content string, op Operation) (string, error) {
	runes := []rune(content)
	for _, e := range op.Normalize().Edits {
		if e.Position < 0 || e.Delete < 0 || e.Position+e.Delete > len(runes) {
			return content, fmt.Errorf("%w: edit [%d,%d) in document of length %d", ErrOutOfRange, e.Position, e.Position+e.Delete, len(runes))
		}
		runes = splice(runes, e)
	}
	return string(runes), nil
}

// ApplyClamped is Apply with every edit clamped into range. It returns the
// edits as actually applied so that replaying them with Apply reproduces the
// result.
func ApplyClamped(content string, edits []Edit) (string, []Edit) {
	runes := []rune(content)
	applied := make([]Edit, 0, len(edits))
	for _, e := range edits {
		e.Position = max(0, min(e.Position, len(runes)))
		e.Delete = max(0, min(e.Delete, len(runes)-e.Position))
		if e.noop() {
			continue
		}
		runes = splice(runes, e)
		applied = append(applied, e)
	}
	return string(runes), applied
}

func splice(runes []rune, e Edit) []rune {
	insert := []rune(e.Insert)
	out := make([]rune, 0, len(runes)-e.Delete+len(insert))
	out = append(out, runes[:e.Position]...)
	out = append(out, insert...)
	return append(out, runes[e.Position+e.Delete:]...)
}

// Replay applies ops in order starting from initial.
func Replay(initial string, ops []Operation) (string, error) {
	content := initial
	for _, op := range ops {
		var err error
		if content, err = Apply(content, op); err != nil {
			return content, fmt.Errorf("replaying %s: %w", op.ID, err)
		}
	}
	return content, nil
}
