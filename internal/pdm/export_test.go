package pdm

import "pdm-go/internal/model"

// ApplyChanges returns a copy of units with changes applied.
func ApplyChanges(units map[string]string, changes []model.Change) map[string]string {
	out := make(map[string]string, len(units))
	for k, v := range units {
		out[k] = v
	}
	for _, c := range changes {
		switch c.Kind {
		case model.ChangeRemoved:
			delete(out, c.Unit)
		default:
			out[c.Unit] = c.New
		}
	}
	return out
}
