package processing

const DefaultThresholdLevel = 2.5

// Threshold binarizes analog readings before a snapshot is serialized:
// values above Level become 1, everything else 0.
// With no Channels listed it applies to every analog channel.
type Threshold struct {
	Level    float64
	Channels []string
}

func (t Threshold) appliesTo(channel string) bool {
	if len(t.Channels) == 0 {
		return IsAnalogChannel(channel)
	}
	for _, c := range t.Channels {
		if c == channel {
			return true
		}
	}
	return false
}

// Apply returns a binarized copy; the input table is left untouched.
func (t Threshold) Apply(table Table) Table {
	var targets []int
	for idx, channel := range table.Channels {
		if t.appliesTo(channel) {
			targets = append(targets, idx)
		}
	}
	if len(targets) == 0 {
		return table
	}

	out := table.Clone()
	for _, row := range out.Rows {
		for _, idx := range targets {
			if row.Values[idx] > t.Level {
				row.Values[idx] = 1
			} else {
				row.Values[idx] = 0
			}
		}
	}

	return out
}
