package autoscale

// driftTracker compares the reported replica count with the last accepted command.
type driftTracker struct {
	commanded  int32
	hasCommand bool
	mismatches int
	drifting   bool
}

// commandAccepted records an accepted command. Re-issuing the same count does
// not reset the mismatch streak.
func (d *driftTracker) commandAccepted(replicas int32) {
	if d.hasCommand && d.commanded == replicas {
		return
	}
	d.commanded = replicas
	d.hasCommand = true
	d.mismatches = 0
}

// observe returns true when the drifting flag flipped on this observation.
func (d *driftTracker) observe(current int32, tolerance int) bool {
	if !d.hasCommand {
		return false
	}
	if current == d.commanded {
		d.mismatches = 0
		if d.drifting {
			d.drifting = false
			return true
		}
		return false
	}
	d.mismatches++
	if !d.drifting && d.mismatches >= tolerance {
		d.drifting = true
		return true
	}
	return false
}
