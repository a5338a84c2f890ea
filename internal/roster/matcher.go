package roster

// Select picks the entry a job for capability should be routed to.
//
// Entries are scanned in order and the first one declaring capability wins.
// When none does, the first entry (the oldest on duty) is chosen anyway so
// that every job gets some response. ok is false only for an empty slice.
func Select(entries []*Entry, capability string) (idx int, matched bool, ok bool) {
	if len(entries) == 0 {
		return -1, false, false
	}
	for i, e := range entries {
		if e.HasCapability(capability) {
			return i, true, true
		}
	}
	return 0, false, true
}
