package ari

// hangupCauses maps Q.850 hangup cause codes to short names. Only the
// codes the PBX actually emits for outbound attempts are listed; unknown
// codes fall back to "unknown".
var hangupCauses = map[int]string{
	0:   "unknown",
	16:  "normal_clearing",
	17:  "user_busy",
	18:  "no_answer",
	19:  "no_answer",
	21:  "call_rejected",
	31:  "normal_unspecified",
	34:  "congestion",
	127: "interworking",
}

// CauseName resolves a hangup cause code to a stable name for webhooks
// and session records.
func CauseName(code int) string {
	if name, ok := hangupCauses[code]; ok {
		return name
	}
	return "unknown"
}
