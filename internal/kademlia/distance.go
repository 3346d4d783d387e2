package kademlia

// DistanceHelped quantifies how much a peer advanced a search toward target,
// in 32-bit prefix XOR arithmetic (spec §4.4.1).
//
//   at = node XOR target
//   bt = reply XOR target
//   ab = node XOR reply
//
// If bt > at the reply is farther from target than the peer itself — the
// peer is non-compliant and gets no credit. Else if at < ab the reply
// overshot past the target, and the credit is clipped to ab-bt. Otherwise
// the full ab is credited.
//
// Result is always in [0, ab] (property 1) and is 0 whenever the reply did
// not improve on the peer's own distance to target (property 2).
func DistanceHelped(node, target, reply ID) uint32 {
	return PrefixDistanceHelped(node.Prefix(), target.Prefix(), reply.Prefix())
}

// PrefixDistanceHelped is the prefix-arithmetic core of DistanceHelped,
// exposed directly so it can be exercised with the literal hex prefixes
// used by the spec's concrete scenarios (S1, S2) without constructing
// full 160-bit ids.
func PrefixDistanceHelped(node, target, reply uint32) uint32 {
	at := node ^ target
	bt := reply ^ target
	ab := node ^ reply

	if bt > at {
		return 0
	}
	if at < ab {
		return ab - bt
	}
	return ab
}
