// Package execnode describes the execution-layer node flavours the load
// generator can target, so transaction building and nonce queries adapt by
// capability instead of by node name.
package execnode

// Capabilities defines what an execution-layer node supports.
type Capabilities struct {
	// Name is the canonical identifier (e.g. "geth", "cdk-erigon").
	Name string

	// RequiresLegacyTx forces type-0 transactions even when dynamic-fee
	// transactions are requested.
	RequiresLegacyTx bool

	// SupportsPendingNonce indicates the node serves eth_getPendingNonce,
	// which reflects the sequencer's view of queued transactions.
	SupportsPendingNonce bool
}

// String returns the canonical name of the node flavour.
func (c *Capabilities) String() string {
	if c == nil {
		return "unknown"
	}
	return c.Name
}

// UseLegacyTx reports whether transactions for this node must be legacy,
// given whether the caller asked for dynamic-fee transactions.
func (c *Capabilities) UseLegacyTx(wantDynamic bool) bool {
	if c == nil {
		return !wantDynamic
	}
	return c.RequiresLegacyTx || !wantDynamic
}
