//go:build noprometheus
// +build noprometheus

package instrument

// StartPrometheusListener does nothing
func StartPrometheusListener(address string) {}

// TokensDrawn counts tokens drawn from the token store.
func TokensDrawn(n int) {}

// TokensReturned counts unused tokens returned to the token store.
func TokensReturned(n int) {}

// TokensReceived counts tokens received from correspondents.
func TokensReceived(n int) {}

// TokensDowngraded counts tokens downgraded on key rotation.
func TokensDowngraded(n int) {}

// TokenRequest counts requests for more tokens by outcome.
func TokenRequest(ok bool) {}

// FragmentsSent counts fragments handed to the dispatcher on path.
func FragmentsSent(path string, n int) {}

// FragmentsBuffered counts fragments buffered for lack of tokens.
func FragmentsBuffered(n int) {}

// Retransmission counts handled delivery timeouts by outcome.
func Retransmission(outcome string) {}

// CorrespondentRemoved counts removed correspondents by reason.
func CorrespondentRemoved(reason string) {}

// UnavailableCorrespondent counts replies to correspondents without tokens.
func UnavailableCorrespondent() {}

// TrackedCorrespondents sets the number of tracked correspondents.
func TrackedCorrespondents(n int) {}

// RotationID sets the last refreshed key rotation.
func RotationID(id uint32) {}

// AckRegistrySize sets the number of deliveries awaiting acknowledgement.
func AckRegistrySize(n int) {}

// FrameWritten counts frames written to the egress transport.
func FrameWritten(kind uint8) {}
