package handoff

import (
	"errors"

	"opengrid.ai/internal/protocol"
	"opengrid.ai/internal/scene"
)

const (
	reasonLegacyPeer     = "older teleport variant not yet implemented"
	reasonNoViewer       = "failed to establish viewer connection on remote simulator"
	reasonNoDestination  = "No suitable destination found"
	reasonCancelled      = "Teleport cancelled"
	reasonNotRoot        = "Agent is not in a region hosted here"
	reasonEstablish      = "Unable to establish a connection to the destination region"
	reasonRegionNotHere  = "Destination region is not running"
	reasonUnexpected     = "Destination replied with an unexpected message"
	reasonInternal       = "Teleport failed"
	reasonAlreadyPresent = "You are already in that region"
	reasonLoggedIn       = "You are already logged in"
	reasonNotHandedOff   = "Agent has not been handed off"
)

// reason is the text shown to the user for err.
func reason(err error) string {
	if err == nil {
		return ""
	}
	if errors.Is(err, ErrCancelled) {
		return reasonCancelled
	}
	var (
		tf  *protocol.TeleportFailed
		ni  *protocol.NotImplementedError
		de  *protocol.DeniedError
		na  *protocol.NotAuthorizedError
		te  *protocol.TransportError
		pe  *protocol.ProtocolError
		est *scene.EstablishError
	)
	switch {
	case errors.As(err, &tf):
		return tf.Reason
	case errors.As(err, &ni):
		return ni.Feature
	case errors.As(err, &de):
		return de.Reason
	case errors.As(err, &na):
		return na.Error()
	case errors.As(err, &te):
		return te.Msg
	case errors.As(err, &pe):
		return reasonUnexpected
	case errors.As(err, &est):
		if errors.Is(est, scene.ErrAlreadyRoot) {
			return reasonAlreadyPresent
		}
		return reasonEstablish
	default:
		return reasonInternal
	}
}

// failed wraps err in a TeleportFailed carrying the user-visible reason.
func failed(err error) error {
	var tf *protocol.TeleportFailed
	if errors.As(err, &tf) {
		return err
	}
	return &protocol.TeleportFailed{Reason: reason(err), Err: err}
}

// result is the metrics and audit label for an attempt's outcome.
func result(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrCancelled):
		return "cancelled"
	case errors.Is(err, protocol.ErrNotImplemented):
		return "not_implemented"
	default:
		return "failed"
	}
}
