package errorsx

// ReasonCode is a short machine-readable error reason.
type ReasonCode string

const (
	ReasonUnknown ReasonCode = "unknown"

	ReasonDevicePermission  ReasonCode = "device_permission_denied"
	ReasonDeviceNotFound    ReasonCode = "device_not_found"
	ReasonDeviceBusy        ReasonCode = "device_busy"
	ReasonDeviceUnsupported ReasonCode = "device_unsupported"

	ReasonTransportDial   ReasonCode = "transport_dial"
	ReasonTransportSend   ReasonCode = "transport_send"
	ReasonTransportClosed ReasonCode = "transport_closed"
	ReasonTransportAuth   ReasonCode = "transport_auth"

	ReasonProtocolParse ReasonCode = "protocol_parse"

	ReasonBackendError     ReasonCode = "backend_error"
	ReasonBackendDeadline  ReasonCode = "backend_deadline_exceeded"
	ReasonBackendExhausted ReasonCode = "backend_resource_exhausted"

	ReasonRecoveryExhausted ReasonCode = "recovery_exhausted"
)
