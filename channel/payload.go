package channel

import (
	"encoding/json"

	"github.com/go-playground/validator/v10"

	"github.com/c360studio/valet/fault"
)

// validate is the shared struct validator used by adapters to check
// decoded payloads. Payloads are sum-typed on action_type; each adapter
// decodes into its own variant and validates it here.
var validate = validator.New(validator.WithRequiredStructEnabled())

// DecodePayload unmarshals a raw payload into the adapter's variant
// struct and validates its tags. Decode or validation failures are
// precondition errors: the payload never reached the upstream.
func DecodePayload(raw json.RawMessage, dst any) error {
	if len(raw) == 0 {
		return fault.New(fault.KindPrecondition, "empty payload")
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fault.Wrap(fault.KindPrecondition, "malformed payload", err)
	}
	if err := validate.Struct(dst); err != nil {
		return fault.Wrap(fault.KindPrecondition, "payload failed validation", err)
	}
	return nil
}
