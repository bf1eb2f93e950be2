package tracereader

import (
	"encoding/json"

	"github.com/LayerDynamics/pytui-sub000/internal/event"
)

// outcome classifies the result of parsing one channel line. Parse failures
// are data, not errors: nothing here aborts the reader.
type outcome int

const (
	outcomeMalformed outcome = iota // not a JSON object, or undecodable
	outcomeSkipped                  // valid JSON with an unknown type or missing required fields
	outcomeCall
	outcomeReturn
	outcomeException
)

// record is the typed result of parsing one line. Exactly one of the event
// pointers is set for the call/return/exception outcomes.
type record struct {
	outcome outcome
	call    *event.CallEvent
	ret     *event.ReturnEvent
	exc     *event.ExceptionEvent
}

// parseLine decodes one newline-delimited JSON record. The envelope carries a
// "type" discriminator; unknown types (including the agent's "test" liveness
// record) are skipped, not failed.
func parseLine(data []byte) record {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return record{outcome: outcomeMalformed}
	}

	switch envelope.Type {
	case "call":
		var call event.CallEvent
		if err := json.Unmarshal(data, &call); err != nil {
			return record{outcome: outcomeMalformed}
		}
		if call.FunctionName == "" || call.Filename == "" {
			return record{outcome: outcomeSkipped}
		}
		return record{outcome: outcomeCall, call: &call}
	case "return":
		var ret event.ReturnEvent
		if err := json.Unmarshal(data, &ret); err != nil {
			return record{outcome: outcomeMalformed}
		}
		return record{outcome: outcomeReturn, ret: &ret}
	case "exception":
		var exc event.ExceptionEvent
		if err := json.Unmarshal(data, &exc); err != nil {
			return record{outcome: outcomeMalformed}
		}
		return record{outcome: outcomeException, exc: &exc}
	default:
		return record{outcome: outcomeSkipped}
	}
}
